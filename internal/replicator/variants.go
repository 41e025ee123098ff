package replicator

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"strings"

	"github.com/dreamware/testserver/internal/apierr"
	"github.com/dreamware/testserver/internal/engine"
	"github.com/dreamware/testserver/internal/tree"
)

const (
	keyName   = "name"
	keyParams = "params"

	filterDeleted = "deletedDocumentsOnly"
	filterDocIDs  = "documentIDs"

	keyAuthType      = "type"
	authBasic        = "basic"
	authSession      = "session"
	keyUsername      = "username"
	keyPassword      = "password"
	keySessionID     = "sessionID"
	keySessionCookie = "cookieName"
)

var (
	legalBasicAuthKeys   = []string{keyAuthType, keyUsername, keyPassword}
	legalSessionAuthKeys = []string{keyAuthType, keySessionID, keySessionCookie}
)

// filterSpec is a parsed replication filter. Exactly one variant is set.
type filterSpec struct {
	// permitted is the documentIDs variant: "collection.docID" names.
	permitted   map[string]struct{}
	deletedOnly bool
}

func parseFilter(spec tree.Map) (filterSpec, error) {
	name, ok := spec.GetString(keyName)
	if !ok {
		return filterSpec{}, apierr.Clientf("Filter doesn't specify a name")
	}
	switch name {
	case filterDeleted:
		return filterSpec{deletedOnly: true}, nil
	case filterDocIDs:
		permitted, err := parseDocIDParams(spec)
		if err != nil {
			return filterSpec{}, err
		}
		return filterSpec{permitted: permitted}, nil
	default:
		return filterSpec{}, apierr.Clientf("Unrecognized filter name: %s", name)
	}
}

func parseDocIDParams(spec tree.Map) (map[string]struct{}, error) {
	params, ok := spec.GetMap(keyParams)
	if !ok {
		return nil, apierr.Clientf("DocId filter specifies no doc ids")
	}
	docIDs, ok := params.GetMap(keyDocumentIDs)
	if !ok {
		return nil, apierr.Clientf("DocId filter specifies no doc ids")
	}

	permitted := make(map[string]struct{})
	for _, collection := range docIDs.Keys() {
		ids, ok := docIDs.GetList(collection)
		if !ok {
			return nil, apierr.Clientf("DocId filter: no doc ids specified for collection %s", collection)
		}
		for _, id := range ids.Strings() {
			permitted[collection+"."+id] = struct{}{}
		}
	}
	return permitted, nil
}

func (f filterSpec) build(eng engine.Engine) engine.ReplicationFilter {
	if f.deletedOnly {
		return eng.DeletedDocumentsFilter()
	}
	return eng.DocumentIDFilter(f.permitted)
}

// buildConflictResolver always fails: no resolvers are available to
// requests.
func buildConflictResolver(spec tree.Map) (engine.ConflictResolver, error) {
	name, ok := spec.GetString(keyName)
	if !ok {
		return nil, apierr.Clientf("Conflict resolver doesn't specify a name")
	}
	return nil, apierr.Serverf("Conflict resolvers not implemented: %s", name)
}

// authSpec is a parsed authenticator. Exactly one of basic or session is set.
type authSpec struct {
	basic   *engine.BasicAuthenticator
	session *engine.SessionAuthenticator
}

func parseAuthenticator(spec tree.Map) (authSpec, error) {
	authType, ok := spec.GetString(keyAuthType)
	if !ok {
		return authSpec{}, apierr.Clientf("Replicator authenticator doesn't specify a type")
	}

	switch strings.ToLower(authType) {
	case authBasic:
		if err := spec.Validate(legalBasicAuthKeys...); err != nil {
			return authSpec{}, err
		}
		user, _ := spec.GetString(keyUsername)
		if user == "" {
			return authSpec{}, apierr.Clientf("Basic authenticator doesn't specify a user")
		}
		pwd, _ := spec.GetString(keyPassword)
		if pwd == "" {
			return authSpec{}, apierr.Clientf("Basic authenticator doesn't specify a password")
		}
		return authSpec{basic: &engine.BasicAuthenticator{Username: user, Password: pwd}}, nil

	case authSession:
		if err := spec.Validate(legalSessionAuthKeys...); err != nil {
			return authSpec{}, err
		}
		session, _ := spec.GetString(keySessionID)
		if session == "" {
			return authSpec{}, apierr.Clientf("Session authenticator doesn't specify a session id")
		}
		cookie, _ := spec.GetString(keySessionCookie)
		return authSpec{session: &engine.SessionAuthenticator{SessionID: session, CookieName: cookie}}, nil

	default:
		return authSpec{}, apierr.Clientf("Unrecognized authenticator type: %s", authType)
	}
}

func (a authSpec) build() engine.Authenticator {
	if a.basic != nil {
		return a.basic
	}
	return a.session
}

// parseCertificate accepts a PEM block or bare base64 DER.
func parseCertificate(s string) (*x509.Certificate, error) {
	var der []byte
	if block, _ := pem.Decode([]byte(s)); block != nil {
		der = block.Bytes
	} else {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
		if err != nil {
			return nil, apierr.ClientWrap(err, "Could not decode the certificate")
		}
		der = raw
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, apierr.ClientWrap(err, "Could not decode the certificate")
	}
	return cert, nil
}
