// Package engine declares the boundary between the test server and the
// replication engine it drives.
//
// The server never implements sync itself. It translates requests into a
// ReplicatorConfig, asks an Engine for a Replicator, and observes that
// replicator through its Status and listener callbacks. Listener callbacks
// run on engine-owned goroutines, concurrently with request handling.
package engine

import (
	"crypto/x509"
	"fmt"
	"net/url"
)

// Engine creates replicators and provides the engine's built-in filters.
type Engine interface {
	// NewReplicator builds a replicator from cfg without starting it.
	NewReplicator(cfg *ReplicatorConfig) (Replicator, error)

	// DeletedDocumentsFilter admits only deleted documents.
	DeletedDocumentsFilter() ReplicationFilter

	// DocumentIDFilter admits documents whose "collection.documentID" name
	// is in permitted.
	DocumentIDFilter(permitted map[string]struct{}) ReplicationFilter
}

// Replicator is one engine-native replication session.
type Replicator interface {
	// Start begins replicating. With reset the replicator ignores its
	// checkpoint and starts from the beginning.
	Start(reset bool) error

	// Stop asks the replicator to stop. It returns without waiting for the
	// stopped status to be reported.
	Stop()

	// Status returns the current status.
	Status() Status

	// AddChangeListener registers fn to receive every status change.
	AddChangeListener(fn func(Status))

	// AddDocumentListener registers fn to receive document replication events.
	AddDocumentListener(fn func(DocumentReplication))
}

// Database is an open local database.
type Database interface {
	Name() string
	// Collection returns the named collection or an error if it does not exist.
	Collection(scope, name string) (Collection, error)
	// Collections returns every collection in the database.
	Collections() []Collection
}

// LoadableDatabase is a database whose content can be written directly,
// without replication. Datasets are loaded through it.
type LoadableDatabase interface {
	Database
	// AddCollection creates the collection if it does not exist.
	AddCollection(scope, name string)
	// PutDocument writes body as id in the collection, creating the
	// collection if needed.
	PutDocument(scope, collection, id string, body map[string]any) error
}

// Collection is a named partition of a database.
type Collection interface {
	Scope() string
	Name() string
	// FullName is "scope.name".
	FullName() string
}

// DefaultScope is the scope used for collection names given without one.
const DefaultScope = "_default"

// ReplicatorType is the direction of a replication.
type ReplicatorType int

const (
	PushAndPull ReplicatorType = iota
	Push
	Pull
)

func (t ReplicatorType) String() string {
	switch t {
	case PushAndPull:
		return "pushandpull"
	case Push:
		return "push"
	case Pull:
		return "pull"
	default:
		return fmt.Sprintf("ReplicatorType(%d)", int(t))
	}
}

// Pushes reports whether t sends local changes.
func (t ReplicatorType) Pushes() bool { return t == PushAndPull || t == Push }

// Pulls reports whether t receives remote changes.
func (t ReplicatorType) Pulls() bool { return t == PushAndPull || t == Pull }

// Authenticator is a credential variant: *BasicAuthenticator or
// *SessionAuthenticator.
type Authenticator interface {
	authenticator()
}

// BasicAuthenticator authenticates with HTTP Basic credentials.
type BasicAuthenticator struct {
	Username string
	Password string
}

// SessionAuthenticator authenticates with a session cookie.
type SessionAuthenticator struct {
	SessionID  string
	CookieName string
}

func (*BasicAuthenticator) authenticator()   {}
func (*SessionAuthenticator) authenticator() {}

// ReplicationFilter decides whether a document is replicated.
type ReplicationFilter func(doc FilteredDocument) bool

// FilteredDocument is what a ReplicationFilter sees.
type FilteredDocument struct {
	Body       map[string]any
	Collection string // "scope.name"
	ID         string
	Flags      DocumentFlags
}

// ConflictResolver picks the winning revision of a conflicted document.
// The server never constructs one; it exists so CollectionConfig mirrors the
// engine's configuration surface.
type ConflictResolver interface {
	Resolve(local, remote map[string]any) map[string]any
}

// CollectionConfig scopes replication of a group of collections.
type CollectionConfig struct {
	ConflictResolver ConflictResolver
	PushFilter       ReplicationFilter
	PullFilter       ReplicationFilter
	Channels         []string
	DocumentIDs      []string
}

// CollectionGroup binds collections to an optional shared config.
type CollectionGroup struct {
	Config      *CollectionConfig
	Collections []Collection
}

// ReplicatorConfig describes one replication session. When Collections is
// empty the session covers the whole Database.
type ReplicatorConfig struct {
	Authenticator    Authenticator
	Database         Database
	Endpoint         *url.URL
	PinnedServerCert *x509.Certificate
	Collections      []CollectionGroup
	Type             ReplicatorType
	Continuous       bool
	AutoPurge        bool
}

// NewReplicatorConfig returns a config with the engine defaults: push and
// pull, one-shot, auto-purge enabled.
func NewReplicatorConfig(db Database, endpoint *url.URL) *ReplicatorConfig {
	return &ReplicatorConfig{
		Database:  db,
		Endpoint:  endpoint,
		Type:      PushAndPull,
		AutoPurge: true,
	}
}

// AddCollections adds a collection group to the config.
func (c *ReplicatorConfig) AddCollections(cols []Collection, cfg *CollectionConfig) {
	c.Collections = append(c.Collections, CollectionGroup{Collections: cols, Config: cfg})
}
