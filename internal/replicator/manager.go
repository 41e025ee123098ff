package replicator

import (
	"log"
	"net/url"
	"strings"

	"github.com/dreamware/testserver/internal/apierr"
	"github.com/dreamware/testserver/internal/engine"
	"github.com/dreamware/testserver/internal/reply"
	"github.com/dreamware/testserver/internal/services"
	"github.com/dreamware/testserver/internal/tree"
)

// Request and response keys.
const (
	keyID = "id"

	keyReset       = "reset"
	keyConfig      = "config"
	keyDatabase    = "database"
	keyCollections = "collections"
	keyEndpoint    = "endpoint"
	keyType        = "replicatorType"
	keyContinuous  = "continuous"
	keyDocListener = "enableDocumentListener"
	keyAuth        = "authenticator"
	keyAutoPurge   = "enableAutoPurge"
	keyPinnedCert  = "pinnedServerCert"

	keyNames            = "names"
	keyChannels         = "channels"
	keyDocumentIDs      = "documentIDs"
	keyPushFilter       = "pushFilter"
	keyPullFilter       = "pullFilter"
	keyConflictResolver = "conflictResolver"

	keyActivity   = "activity"
	keyProgress   = "progress"
	keyCompleted  = "completed"
	keyDocuments  = "documents"
	keyCollection = "collection"
	keyDocID      = "documentID"
	keyIsPush     = "isPush"
	keyFlags      = "flags"
	keyError      = "error"
)

var (
	legalCreateKeys = []string{keyConfig, keyReset}
	legalConfigKeys = []string{
		keyDatabase, keyCollections, keyEndpoint, keyType, keyContinuous,
		keyAuth, keyDocListener, keyAutoPurge, keyPinnedCert,
	}
	legalCollectionKeys = []string{
		keyNames, keyChannels, keyDocumentIDs, keyPushFilter, keyPullFilter, keyConflictResolver,
	}
	legalIDKeys = []string{keyID}
)

// Manager translates replicator requests into engine calls and keeps the
// resulting sessions in a Registry. It holds no per-request state.
type Manager struct {
	dbs      *services.DatabaseService
	engine   engine.Engine
	registry *Registry
}

// NewManager returns a manager with an empty registry.
func NewManager(dbs *services.DatabaseService, eng engine.Engine) *Manager {
	return &Manager{dbs: dbs, engine: eng, registry: NewRegistry()}
}

// Registry returns the manager's session registry.
func (m *Manager) Registry() *Registry { return m.registry }

// Create builds a replicator from req, registers it and starts it.
func (m *Manager) Create(tc *services.TestContext, req tree.Map) (map[string]any, error) {
	if err := req.Validate(legalCreateKeys...); err != nil {
		return nil, err
	}
	config, ok := req.GetMap(keyConfig)
	if !ok {
		return nil, apierr.Clientf("No replicator configuration specified")
	}
	if err := config.Validate(legalConfigKeys...); err != nil {
		return nil, err
	}

	cfg, err := m.buildConfig(tc, config)
	if err != nil {
		return nil, err
	}

	repl, err := m.engine.NewReplicator(cfg)
	if err != nil {
		return nil, apierr.Classify(err)
	}
	session := m.registry.Add(tc.ClientID, repl)

	if listen, _ := config.GetBool(keyDocListener); listen {
		session.ListenForDocuments()
		log.Printf("replicator: added document listener to %s", session.ID)
	}

	reset, _ := req.GetBool(keyReset)
	if err := session.Start(reset); err != nil {
		log.Printf("replicator: %s failed to start: %v", session.ID, err)
		return nil, apierr.Classify(err)
	}
	log.Printf("replicator: started %s for %s (%s, %s)", session.ID, tc, cfg.Type, cfg.Endpoint)

	return map[string]any{keyID: session.ID}, nil
}

// Status reports the session's activity, progress, error and any document
// events received since the previous Status call.
func (m *Manager) Status(tc *services.TestContext, req tree.Map) (map[string]any, error) {
	if err := req.Validate(legalIDKeys...); err != nil {
		return nil, err
	}
	id, ok := req.GetString(keyID)
	if !ok {
		return nil, apierr.Clientf("Replicator id not specified")
	}
	session, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}

	snap := session.Snapshot(true)
	st := snap.Status

	resp := map[string]any{
		keyActivity: st.Activity.String(),
		keyProgress: map[string]any{keyCompleted: st.Progress.Done()},
	}
	if st.Err != nil {
		resp[keyError] = reply.ErrorBody(apierr.FromEngine(st.Err))
	}
	if docs := documentEntries(snap.Events); len(docs) > 0 {
		resp[keyDocuments] = docs
	}
	return resp, nil
}

// Stop stops the session. Stopping an already stopped session succeeds.
func (m *Manager) Stop(tc *services.TestContext, req tree.Map) (map[string]any, error) {
	if err := req.Validate(legalIDKeys...); err != nil {
		return nil, err
	}
	id, ok := req.GetString(keyID)
	if !ok {
		return nil, apierr.Clientf("Replicator id not specified in stopReplicator")
	}
	session, err := m.registry.Get(id)
	if err != nil {
		return nil, err
	}
	session.Stop()
	log.Printf("replicator: stopped %s for %s", id, tc)
	return map[string]any{}, nil
}

// StopAll stops every session owned by the client. It is used when the
// client resets its databases.
func (m *Manager) StopAll(tc *services.TestContext) {
	for _, s := range m.registry.ForClient(tc.ClientID) {
		s.Stop()
	}
}

// Close stops every session. Sessions stay registered.
func (m *Manager) Close() {
	for _, s := range m.registry.All() {
		s.Stop()
	}
	log.Printf("replicator: stopped all %d sessions", m.registry.Len())
}

func documentEntries(events []engine.DocumentReplication) []map[string]any {
	var out []map[string]any
	for _, ev := range events {
		for _, doc := range ev.Documents {
			entry := map[string]any{
				keyCollection: doc.Scope + "." + doc.Collection,
				keyDocID:      doc.ID,
				keyIsPush:     ev.IsPush,
				keyFlags:      flagNames(doc.Flags),
			}
			if doc.Err != nil {
				entry[keyError] = reply.ErrorBody(apierr.FromEngine(doc.Err))
			}
			out = append(out, entry)
		}
	}
	return out
}

var documentFlagNames = []struct {
	flag engine.DocumentFlags
	name string
}{
	{engine.FlagDeleted, "DELETED"},
	{engine.FlagAccessRemoved, "ACCESSREMOVED"},
}

func flagNames(flags engine.DocumentFlags) []string {
	names := make([]string, 0, len(documentFlagNames))
	for _, f := range documentFlagNames {
		if flags.Has(f.flag) {
			names = append(names, f.name)
		}
	}
	return names
}

// buildConfig resolves the config in a fixed order: endpoint, database,
// collections, type, flags, pinned certificate, authenticator.
func (m *Manager) buildConfig(tc *services.TestContext, config tree.Map) (*engine.ReplicatorConfig, error) {
	endpoint, err := parseEndpoint(config)
	if err != nil {
		return nil, err
	}

	dbName, ok := config.GetString(keyDatabase)
	if !ok {
		return nil, apierr.Clientf("Replicator configuration doesn't specify a database")
	}
	collections, ok := config.GetList(keyCollections)
	if !ok {
		return nil, apierr.Clientf("Replicator configuration doesn't specify a list of collections")
	}
	db, err := m.dbs.GetOpenDB(tc, dbName)
	if err != nil {
		return nil, err
	}

	cfg := engine.NewReplicatorConfig(db, endpoint)
	if collections.Len() > 0 {
		if err := m.addCollections(db, collections, cfg); err != nil {
			return nil, err
		}
	}

	if replType, ok := config.GetString(keyType); ok {
		t, err := parseReplicatorType(replType)
		if err != nil {
			return nil, err
		}
		cfg.Type = t
	}
	if continuous, ok := config.GetBool(keyContinuous); ok {
		cfg.Continuous = continuous
	}
	if autoPurge, ok := config.GetBool(keyAutoPurge); ok {
		cfg.AutoPurge = autoPurge
	}

	if pem, ok := config.GetString(keyPinnedCert); ok {
		cert, err := parseCertificate(pem)
		if err != nil {
			return nil, err
		}
		cfg.PinnedServerCert = cert
	}

	if authSpec, ok := config.GetMap(keyAuth); ok {
		auth, err := parseAuthenticator(authSpec)
		if err != nil {
			return nil, err
		}
		cfg.Authenticator = auth.build()
	}

	log.Printf("replicator: built config for %s: db=%s collections=%d type=%s continuous=%t",
		tc, dbName, len(cfg.Collections), cfg.Type, cfg.Continuous)
	return cfg, nil
}

func parseEndpoint(config tree.Map) (*url.URL, error) {
	raw, ok := config.GetString(keyEndpoint)
	if !ok {
		return nil, apierr.Clientf("Replicator configuration doesn't specify an endpoint")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, apierr.ClientWrap(err, "Replicator configuration contains an unparsable endpoint: %s", raw)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, apierr.Clientf("Replicator configuration contains an unparsable endpoint: %s", raw)
	}
	return u, nil
}

func parseReplicatorType(s string) (engine.ReplicatorType, error) {
	switch strings.ToLower(s) {
	case "pushandpull":
		return engine.PushAndPull, nil
	case "push":
		return engine.Push, nil
	case "pull":
		return engine.Pull, nil
	default:
		return 0, apierr.Clientf("Unrecognized replicator type: %s", s)
	}
}

func (m *Manager) addCollections(db engine.Database, specs tree.List, cfg *engine.ReplicatorConfig) error {
	for i := 0; i < specs.Len(); i++ {
		spec, ok := specs.GetMap(i)
		if !ok {
			return apierr.Clientf("Replication collection spec is not an object: %d", i)
		}
		if err := spec.Validate(legalCollectionKeys...); err != nil {
			return err
		}

		names, ok := spec.GetList(keyNames)
		if !ok || names.Len() == 0 {
			return apierr.Clientf("Replication collection spec %d specifies no collections", i)
		}
		if len(names.Strings()) != names.Len() {
			return apierr.Clientf("Replication collection spec %d contains a collection name that is not a string", i)
		}
		cols, err := m.dbs.GetCollections(db, names.Strings())
		if err != nil {
			return err
		}

		colConfig, err := m.buildCollectionConfig(spec)
		if err != nil {
			return err
		}
		cfg.AddCollections(cols, colConfig)
	}
	return nil
}

func (m *Manager) buildCollectionConfig(spec tree.Map) (*engine.CollectionConfig, error) {
	cc := &engine.CollectionConfig{}

	if channels, ok := spec.GetList(keyChannels); ok {
		cc.Channels = channels.Strings()
	}
	if docIDs, ok := spec.GetList(keyDocumentIDs); ok {
		cc.DocumentIDs = docIDs.Strings()
	}

	if f, ok := spec.GetMap(keyPushFilter); ok {
		fs, err := parseFilter(f)
		if err != nil {
			return nil, err
		}
		cc.PushFilter = fs.build(m.engine)
	}
	if f, ok := spec.GetMap(keyPullFilter); ok {
		fs, err := parseFilter(f)
		if err != nil {
			return nil, err
		}
		cc.PullFilter = fs.build(m.engine)
	}

	if cr, ok := spec.GetMap(keyConflictResolver); ok {
		resolver, err := buildConflictResolver(cr)
		if err != nil {
			return nil, err
		}
		cc.ConflictResolver = resolver
	}
	return cc, nil
}
