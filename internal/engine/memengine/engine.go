// Package memengine is an in-process replication engine.
//
// It lets the test server run without a native sync library: local and
// remote databases are in-memory, and "remote" endpoints are resolved
// against a table of registered remote databases instead of the network.
// Replicators behave like the native ones from the server's point of view.
// They run on their own goroutine, move through connecting, busy and idle
// or stopped, count progress, and report per-document events through
// listeners.
package memengine

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/dreamware/testserver/internal/engine"
)

// Failure codes reported by the engine.
const (
	errNotFound       = 7
	errUnknownHost    = 2
	errBusy           = 16
	errInvalid        = 18
	errUnauthorized   = 401
	errForbidden      = 10403
	defaultPollPeriod = 100 * time.Millisecond
)

// Remote is a database reachable at an endpoint.
type Remote struct {
	DB *Database
	// Users maps usernames to passwords. When both Users and Sessions are
	// nil the remote accepts anonymous replication.
	Users map[string]string
	// Sessions holds valid session ids.
	Sessions map[string]bool
	// ReadOnly remotes reject every pushed document.
	ReadOnly bool
}

// Engine implements engine.Engine.
type Engine struct {
	remotes    map[string]*Remote // host+path -> remote
	latency    time.Duration
	pollPeriod time.Duration
	mu         sync.RWMutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLatency delays every replication step by d.
func WithLatency(d time.Duration) Option {
	return func(e *Engine) { e.latency = d }
}

// WithPollPeriod sets how often continuous replicators look for new changes.
func WithPollPeriod(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollPeriod = d
		}
	}
}

// New returns an engine with no remotes.
func New(opts ...Option) *Engine {
	e := &Engine{
		remotes:    make(map[string]*Remote),
		pollPeriod: defaultPollPeriod,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AddRemote makes r reachable at endpoint. The scheme is ignored so ws and
// wss endpoints with the same host and path reach the same remote.
func (e *Engine) AddRemote(endpoint string, r *Remote) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid remote endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return fmt.Errorf("remote endpoint %q has no host", endpoint)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.remotes[remoteKey(u)] = r
	return nil
}

func (e *Engine) remote(u *url.URL) (*Remote, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.remotes[remoteKey(u)]
	return r, ok
}

func remoteKey(u *url.URL) string { return u.Host + u.Path }

// OpenDatabase returns a new empty database that replicators of this engine
// can use as their local database.
func (e *Engine) OpenDatabase(name string) engine.LoadableDatabase { return NewDatabase(name) }

// NewReplicator implements engine.Engine.
func (e *Engine) NewReplicator(cfg *engine.ReplicatorConfig) (engine.Replicator, error) {
	if cfg == nil || cfg.Database == nil {
		return nil, &engine.Failure{Domain: engine.DomainCBL, Code: errInvalid, Message: "replicator configuration has no database"}
	}
	if cfg.Endpoint == nil {
		return nil, &engine.Failure{Domain: engine.DomainCBL, Code: errInvalid, Message: "replicator configuration has no endpoint"}
	}
	local, ok := cfg.Database.(*Database)
	if !ok {
		return nil, &engine.Failure{Domain: engine.DomainCBL, Code: errInvalid, Message: "database was not opened by this engine"}
	}
	for _, g := range cfg.Collections {
		for _, c := range g.Collections {
			if local.lookup(c.FullName()) == nil {
				return nil, &engine.Failure{
					Domain:  engine.DomainCBL,
					Code:    errNotFound,
					Message: fmt.Sprintf("collection %s is not in database %s", c.FullName(), local.Name()),
				}
			}
		}
	}
	return newReplicator(e, local, cfg), nil
}

// DeletedDocumentsFilter implements engine.Engine.
func (e *Engine) DeletedDocumentsFilter() engine.ReplicationFilter {
	return func(doc engine.FilteredDocument) bool {
		return doc.Flags.Has(engine.FlagDeleted)
	}
}

// DocumentIDFilter implements engine.Engine. Documents in the default scope
// also match when the permitted name omits the scope.
func (e *Engine) DocumentIDFilter(permitted map[string]struct{}) engine.ReplicationFilter {
	return func(doc engine.FilteredDocument) bool {
		if _, ok := permitted[doc.Collection+"."+doc.ID]; ok {
			return true
		}
		scope, name, found := strings.Cut(doc.Collection, ".")
		if found && scope == engine.DefaultScope {
			_, ok := permitted[name+"."+doc.ID]
			return ok
		}
		return false
	}
}
