package memengine

import (
	"context"
	"fmt"
	"log"
	"reflect"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/dreamware/testserver/internal/engine"
	"github.com/dreamware/testserver/internal/storage"
)

// replicator implements engine.Replicator. All status changes are made by
// the run goroutine, except Stop before Start, so listeners observe them in
// order.
type replicator struct {
	eng             *Engine
	local           *Database
	cfg             *engine.ReplicatorConfig
	cancel          context.CancelFunc
	done            chan struct{}
	changeListeners []func(engine.Status)
	docListeners    []func(engine.DocumentReplication)
	status          engine.Status
	mu              sync.Mutex
	started         bool
	stopped         bool
}

// change is one document revision to move in one direction. A skipped
// change only advances the checkpoint.
type change struct {
	doc  *storage.Document
	src  *Collection
	dst  *Collection
	push bool
	skip bool
}

func newReplicator(e *Engine, local *Database, cfg *engine.ReplicatorConfig) *replicator {
	return &replicator{
		eng:    e,
		local:  local,
		cfg:    cfg,
		status: engine.Status{Activity: engine.Stopped},
	}
}

func (r *replicator) Status() engine.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *replicator) AddChangeListener(fn func(engine.Status)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changeListeners = append(r.changeListeners, fn)
}

func (r *replicator) AddDocumentListener(fn func(engine.DocumentReplication)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docListeners = append(r.docListeners, fn)
}

func (r *replicator) Start(reset bool) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return &engine.Failure{Domain: engine.DomainCBL, Code: errBusy, Message: "replicator has already been started"}
	}
	if r.stopped {
		r.mu.Unlock()
		return &engine.Failure{Domain: engine.DomainCBL, Code: errInvalid, Message: "replicator has been stopped"}
	}
	r.started = true
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	r.mu.Unlock()

	// The connection handshake counts as one unit of work.
	r.setStatus(engine.Status{Activity: engine.Connecting, Progress: engine.Progress{Total: 1}})
	go r.run(ctx, reset)
	return nil
}

func (r *replicator) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	cancel := r.cancel
	started := r.started
	r.mu.Unlock()

	if !started {
		r.setStatus(engine.Status{Activity: engine.Stopped})
		return
	}
	cancel()
}

// Done is closed when the run goroutine exits. It is nil before Start.
func (r *replicator) Done() <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.done
}

func (r *replicator) run(ctx context.Context, reset bool) {
	defer close(r.done)

	progress := engine.Progress{Total: 1}
	if !r.wait(ctx) {
		r.finish(progress, nil)
		return
	}

	remote, failure := r.connect()
	if failure != nil {
		activity := engine.Stopped
		if r.cfg.Continuous && failure.Code == errUnknownHost {
			activity = engine.Offline
		}
		log.Printf("memengine: replicator for %s failed to connect: %v", r.cfg.Endpoint, failure)
		r.setStatus(engine.Status{Activity: activity, Progress: progress, Err: failure})
		if activity == engine.Offline {
			<-ctx.Done()
			r.finish(progress, failure)
		}
		return
	}
	progress.Completed = 1

	for first := true; ; first = false {
		pending := r.collect(remote, reset && first)
		n := countApplied(pending)
		if n > 0 || first {
			progress.Total += uint64(n)
			r.setStatus(engine.Status{Activity: engine.Busy, Progress: progress})
		}
		for _, c := range pending {
			if c.skip {
				r.commit(c)
				continue
			}
			if !r.wait(ctx) {
				r.finish(progress, nil)
				return
			}
			r.apply(remote, c)
			progress.Completed++
			r.setStatus(engine.Status{Activity: engine.Busy, Progress: progress})
		}

		if !r.cfg.Continuous {
			r.finish(progress, nil)
			return
		}
		if n > 0 || first {
			r.setStatus(engine.Status{Activity: engine.Idle, Progress: progress})
		}

		select {
		case <-ctx.Done():
			r.finish(progress, nil)
			return
		case <-time.After(r.eng.pollPeriod):
		}
	}
}

// wait sleeps for the engine latency and reports whether ctx is still live.
func (r *replicator) wait(ctx context.Context) bool {
	if r.eng.latency <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(r.eng.latency):
		return true
	}
}

func (r *replicator) finish(progress engine.Progress, failure *engine.Failure) {
	r.setStatus(engine.Status{Activity: engine.Stopped, Progress: progress, Err: failure})
}

func (r *replicator) connect() (*Remote, *engine.Failure) {
	remote, ok := r.eng.remote(r.cfg.Endpoint)
	if !ok {
		return nil, &engine.Failure{
			Domain:  engine.DomainNetwork,
			Code:    errUnknownHost,
			Message: fmt.Sprintf("unknown host %s", r.cfg.Endpoint.Host),
		}
	}
	if remote.Users == nil && remote.Sessions == nil {
		return remote, nil
	}

	authorized := false
	switch auth := r.cfg.Authenticator.(type) {
	case *engine.BasicAuthenticator:
		pwd, known := remote.Users[auth.Username]
		authorized = known && pwd == auth.Password
	case *engine.SessionAuthenticator:
		authorized = remote.Sessions[auth.SessionID]
	}
	if !authorized {
		return nil, &engine.Failure{Domain: engine.DomainWebSocket, Code: errUnauthorized, Message: "Unauthorized"}
	}
	return remote, nil
}

// groups returns the configured collection groups. A database-scoped
// config covers every local collection with no per-collection config.
func (r *replicator) groups() []engine.CollectionGroup {
	if len(r.cfg.Collections) > 0 {
		return r.cfg.Collections
	}
	return []engine.CollectionGroup{{Collections: r.local.Collections()}}
}

// collect lists the changes past the checkpoints, skipped ones included, in
// sequence order per collection and direction. Checkpoints are only
// committed in that order.
func (r *replicator) collect(remote *Remote, reset bool) []change {
	endpoint := r.cfg.Endpoint.String()
	var pending []change

	for _, g := range r.groups() {
		cc := g.Config
		if cc == nil {
			cc = &engine.CollectionConfig{}
		}
		for _, col := range g.Collections {
			src := r.local.lookup(col.FullName())
			if src == nil {
				continue
			}
			dst := remote.DB.CreateCollection(src.Scope(), src.Name())
			pushSeq, pullSeq := r.local.checkpointSeqs(endpoint, src.FullName())
			if reset {
				pushSeq, pullSeq = 0, 0
			}

			if r.cfg.Type.Pushes() {
				for _, doc := range src.Store().Since(pushSeq) {
					skip := sameRevision(dst, doc) || !admit(src, doc, cc.DocumentIDs, nil, cc.PushFilter)
					pending = append(pending, change{doc: doc, src: src, dst: dst, push: true, skip: skip})
				}
			}
			if r.cfg.Type.Pulls() {
				for _, doc := range dst.Store().Since(pullSeq) {
					skip := sameRevision(src, doc) || !admit(dst, doc, cc.DocumentIDs, cc.Channels, cc.PullFilter)
					pending = append(pending, change{doc: doc, src: dst, dst: src, push: false, skip: skip})
				}
			}
		}
	}
	return pending
}

func countApplied(pending []change) int {
	n := 0
	for _, c := range pending {
		if !c.skip {
			n++
		}
	}
	return n
}

// localCollection returns the local side of c.
func (c change) localCollection() *Collection {
	if c.push {
		return c.src
	}
	return c.dst
}

func (r *replicator) commit(c change) {
	r.local.saveCheckpoint(r.cfg.Endpoint.String(), c.localCollection().FullName(), c.push, c.doc.Seq)
}

func (r *replicator) apply(remote *Remote, c change) {
	localCol := c.localCollection()

	rd := engine.ReplicatedDocument{
		Scope:      localCol.Scope(),
		Collection: localCol.Name(),
		ID:         c.doc.ID,
		Flags:      flagsOf(c.doc),
	}

	switch {
	case c.push && remote.ReadOnly:
		rd.Err = &engine.Failure{Domain: engine.DomainCBL, Code: errForbidden, Message: "remote rejected the document"}
	case rd.Flags.Has(engine.FlagAccessRemoved):
		if r.cfg.AutoPurge {
			_, _ = c.dst.Store().Delete(c.doc.ID)
		}
	case c.doc.Deleted:
		_, _ = c.dst.Store().Delete(c.doc.ID)
	default:
		if _, err := c.dst.Store().Put(c.doc.ID, c.doc.Body); err != nil {
			rd.Err = &engine.Failure{Domain: engine.DomainCBL, Code: errInvalid, Message: err.Error()}
		}
	}

	r.commit(c)
	r.notifyDocuments(engine.DocumentReplication{IsPush: c.push, Documents: []engine.ReplicatedDocument{rd}})
}

// admit applies the document-id allow-list, the channel allow-list and the
// filter, in that order.
func admit(col *Collection, doc *storage.Document, docIDs, channels []string, filter engine.ReplicationFilter) bool {
	if len(docIDs) > 0 && !slices.Contains(docIDs, doc.ID) {
		return false
	}
	if len(channels) > 0 && !doc.Deleted && !inChannels(doc.Body, channels) {
		return false
	}
	if filter == nil {
		return true
	}
	return filter(engine.FilteredDocument{
		Collection: col.FullName(),
		ID:         doc.ID,
		Body:       doc.Body,
		Flags:      flagsOf(doc),
	})
}

func inChannels(body map[string]any, channels []string) bool {
	docChannels, _ := body["channels"].([]any)
	for _, ch := range docChannels {
		if s, ok := ch.(string); ok && slices.Contains(channels, s) {
			return true
		}
	}
	return false
}

func flagsOf(doc *storage.Document) engine.DocumentFlags {
	var flags engine.DocumentFlags
	if doc.Deleted {
		flags |= engine.FlagDeleted
	}
	if removed, _ := doc.Body["_removed"].(bool); removed {
		flags |= engine.FlagAccessRemoved
	}
	return flags
}

// sameRevision reports whether col already holds doc's content, in which
// case replicating it would only echo it back.
func sameRevision(col *Collection, doc *storage.Document) bool {
	existing, err := col.Store().Get(doc.ID)
	if err != nil {
		return doc.Deleted && err == storage.ErrNotFound && deletedIn(col, doc.ID)
	}
	return !doc.Deleted && reflect.DeepEqual(existing.Body, doc.Body)
}

func deletedIn(col *Collection, id string) bool {
	for _, d := range col.Store().Since(0) {
		if d.ID == id {
			return d.Deleted
		}
	}
	return false
}

func (r *replicator) setStatus(s engine.Status) {
	r.mu.Lock()
	r.status = s
	listeners := slices.Clone(r.changeListeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

func (r *replicator) notifyDocuments(d engine.DocumentReplication) {
	r.mu.Lock()
	listeners := slices.Clone(r.docListeners)
	r.mu.Unlock()

	for _, fn := range listeners {
		fn(d)
	}
}
