package replicator

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/dreamware/testserver/internal/apierr"
	"github.com/dreamware/testserver/internal/engine"
)

// State is the manager-owned lifecycle state of a session. It is separate
// from the engine's activity level: a session can be Active while the
// engine reports offline or stopped.
type State int

const (
	StateCreated State = iota
	StateStarting
	StateActive
	StateError
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateError:
		return "error"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session is one registered replication session.
//
// The session is the single owner of its engine replicator. Request
// goroutines and engine callback goroutines both touch it, so every field
// below mu is guarded by mu:
//
//	┌──────────────────────────────────────────┐
//	│                Session                   │
//	├──────────────────────────────────────────┤
//	│  repl:   engine replicator (owned)       │
//	│  state:  created → starting → active     │
//	│                              → error     │
//	│          active → stopping → stopped     │
//	│  status: last status from the engine     │
//	│  events: document events not yet read    │
//	├──────────────────────────────────────────┤
//	│  writers: engine change/doc listeners,   │
//	│           Start, Stop                    │
//	│  readers: Snapshot (status handler)      │
//	└──────────────────────────────────────────┘
type Session struct {
	repl     engine.Replicator
	ID       string
	ClientID string
	events   []engine.DocumentReplication
	status   engine.Status
	mu       sync.Mutex
	// lifecycle serializes Start and Stop around the engine calls.
	lifecycle sync.Mutex
	state     State
	// listening is set once a document listener is attached.
	listening bool
}

// Snapshot is a consistent copy of a session's observable state.
type Snapshot struct {
	Events    []engine.DocumentReplication
	Status    engine.Status
	State     State
	Listening bool
}

// newSession attaches the status listener. The registry assigns the id.
func newSession(clientID string, repl engine.Replicator) *Session {
	s := &Session{
		ClientID: clientID,
		repl:     repl,
		state:    StateCreated,
		status:   repl.Status(),
	}
	repl.AddChangeListener(s.onStatus)
	return s
}

func (s *Session) onStatus(st engine.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = st
}

func (s *Session) onDocuments(d engine.DocumentReplication) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, d)
}

// ListenForDocuments attaches the document listener. Events are queued until
// the next Snapshot with drain set.
func (s *Session) ListenForDocuments() {
	s.mu.Lock()
	if s.listening {
		s.mu.Unlock()
		return
	}
	s.listening = true
	s.mu.Unlock()

	s.repl.AddDocumentListener(s.onDocuments)
}

// Start moves the session through starting and starts the replicator.
// Only a created session can start.
func (s *Session) Start(reset bool) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	if s.state != StateCreated {
		state := s.state
		s.mu.Unlock()
		return apierr.Clientf("Replicator %s cannot be started: it is %s", s.ID, state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	// Engine callbacks fire during Start and take mu, so it is not held here.
	err := s.repl.Start(reset)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateError
		return err
	}
	if s.state == StateStarting {
		s.state = StateActive
	}
	return nil
}

// Stop stops the replicator. Stopping a stopped or failed session does
// nothing. A Stop that races a Start waits for the engine start to return.
func (s *Session) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.Lock()
	switch s.state {
	case StateStopped, StateStopping, StateError:
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	s.mu.Unlock()

	s.repl.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = StateStopped
}

// Snapshot returns the session's state, status and queued events in one
// consistent read. With drain the returned events are removed from the
// queue.
func (s *Session) Snapshot(drain bool) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		State:     s.state,
		Status:    s.status,
		Listening: s.listening,
		Events:    append([]engine.DocumentReplication(nil), s.events...),
	}
	if drain {
		s.events = nil
	}
	return snap
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Registry maps session ids to sessions.
//
// Concurrency Model:
//   - The map is guarded by an RWMutex; lookups take the read lock
//   - Each Session has its own mutex, so operations on different ids never
//     contend beyond the map lookup
//   - No registry lock is held while calling into the engine
type Registry struct {
	sessions map[string]*Session
	newID    func() string
	mu       sync.RWMutex
}

// NewRegistry returns an empty registry that issues random UUIDs.
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		newID:    uuid.NewString,
	}
}

// Add registers repl under a newly generated id. An id is never issued
// twice during the life of the registry.
func (r *Registry) Add(clientID string, repl engine.Replicator) *Session {
	s := newSession(clientID, repl)

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.newID()
	for _, taken := r.sessions[id]; taken; _, taken = r.sessions[id] {
		id = r.newID()
	}
	s.ID = id
	r.sessions[id] = s
	return s
}

// Get returns the session registered under id. Unknown ids are a client
// error.
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]
	if !ok {
		return nil, apierr.Clientf("Replicator not found: %s", id)
	}
	return s, nil
}

// ForClient returns every session created by clientID.
func (r *Registry) ForClient(clientID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Session
	for _, s := range r.sessions {
		if s.ClientID == clientID {
			out = append(out, s)
		}
	}
	return out
}

// All returns every registered session.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
