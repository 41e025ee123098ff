// Package replicator turns replicator requests into engine sessions and
// tracks them for later status and stop requests.
//
// # Overview
//
// The Manager owns request translation: it validates the request tree,
// resolves the database and collections it names, builds an
// engine.ReplicatorConfig and starts an engine replicator. Each started
// replicator becomes a Session in the Registry, keyed by a UUID that is
// returned to the caller.
//
//	request ──► Manager.Create ──► engine.NewReplicator
//	                 │                    │
//	                 ▼                    ▼
//	             Registry ◄──────── Session (status, events)
//	                 ▲                    ▲
//	request ──► Manager.Status ───────────┘  (drains events)
//
// # Sessions
//
// A Session records the last status the engine reported and, when a
// document listener was requested, every document event since the previous
// status request. Reading status drains those events, so each event is
// reported once.
//
// Sessions are never removed. A stopped session still answers status
// requests, and stopping it again succeeds without effect.
//
// # Thread Safety
//
// Registry and Session are safe for concurrent use. Engine callbacks arrive
// on engine goroutines and are serialized with request handlers by the
// session's mutex. No lock is held while calling into the engine.
package replicator
