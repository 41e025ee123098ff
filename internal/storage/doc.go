// Package storage provides the document store behind the in-process
// replication engine's databases.
//
// # Overview
//
// Each collection of a local or remote database is one Store. The store keeps
// only the latest revision of every document and stamps each mutation with a
// monotonically increasing sequence number, which is what replication
// checkpoints are expressed in:
//
//	┌─────────────────────────────────────┐
//	│           MemoryStore               │
//	├─────────────────────────────────────┤
//	│  docs: id → latest revision         │
//	│  seq:  last assigned sequence       │
//	├─────────────────────────────────────┤
//	│  Put("doc1")    → seq 1             │
//	│  Put("doc2")    → seq 2             │
//	│  Delete("doc1") → seq 3 (tombstone) │
//	│  Since(1)       → [doc2@2, doc1@3]  │
//	└─────────────────────────────────────┘
//
// # Tombstones
//
// Delete never removes an entry. It writes a tombstone revision so that a
// replicator reading Since(checkpoint) sees the deletion and can forward it
// with the deleted flag. Get and List hide tombstones.
//
// # Thread Safety
//
// MemoryStore guards its map with a sync.RWMutex. Bodies are copied on the
// way in and on the way out at the top level; nested values are shared and
// treated as read-only by every caller in this module.
//
// # Persistence
//
// There is none. Databases live for the lifetime of the process or until the
// harness resets them.
package storage
