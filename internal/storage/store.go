package storage

import (
	"errors"
	"sort"
	"sync"
)

// ErrNotFound is returned when a document doesn't exist or is deleted
var ErrNotFound = errors.New("document not found")

// Store defines the interface for document storage
// All implementations must be thread-safe for concurrent access
type Store interface {
	// Get retrieves a live document by id
	// Returns ErrNotFound if the document doesn't exist or was deleted
	Get(id string) (*Document, error)

	// Put stores a document body under id
	// Overwrites any existing revision and assigns a new sequence
	Put(id string, body map[string]any) (uint64, error)

	// Delete replaces the document with a tombstone
	// Returns ErrNotFound if there is no live document
	Delete(id string) (uint64, error)

	// Since returns the latest revision of every document changed after seq,
	// ordered by sequence
	Since(seq uint64) []*Document

	// List returns the ids of all live documents, sorted
	List() []string

	// Stats returns storage statistics
	Stats() StoreStats
}

// Document is one revision of a document
type Document struct {
	Body    map[string]any // Document properties, nil for tombstones
	ID      string         // Document id, unique within the store
	Seq     uint64         // Sequence assigned when this revision was written
	Deleted bool           // Whether this revision is a tombstone
}

// StoreStats contains statistics about the store
type StoreStats struct {
	Live       int    // Number of live documents
	Tombstones int    // Number of deleted documents
	LastSeq    uint64 // Highest sequence assigned
}

// MemoryStore implements Store interface with in-memory storage
// Uses sync.RWMutex for thread-safe concurrent access
type MemoryStore struct {
	docs map[string]*Document // Latest revision per id
	mu   sync.RWMutex         // Protects concurrent access
	seq  uint64               // Last assigned sequence
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		docs: make(map[string]*Document),
	}
}

// Get retrieves a live document by id
// Returns a copy to prevent external modification
func (m *MemoryStore) Get(id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	doc, exists := m.docs[id]
	if !exists || doc.Deleted {
		return nil, ErrNotFound
	}
	return doc.clone(), nil
}

// Put stores a document body under id
// Makes a copy of the body to prevent external modification
func (m *MemoryStore) Put(id string, body map[string]any) (uint64, error) {
	if id == "" {
		return 0, errors.New("document id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	m.docs[id] = &Document{ID: id, Seq: m.seq, Body: copyBody(body)}
	return m.seq, nil
}

// Delete replaces the document with a tombstone
func (m *MemoryStore) Delete(id string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc, exists := m.docs[id]
	if !exists || doc.Deleted {
		return 0, ErrNotFound
	}
	m.seq++
	m.docs[id] = &Document{ID: id, Seq: m.seq, Deleted: true}
	return m.seq, nil
}

// Since returns the latest revision of every document changed after seq
// Tombstones are included so deletions replicate
func (m *MemoryStore) Since(seq uint64) []*Document {
	m.mu.RLock()
	defer m.mu.RUnlock()

	changes := make([]*Document, 0)
	for _, doc := range m.docs {
		if doc.Seq > seq {
			changes = append(changes, doc.clone())
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Seq < changes[j].Seq })
	return changes
}

// List returns the ids of all live documents
func (m *MemoryStore) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.docs))
	for id, doc := range m.docs {
		if !doc.Deleted {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Stats returns storage statistics
func (m *MemoryStore) Stats() StoreStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := StoreStats{LastSeq: m.seq}
	for _, doc := range m.docs {
		if doc.Deleted {
			stats.Tombstones++
		} else {
			stats.Live++
		}
	}
	return stats
}

func (d *Document) clone() *Document {
	return &Document{ID: d.ID, Seq: d.Seq, Deleted: d.Deleted, Body: copyBody(d.Body)}
}

// copyBody copies the top level of a body; nested values are shared and
// must be treated as read-only
func copyBody(body map[string]any) map[string]any {
	if body == nil {
		return nil
	}
	out := make(map[string]any, len(body))
	for k, v := range body {
		out[k] = v
	}
	return out
}
