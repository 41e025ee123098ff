package memengine

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dreamware/testserver/internal/engine"
	"github.com/dreamware/testserver/internal/storage"
)

// Collection is a named document store inside a Database.
type Collection struct {
	store storage.Store
	scope string
	name  string
}

func (c *Collection) Scope() string    { return c.scope }
func (c *Collection) Name() string     { return c.name }
func (c *Collection) FullName() string { return c.scope + "." + c.name }

// Store returns the documents of the collection.
func (c *Collection) Store() storage.Store { return c.store }

// Database is an in-memory database of collections. It serves both as a
// local database opened by the test server and as a remote that replicators
// sync against.
type Database struct {
	collections map[string]*Collection // fullName -> collection
	checkpoints map[string]*checkpoint // endpoint -> checkpoint
	name        string
	mu          sync.RWMutex
}

// checkpoint records the last replicated sequence per collection.
type checkpoint struct {
	push map[string]uint64
	pull map[string]uint64
}

// NewDatabase creates a database containing the default collection.
func NewDatabase(name string) *Database {
	db := &Database{
		name:        name,
		collections: make(map[string]*Collection),
		checkpoints: make(map[string]*checkpoint),
	}
	db.CreateCollection(engine.DefaultScope, engine.DefaultScope)
	return db
}

func (d *Database) Name() string { return d.name }

// CreateCollection returns the named collection, creating it if needed.
func (d *Database) CreateCollection(scope, name string) *Collection {
	d.mu.Lock()
	defer d.mu.Unlock()

	key := scope + "." + name
	if c, ok := d.collections[key]; ok {
		return c
	}
	c := &Collection{scope: scope, name: name, store: storage.NewMemoryStore()}
	d.collections[key] = c
	return c
}

// AddCollection implements engine.LoadableDatabase.
func (d *Database) AddCollection(scope, name string) { d.CreateCollection(scope, name) }

// PutDocument implements engine.LoadableDatabase.
func (d *Database) PutDocument(scope, collection, id string, body map[string]any) error {
	_, err := d.CreateCollection(scope, collection).Store().Put(id, body)
	return err
}

// Collection implements engine.Database.
func (d *Database) Collection(scope, name string) (engine.Collection, error) {
	c := d.lookup(scope + "." + name)
	if c == nil {
		return nil, &engine.Failure{
			Domain:  engine.DomainCBL,
			Code:    errNotFound,
			Message: fmt.Sprintf("collection %s.%s does not exist in database %s", scope, name, d.name),
		}
	}
	return c, nil
}

// Collections implements engine.Database. The result is sorted by full name.
func (d *Database) Collections() []engine.Collection {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]engine.Collection, 0, len(d.collections))
	for _, c := range d.collections {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out
}

// Get returns the collection with the given "scope.name", or nil.
func (d *Database) Get(fullName string) *Collection {
	if !strings.Contains(fullName, ".") {
		fullName = engine.DefaultScope + "." + fullName
	}
	return d.lookup(fullName)
}

func (d *Database) lookup(fullName string) *Collection {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.collections[fullName]
}

// Stats sums the storage statistics of every collection. LastSeq is the
// highest sequence of any collection.
func (d *Database) Stats() storage.StoreStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var total storage.StoreStats
	for _, c := range d.collections {
		s := c.store.Stats()
		total.Live += s.Live
		total.Tombstones += s.Tombstones
		if s.LastSeq > total.LastSeq {
			total.LastSeq = s.LastSeq
		}
	}
	return total
}

func (d *Database) checkpointSeqs(endpoint, fullName string) (push, pull uint64) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	cp := d.checkpoints[endpoint]
	if cp == nil {
		return 0, 0
	}
	return cp.push[fullName], cp.pull[fullName]
}

func (d *Database) saveCheckpoint(endpoint, fullName string, isPush bool, seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	cp := d.checkpoints[endpoint]
	if cp == nil {
		cp = &checkpoint{push: make(map[string]uint64), pull: make(map[string]uint64)}
		d.checkpoints[endpoint] = cp
	}
	if isPush {
		if seq > cp.push[fullName] {
			cp.push[fullName] = seq
		}
		return
	}
	if seq > cp.pull[fullName] {
		cp.pull[fullName] = seq
	}
}
