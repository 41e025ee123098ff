// Package services resolves the names a request carries into live engine
// objects. Each harness client gets its own database namespace, selected by
// the TestContext passed to every operation.
package services

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/dreamware/testserver/internal/apierr"
	"github.com/dreamware/testserver/internal/engine"
)

// TestContext identifies the caller of an operation.
type TestContext struct {
	ClientID string
}

// Dataset is the content loaded into a database on reset: collection full
// name, then document id, then body.
type Dataset map[string]map[string]map[string]any

// DatabaseOpener creates the empty databases a DatabaseService loads
// datasets into.
type DatabaseOpener interface {
	OpenDatabase(name string) engine.LoadableDatabase
}

// DatabaseService owns the databases opened for each client.
type DatabaseService struct {
	opener     DatabaseOpener
	open       map[string]map[string]engine.Database // client -> name -> db
	datasetDir string
	mu         sync.RWMutex
}

// NewDatabaseService returns a service that loads datasets from datasetDir
// into databases created by opener.
func NewDatabaseService(datasetDir string, opener DatabaseOpener) *DatabaseService {
	return &DatabaseService{
		opener:     opener,
		open:       make(map[string]map[string]engine.Database),
		datasetDir: datasetDir,
	}
}

// Reset closes every database the client has open, then opens a fresh
// database for each requested name, loaded with its dataset. The empty
// dataset name loads nothing.
func (s *DatabaseService) Reset(tc *TestContext, datasets map[string][]string) error {
	dbs := make(map[string]engine.Database)
	for name, dbNames := range datasets {
		ds, err := s.loadDataset(name)
		if err != nil {
			return err
		}
		for _, dbName := range dbNames {
			if dbName == "" {
				return apierr.Clientf("Dataset %q specifies an empty database name", name)
			}
			if _, dup := dbs[dbName]; dup {
				return apierr.Clientf("Database %q is requested more than once", dbName)
			}
			db, err := s.build(ds, dbName)
			if err != nil {
				return err
			}
			dbs[dbName] = db
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.open[tc.ClientID] = dbs
	log.Printf("services: reset client %q: %d databases open", tc.ClientID, len(dbs))
	return nil
}

// OpenDataset returns a new database named dbName loaded with the dataset.
// It is not registered to any client.
func (s *DatabaseService) OpenDataset(dataset, dbName string) (engine.LoadableDatabase, error) {
	ds, err := s.loadDataset(dataset)
	if err != nil {
		return nil, err
	}
	return s.build(ds, dbName)
}

// GetOpenDB returns the client's open database with the given name.
func (s *DatabaseService) GetOpenDB(tc *TestContext, name string) (engine.Database, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, ok := s.open[tc.ClientID][name]
	if !ok {
		return nil, apierr.Clientf("Database %q is not open", name)
	}
	return db, nil
}

// GetCollections resolves names in db. A name is "scope.collection" or a
// bare "collection" in the default scope.
func (s *DatabaseService) GetCollections(db engine.Database, names []string) ([]engine.Collection, error) {
	cols := make([]engine.Collection, 0, len(names))
	for _, name := range names {
		scope, coll, err := SplitCollectionName(name)
		if err != nil {
			return nil, err
		}
		c, err := db.Collection(scope, coll)
		if err != nil {
			return nil, apierr.ClientWrap(err, "Database %s has no collection %q", db.Name(), name)
		}
		cols = append(cols, c)
	}
	return cols, nil
}

// SplitCollectionName splits "scope.collection". A bare name is in the
// default scope.
func SplitCollectionName(name string) (scope, collection string, err error) {
	scope, collection, found := strings.Cut(name, ".")
	if !found {
		scope, collection = engine.DefaultScope, name
	}
	if scope == "" || collection == "" || strings.Contains(collection, ".") {
		return "", "", apierr.Clientf("Illegal collection name: %q", name)
	}
	return scope, collection, nil
}

func (s *DatabaseService) loadDataset(name string) (Dataset, error) {
	if name == "" {
		return Dataset{}, nil
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, apierr.Clientf("Illegal dataset name: %q", name)
	}

	path := filepath.Join(s.datasetDir, name+".yaml")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, apierr.Clientf("Unknown dataset: %q", name)
	}
	if err != nil {
		return nil, apierr.ServerWrap(err, "Failed reading dataset %q", name)
	}

	var ds Dataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, apierr.ServerWrap(err, "Dataset %q is malformed", name)
	}
	return ds, nil
}

func (s *DatabaseService) build(ds Dataset, dbName string) (engine.LoadableDatabase, error) {
	db := s.opener.OpenDatabase(dbName)
	for colName, docs := range ds {
		scope, coll, err := SplitCollectionName(colName)
		if err != nil {
			return nil, apierr.ServerWrap(err, "Dataset collection %q is malformed", colName)
		}
		db.AddCollection(scope, coll)
		for id, body := range docs {
			if err := db.PutDocument(scope, coll, id, body); err != nil {
				return nil, apierr.ServerWrap(err, "Failed loading %s.%s", colName, id)
			}
		}
	}
	return db, nil
}

func (tc *TestContext) String() string {
	return fmt.Sprintf("client %q", tc.ClientID)
}
