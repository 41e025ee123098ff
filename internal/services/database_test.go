package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/testserver/internal/apierr"
	"github.com/dreamware/testserver/internal/engine"
	"github.com/dreamware/testserver/internal/engine/memengine"
)

const catalogYAML = `
store.cloths:
  doc1:
    name: Cool Sport Tech Fleece Shirt
  doc2:
    name: Hat
coll1:
  a:
    channels: [A]
`

func newServiceWithCatalog(t *testing.T) *DatabaseService {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "catalog.yaml"), []byte(catalogYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.yaml"), []byte("::: not yaml"), 0o644))
	return NewDatabaseService(dir, memengine.New())
}

func memDB(t *testing.T, db engine.Database) *memengine.Database {
	t.Helper()
	m, ok := db.(*memengine.Database)
	require.True(t, ok, "databases come from the opener")
	return m
}

func TestResetLoadsDataset(t *testing.T) {
	svc := newServiceWithCatalog(t)
	tc := &TestContext{ClientID: "c1"}

	require.NoError(t, svc.Reset(tc, map[string][]string{"catalog": {"db1", "db2"}}))

	for _, name := range []string{"db1", "db2"} {
		open, err := svc.GetOpenDB(tc, name)
		require.NoError(t, err)
		db := memDB(t, open)

		cloths := db.Get("store.cloths")
		require.NotNil(t, cloths)
		assert.Equal(t, []string{"doc1", "doc2"}, cloths.Store().List())

		coll1 := db.Get("coll1")
		require.NotNil(t, coll1, "bare names load into the default scope")
		assert.Equal(t, "_default.coll1", coll1.FullName())
	}

	db1, _ := svc.GetOpenDB(tc, "db1")
	db2, _ := svc.GetOpenDB(tc, "db2")
	assert.NotSame(t, db1, db2, "each database name gets its own copy")
}

func TestResetErrors(t *testing.T) {
	tests := []struct {
		name       string
		datasets   map[string][]string
		wantClient bool
	}{
		{name: "unknown dataset", datasets: map[string][]string{"nope": {"db1"}}, wantClient: true},
		{name: "path in dataset name", datasets: map[string][]string{"../catalog": {"db1"}}, wantClient: true},
		{name: "empty db name", datasets: map[string][]string{"catalog": {""}}, wantClient: true},
		{name: "duplicate db", datasets: map[string][]string{"catalog": {"db1"}, "": {"db1"}}, wantClient: true},
		{name: "malformed dataset", datasets: map[string][]string{"broken": {"db1"}}, wantClient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newServiceWithCatalog(t)
			err := svc.Reset(&TestContext{ClientID: "c1"}, tt.datasets)
			require.Error(t, err)
			assert.Equal(t, tt.wantClient, apierr.IsClient(err))
		})
	}
}

func TestResetReplacesAndIsolatesClients(t *testing.T) {
	svc := newServiceWithCatalog(t)
	c1 := &TestContext{ClientID: "c1"}
	c2 := &TestContext{ClientID: "c2"}

	require.NoError(t, svc.Reset(c1, map[string][]string{"": {"db1"}}))

	_, err := svc.GetOpenDB(c2, "db1")
	assert.True(t, apierr.IsClient(err), "other clients do not see c1's databases")

	require.NoError(t, svc.Reset(c1, nil))
	_, err = svc.GetOpenDB(c1, "db1")
	assert.True(t, apierr.IsClient(err), "reset closes previously open databases")
}

func TestGetCollections(t *testing.T) {
	svc := newServiceWithCatalog(t)
	tc := &TestContext{ClientID: "c1"}
	require.NoError(t, svc.Reset(tc, map[string][]string{"catalog": {"db1"}}))
	db, err := svc.GetOpenDB(tc, "db1")
	require.NoError(t, err)

	cols, err := svc.GetCollections(db, []string{"store.cloths", "coll1"})
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "store.cloths", cols[0].FullName())
	assert.Equal(t, "_default.coll1", cols[1].FullName())

	for _, bad := range []string{"store.missing", "", ".x", "a.b.c"} {
		_, err := svc.GetCollections(db, []string{bad})
		assert.True(t, apierr.IsClient(err), "name %q", bad)
	}
}

func TestOpenDataset(t *testing.T) {
	svc := newServiceWithCatalog(t)

	db, err := svc.OpenDataset("catalog", "remote")
	require.NoError(t, err)
	assert.Equal(t, "remote", db.Name())
	assert.Equal(t, []string{"a"}, memDB(t, db).Get("coll1").Store().List())

	_, err = svc.GetOpenDB(&TestContext{ClientID: "c1"}, "remote")
	assert.True(t, apierr.IsClient(err), "opened datasets belong to no client")

	_, err = svc.OpenDataset("nope", "remote")
	assert.True(t, apierr.IsClient(err))
}

type fakeDatabase struct {
	name        string
	collections []string
	docs        map[string]map[string]any
}

func (f *fakeDatabase) Name() string { return f.name }

func (f *fakeDatabase) Collection(scope, name string) (engine.Collection, error) {
	return nil, apierr.Clientf("no collection %s.%s", scope, name)
}

func (f *fakeDatabase) Collections() []engine.Collection { return nil }

func (f *fakeDatabase) AddCollection(scope, name string) {
	f.collections = append(f.collections, scope+"."+name)
}

func (f *fakeDatabase) PutDocument(scope, collection, id string, body map[string]any) error {
	f.docs[scope+"."+collection+"."+id] = body
	return nil
}

type fakeOpener struct {
	opened []*fakeDatabase
}

func (o *fakeOpener) OpenDatabase(name string) engine.LoadableDatabase {
	db := &fakeDatabase{name: name, docs: make(map[string]map[string]any)}
	o.opened = append(o.opened, db)
	return db
}

func TestResetLoadsThroughOpener(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "catalog.yaml"), []byte(catalogYAML), 0o644))
	opener := &fakeOpener{}
	svc := NewDatabaseService(dir, opener)
	tc := &TestContext{ClientID: "c1"}

	require.NoError(t, svc.Reset(tc, map[string][]string{"catalog": {"db1"}}))
	require.Len(t, opener.opened, 1)

	db := opener.opened[0]
	assert.ElementsMatch(t, []string{"store.cloths", "_default.coll1"}, db.collections)
	assert.Len(t, db.docs, 3)
	assert.Equal(t, "Hat", db.docs["store.cloths.doc2"]["name"])

	open, err := svc.GetOpenDB(tc, "db1")
	require.NoError(t, err)
	assert.Same(t, db, open)
}
