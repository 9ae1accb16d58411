package catalog_test

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elliott-wen/database-minisql/internal/catalog"
	"github.com/elliott-wen/database-minisql/internal/record"
	"github.com/elliott-wen/database-minisql/internal/storage"
)

func openManager(t *testing.T, path string) *storage.Manager {
	t.Helper()
	mgr, err := storage.Open(path)
	require.NoError(t, err)
	return mgr
}

func newDatabase(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	require.NoError(t, storage.New(path))
	return path
}

var peopleColumns = []record.Column{
	{Name: "id", Type: record.ColumnTypeInt, NotNull: true},
	{Name: "name", Type: record.ColumnTypeVarChar, Length: 32},
	{Name: "balance", Type: record.ColumnTypeDecimal, Precision: 12, Scale: 2},
}

func TestCatalogCreateAndList(t *testing.T) {
	mgr := openManager(t, newDatabase(t))
	defer mgr.Close()
	cat, err := catalog.Load(mgr)
	require.NoError(t, err)
	assert.Empty(t, cat.ListTables())

	table, err := cat.CreateTable("people", peopleColumns, 1)
	require.NoError(t, err)
	assert.Equal(t, storage.PageID(1), table.FirstPage)
	assert.Equal(t, storage.PageID(1), table.LastPage)
	_, err = cat.CreateTable("accounts", peopleColumns[:1], 2)
	require.NoError(t, err)

	tables := cat.ListTables()
	require.Len(t, tables, 2)
	assert.Equal(t, "accounts", tables[0].Name)
	assert.Equal(t, "people", tables[1].Name)

	got, ok := cat.GetTable("PEOPLE")
	require.True(t, ok)
	assert.Equal(t, peopleColumns, got.Columns)
	schema, err := got.Schema()
	require.NoError(t, err)
	assert.Equal(t, 3, schema.Len())

	// returned metadata is a copy
	got.Columns[0].Name = "changed"
	again, _ := cat.GetTable("people")
	assert.Equal(t, "id", again.Columns[0].Name)
}

func TestCatalogRejectsInvalidTables(t *testing.T) {
	mgr := openManager(t, newDatabase(t))
	defer mgr.Close()
	cat, err := catalog.Load(mgr)
	require.NoError(t, err)
	_, err = cat.CreateTable("people", peopleColumns, 1)
	require.NoError(t, err)

	for name, test := range map[string]struct {
		table   string
		columns []record.Column
		first   storage.PageID
	}{
		"Duplicate":       {table: "People", columns: peopleColumns, first: 2},
		"EmptyName":       {table: " ", columns: peopleColumns, first: 2},
		"NoColumns":       {table: "empty", first: 2},
		"BadColumn":       {table: "bad", columns: []record.Column{{Name: "v", Type: record.ColumnTypeVarChar}}, first: 2},
		"NoFirstPage":     {table: "nopage", columns: peopleColumns},
		"DuplicateColumn": {table: "dup", columns: []record.Column{peopleColumns[0], peopleColumns[0]}, first: 2},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := cat.CreateTable(test.table, test.columns, test.first)
			assert.Error(t, err)
		})
	}
	assert.Len(t, cat.ListTables(), 1)
}

func TestCatalogPersistsAcrossReopen(t *testing.T) {
	path := newDatabase(t)
	mgr := openManager(t, path)
	cat, err := catalog.Load(mgr)
	require.NoError(t, err)
	_, err = cat.CreateTable("people", peopleColumns, 1)
	require.NoError(t, err)
	_, err = cat.CreateTable("gone", peopleColumns, 3)
	require.NoError(t, err)
	require.NoError(t, cat.SetExtent("people", 5))
	require.NoError(t, cat.DropTable("gone"))
	require.NoError(t, mgr.Close())

	mgr = openManager(t, path)
	defer mgr.Close()
	cat, err = catalog.Load(mgr)
	require.NoError(t, err)
	tables := cat.ListTables()
	require.Len(t, tables, 1)
	assert.Equal(t, &catalog.Table{
		Name:      "people",
		Columns:   peopleColumns,
		FirstPage: 1,
		LastPage:  5,
	}, tables[0])
}

func TestCatalogMissingTables(t *testing.T) {
	mgr := openManager(t, newDatabase(t))
	defer mgr.Close()
	cat, err := catalog.Load(mgr)
	require.NoError(t, err)

	assert.Error(t, cat.DropTable("nope"))
	assert.Error(t, cat.SetExtent("nope", 2))
	_, ok := cat.GetTable("nope")
	assert.False(t, ok)
}

type failingStore struct {
	fail bool
	data []byte
}

func (s *failingStore) CatalogData() ([]byte, error) { return s.data, nil }

func (s *failingStore) UpdateCatalog(payload []byte) error {
	if s.fail {
		return errors.New("disk full")
	}
	s.data = append([]byte(nil), payload...)
	return nil
}

func TestCatalogKeepsStateWhenPersistFails(t *testing.T) {
	store := &failingStore{}
	cat, err := catalog.Load(store)
	require.NoError(t, err)
	_, err = cat.CreateTable("people", peopleColumns, 1)
	require.NoError(t, err)

	store.fail = true
	_, err = cat.CreateTable("other", peopleColumns, 2)
	assert.Error(t, err)
	assert.Error(t, cat.SetExtent("people", 9))
	assert.Error(t, cat.DropTable("people"))

	tables := cat.ListTables()
	require.Len(t, tables, 1)
	assert.Equal(t, storage.PageID(1), tables[0].LastPage)

	_, err = catalog.Load(&failingStore{data: []byte{99}})
	assert.Error(t, err)
}
