package api_test

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elliott-wen/database-minisql/internal/api"
	"github.com/elliott-wen/database-minisql/internal/record"
	"github.com/elliott-wen/database-minisql/internal/storage"
)

var peopleColumns = []record.Column{
	{Name: "id", Type: record.ColumnTypeInt, NotNull: true},
	{Name: "name", Type: record.ColumnTypeVarChar, Length: 2000},
}

func person(id int, name string) []interface{} {
	return []interface{}{int32(id), name}
}

func newDatabase(t *testing.T, opts api.Options) (*api.Database, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "demo.db")
	require.NoError(t, api.Create(path))
	db, err := api.Open(path, opts)
	require.NoError(t, err)
	return db, path
}

func scanIDs(t *testing.T, db *api.Database, table string) []int32 {
	t.Helper()
	ids := []int32{}
	require.NoError(t, db.Scan(nil, table, func(row record.Row) error {
		ids = append(ids, row.Value(0).(int32))
		return nil
	}))
	return ids
}

func TestEndToEndWorkflow(t *testing.T) {
	db, _ := newDatabase(t, api.Options{})
	defer db.Close()

	_, err := db.CreateTable("people", peopleColumns)
	require.NoError(t, err)
	var rids []storage.RowID
	for i, name := range []string{"Ada", "Grace", "Edsger"} {
		rid, err := db.Insert(nil, "people", person(i+1, name))
		require.NoError(t, err)
		rids = append(rids, rid)
	}

	var names []string
	require.NoError(t, db.Scan(nil, "PEOPLE", func(row record.Row) error {
		names = append(names, row.Value(1).(string))
		return nil
	}))
	assert.Equal(t, []string{"Ada", "Grace", "Edsger"}, names)

	require.NoError(t, db.Delete(nil, "people", rids[1]))
	assert.Equal(t, []int32{1, 3}, scanIDs(t, db, "people"))

	stats := db.Stats()
	assert.Equal(t, 1, stats.Tables)
	assert.Zero(t, stats.ActiveTxns)
	assert.Zero(t, stats.Pool.Pinned)
	assert.NotZero(t, stats.WALBytes)

	require.NoError(t, db.Checkpoint())
	assert.Zero(t, db.Stats().WALBytes)
}

func TestCreateTableValidation(t *testing.T) {
	db, _ := newDatabase(t, api.Options{})
	defer db.Close()

	_, err := db.CreateTable("people", peopleColumns)
	require.NoError(t, err)
	_, err = db.CreateTable("People", peopleColumns)
	assert.Error(t, err)
	_, err = db.CreateTable("broken", nil)
	assert.Error(t, err)
	_, err = db.Table("missing")
	assert.Error(t, err)
	_, err = db.Insert(nil, "missing", person(1, "x"))
	assert.Error(t, err)

	tables, err := db.Tables()
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "people", tables[0].Name)
}

func TestDataPersistsAcrossReopen(t *testing.T) {
	db, path := newDatabase(t, api.Options{PoolSize: 8})
	_, err := db.CreateTable("people", peopleColumns)
	require.NoError(t, err)
	// two rows per page, enough pages to cycle the pool
	pad := strings.Repeat("p", 1500)
	for i := 1; i <= 40; i++ {
		_, err := db.Insert(nil, "people", person(i, pad))
		require.NoError(t, err)
	}
	heap, err := db.Table("people")
	require.NoError(t, err)
	last := heap.LastPageID()
	require.NoError(t, db.Close())
	assert.Equal(t, api.ErrClosed, errors.Cause(db.Checkpoint()))

	reopened, err := api.Open(path, api.Options{PoolSize: 8})
	require.NoError(t, err)
	defer reopened.Close()

	tables, err := reopened.Tables()
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, last, tables[0].LastPage)

	ids := scanIDs(t, reopened, "people")
	require.Len(t, ids, 40)
	for i, id := range ids {
		assert.Equal(t, int32(i+1), id)
	}
	assert.Zero(t, reopened.Stats().Pool.Pinned)
}

func TestTransactions(t *testing.T) {
	db, _ := newDatabase(t, api.Options{})
	defer db.Close()
	_, err := db.CreateTable("people", peopleColumns)
	require.NoError(t, err)
	kept, err := db.Insert(nil, "people", person(1, "Ada"))
	require.NoError(t, err)

	t.Run("RollbackInsert", func(t *testing.T) {
		tx := db.Begin()
		_, err := db.Insert(tx, "people", person(2, "Grace"))
		require.NoError(t, err)
		assert.Equal(t, 1, db.Stats().ActiveTxns)
		assert.Equal(t, api.ErrActiveTransactions, errors.Cause(db.Checkpoint()))
		require.NoError(t, db.Rollback(tx))
		assert.Equal(t, []int32{1}, scanIDs(t, db, "people"))
	})
	t.Run("RollbackDelete", func(t *testing.T) {
		tx := db.Begin()
		require.NoError(t, db.Delete(tx, "people", kept))
		require.NoError(t, db.Rollback(tx))
		assert.Equal(t, []int32{1}, scanIDs(t, db, "people"))
	})
	t.Run("Commit", func(t *testing.T) {
		tx := db.Begin()
		_, err := db.Insert(tx, "people", person(3, "Barbara"))
		require.NoError(t, err)
		require.NoError(t, db.Delete(tx, "people", kept))
		require.NoError(t, db.Commit(tx))
		assert.Equal(t, []int32{3}, scanIDs(t, db, "people"))
		assert.Error(t, db.Commit(tx))
	})
	assert.Zero(t, db.Stats().ActiveTxns)
	assert.Zero(t, db.Stats().Pool.Pinned)
}

func TestScanStopsOnCallbackError(t *testing.T) {
	db, _ := newDatabase(t, api.Options{})
	defer db.Close()
	_, err := db.CreateTable("people", peopleColumns)
	require.NoError(t, err)
	for i := 1; i <= 5; i++ {
		_, err := db.Insert(nil, "people", person(i, "x"))
		require.NoError(t, err)
	}

	stop := errors.New("stop")
	var seen int
	err = db.Scan(nil, "people", func(row record.Row) error {
		seen++
		if seen == 2 {
			return stop
		}
		return nil
	})
	assert.Equal(t, stop, err)
	assert.Equal(t, 2, seen)
	assert.Zero(t, db.Stats().Pool.Pinned)
}

func TestDropTableReusesPages(t *testing.T) {
	db, path := newDatabase(t, api.Options{})
	heap, err := db.CreateTable("people", peopleColumns)
	require.NoError(t, err)
	first := heap.FirstPageID()
	_, err = db.Insert(nil, "people", person(1, "Ada"))
	require.NoError(t, err)

	tx := db.Begin()
	assert.Equal(t, api.ErrActiveTransactions, errors.Cause(db.DropTable("people")))
	require.NoError(t, db.Rollback(tx))

	require.NoError(t, db.DropTable("people"))
	_, err = db.Table("people")
	assert.Error(t, err)
	assert.Error(t, db.DropTable("people"))

	again, err := db.CreateTable("accounts", peopleColumns)
	require.NoError(t, err)
	assert.Equal(t, first, again.FirstPageID())
	assert.Empty(t, scanIDs(t, db, "accounts"))
	require.NoError(t, db.Close())

	reopened, err := api.Open(path, api.Options{})
	require.NoError(t, err)
	defer reopened.Close()
	tables, err := reopened.Tables()
	require.NoError(t, err)
	require.Len(t, tables, 1)
	assert.Equal(t, "accounts", tables[0].Name)
	assert.Empty(t, scanIDs(t, reopened, "accounts"))
}

func TestClosedDatabase(t *testing.T) {
	db, _ := newDatabase(t, api.Options{DisableWAL: true})
	require.NoError(t, db.Close())
	require.NoError(t, db.Close())

	_, err := db.CreateTable("people", peopleColumns)
	assert.Equal(t, api.ErrClosed, errors.Cause(err))
	_, err = db.Tables()
	assert.Equal(t, api.ErrClosed, errors.Cause(err))
	assert.Equal(t, api.ErrClosed, errors.Cause(db.Scan(nil, "people", func(record.Row) error { return nil })))
}
