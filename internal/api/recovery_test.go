package api

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/send"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elliott-wen/database-minisql/internal/record"
	"github.com/elliott-wen/database-minisql/internal/table"
	"github.com/elliott-wen/database-minisql/internal/wal"
)

var itemColumns = []record.Column{
	{Name: "id", Type: record.ColumnTypeInt, NotNull: true},
	{Name: "pad", Type: record.ColumnTypeVarChar, Length: 2000},
}

func item(id int) []interface{} {
	return []interface{}{int32(id), strings.Repeat("i", 1500)}
}

func openFresh(t *testing.T) (*Database, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "crash.db")
	require.NoError(t, Create(path))
	db, err := Open(path, Options{})
	require.NoError(t, err)
	return db, path
}

// crash closes the files without writing back the buffer pool.
func crash(t *testing.T, db *Database) {
	t.Helper()
	require.NoError(t, db.wal.Close())
	require.NoError(t, db.storage.Close())
}

func countRows(t *testing.T, db *Database, name string) []int32 {
	t.Helper()
	ids := []int32{}
	require.NoError(t, db.Scan(nil, name, func(row record.Row) error {
		ids = append(ids, row.Value(0).(int32))
		return nil
	}))
	return ids
}

func TestRecoveryRedoesCommittedWork(t *testing.T) {
	db, path := openFresh(t)
	_, err := db.CreateTable("items", itemColumns)
	require.NoError(t, err)
	_, err = db.Insert(nil, "items", item(1))
	require.NoError(t, err)

	committed := db.Begin()
	for i := 2; i <= 6; i++ {
		_, err := db.Insert(committed, "items", item(i))
		require.NoError(t, err)
	}
	require.NoError(t, db.Commit(committed))

	pending := db.Begin()
	_, err = db.Insert(pending, "items", item(7))
	require.NoError(t, err)
	crash(t, db)

	reopened, err := Open(path, Options{})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, []int32{1, 2, 3, 4, 5, 6}, countRows(t, reopened, "items"))
	assert.Zero(t, reopened.Stats().WALBytes)
}

func TestRecoveryDropsRolledBackWork(t *testing.T) {
	db, path := openFresh(t)
	_, err := db.CreateTable("items", itemColumns)
	require.NoError(t, err)
	kept, err := db.Insert(nil, "items", item(1))
	require.NoError(t, err)

	tx := db.Begin()
	_, err = db.Insert(tx, "items", item(2))
	require.NoError(t, err)
	require.NoError(t, db.Delete(tx, "items", kept))
	require.NoError(t, db.Rollback(tx))
	crash(t, db)

	reopened, err := Open(path, Options{})
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, []int32{1}, countRows(t, reopened, "items"))
}

func TestRecoveryRejectsInvalidImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.db")
	require.NoError(t, Create(path))
	log, err := wal.Open(path)
	require.NoError(t, err)
	_, err = log.Append(0, 0, wal.RecordInsert, 1, bytes.Repeat([]byte{0xAB}, 16))
	require.NoError(t, err)
	require.NoError(t, log.Sync())
	require.NoError(t, log.Close())

	_, err = Open(path, Options{})
	assert.Error(t, err)
}

func TestOpenCorrectsStaleLastPage(t *testing.T) {
	defer grip.SetSender(grip.GetSender())
	sender := send.NewMockSender("")
	grip.SetSender(sender)

	db, _ := openFresh(t)
	defer db.Close()
	heap, err := db.CreateTable("items", itemColumns)
	require.NoError(t, err)
	for i := 1; i <= 6; i++ {
		_, err := db.Insert(nil, "items", item(i))
		require.NoError(t, err)
	}
	tail := heap.LastPageID()
	require.NotEqual(t, heap.FirstPageID(), tail)

	// as if the process stopped between linking a page and recording it
	require.NoError(t, db.catalog.SetExtent("items", heap.FirstPageID()))
	delete(db.heaps, "items")

	reopened, err := db.Table("items")
	require.NoError(t, err)
	assert.Equal(t, tail, reopened.LastPageID())
	meta, ok := db.catalog.GetTable("items")
	require.True(t, ok)
	assert.Equal(t, tail, meta.LastPage)
	assert.Len(t, countRows(t, db, "items"), 6)

	var warned bool
	for _, msg := range sender.Messages {
		warned = warned || strings.Contains(msg.String(), "extends past recorded last page")
	}
	assert.True(t, warned)
}

func TestScanReportsChainThatMissesLastPage(t *testing.T) {
	defer grip.SetSender(grip.GetSender())
	grip.SetSender(send.NewMockSender(""))

	db, _ := openFresh(t)
	defer db.Close()
	_, err := db.CreateTable("items", itemColumns)
	require.NoError(t, err)
	_, err = db.Insert(nil, "items", item(1))
	require.NoError(t, err)
	other, err := db.CreateTable("other", itemColumns)
	require.NoError(t, err)

	require.NoError(t, db.catalog.SetExtent("items", other.FirstPageID()))
	delete(db.heaps, "items")

	var seen int
	err = db.Scan(nil, "items", func(record.Row) error {
		seen++
		return nil
	})
	require.Error(t, err)
	assert.True(t, table.IsStorageInconsistency(err))
	assert.Equal(t, 1, seen)
	assert.Zero(t, db.Stats().Pool.Pinned)
	assert.Equal(t, other.FirstPageID(), mustTable(t, db, "items").LastPageID())
}

func mustTable(t *testing.T, db *Database, name string) *table.TableHeap {
	t.Helper()
	heap, err := db.Table(name)
	require.NoError(t, err)
	return heap
}
