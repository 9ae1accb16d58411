package txn_test

import (
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elliott-wen/database-minisql/internal/txn"
	"github.com/elliott-wen/database-minisql/internal/wal"
)

func TestManagerLifecycle(t *testing.T) {
	mgr := txn.NewManager(txn.NewLockManager(0), nil)

	tx := mgr.Begin()
	assert.NotZero(t, tx.ID())
	assert.Equal(t, txn.StateActive, tx.State())
	assert.Equal(t, 1, mgr.Active())

	require.NoError(t, mgr.Commit(tx.ID()))
	assert.Equal(t, txn.StateCommitted, tx.State())
	assert.True(t, errors.Is(mgr.Commit(tx.ID()), txn.ErrNotActive))

	tx2 := mgr.Begin()
	assert.NotEqual(t, tx.ID(), tx2.ID())
	require.NoError(t, mgr.Rollback(tx2.ID()))
	assert.Equal(t, txn.StateRolledBack, tx2.State())
	assert.True(t, errors.Is(mgr.Rollback(tx2.ID()), txn.ErrNotActive))
	assert.Zero(t, mgr.Active())
	_, ok := mgr.Lookup(tx2.ID())
	assert.False(t, ok)
}

func TestManagerHooks(t *testing.T) {
	mgr := txn.NewManager(txn.NewLockManager(0), nil)

	t.Run("CommitRunsCommitHooksOnly", func(t *testing.T) {
		var calls []string
		tx := mgr.Begin()
		tx.RegisterCommit(func() error { calls = append(calls, "commit1"); return nil })
		tx.RegisterRollback(func() error { calls = append(calls, "undo"); return nil })
		tx.RegisterCommit(func() error { calls = append(calls, "commit2"); return nil })
		require.NoError(t, mgr.Commit(tx.ID()))
		assert.Equal(t, []string{"commit1", "commit2"}, calls)
	})
	t.Run("RollbackRunsInReverse", func(t *testing.T) {
		var calls []string
		tx := mgr.Begin()
		tx.RegisterRollback(func() error { calls = append(calls, "first"); return nil })
		tx.RegisterCommit(func() error { calls = append(calls, "commit"); return nil })
		tx.RegisterRollback(func() error { calls = append(calls, "second"); return nil })
		require.NoError(t, mgr.Rollback(tx.ID()))
		assert.Equal(t, []string{"second", "first"}, calls)
	})
	t.Run("RollbackContinuesPastFailures", func(t *testing.T) {
		ran := false
		tx := mgr.Begin()
		tx.RegisterRollback(func() error { ran = true; return nil })
		tx.RegisterRollback(func() error { return errors.New("undo failed") })
		err := mgr.Rollback(tx.ID())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "undo failed")
		assert.True(t, ran)
		assert.Equal(t, txn.StateRolledBack, tx.State())
	})
}

func TestManagerLogsOutcome(t *testing.T) {
	log, err := wal.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	defer log.Close()
	mgr := txn.NewManager(txn.NewLockManager(0), log)

	committed := mgr.Begin()
	aborted := mgr.Begin()
	require.NoError(t, mgr.Commit(committed.ID()))
	require.NoError(t, mgr.Rollback(aborted.ID()))

	records, err := log.Scan()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, wal.RecordCommit, records[0].Type)
	assert.Equal(t, uint64(committed.ID()), records[0].TxnID)
	assert.Equal(t, wal.RecordAbort, records[1].Type)
	assert.Equal(t, records[0].LSN, committed.LastLSN())
}
