package txn_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elliott-wen/database-minisql/internal/storage"
	"github.com/elliott-wen/database-minisql/internal/txn"
)

func TestLockManagerSharedCompatibility(t *testing.T) {
	locks := txn.NewLockManager(0)
	mgr := txn.NewManager(locks, nil)

	tx1 := mgr.Begin()
	tx2 := mgr.Begin()

	require.NoError(t, locks.Acquire(tx1, txn.TableResource("orders"), txn.LockModeShared))
	require.NoError(t, locks.Acquire(tx2, txn.TableResource("ORDERS"), txn.LockModeShared))

	mode, ok := locks.Mode(tx2.ID(), txn.TableResource("orders"))
	assert.True(t, ok)
	assert.Equal(t, txn.LockModeShared, mode)

	require.NoError(t, mgr.Commit(tx1.ID()))
	require.NoError(t, mgr.Commit(tx2.ID()))
	_, ok = locks.Mode(tx1.ID(), txn.TableResource("orders"))
	assert.False(t, ok)
}

func TestLockManagerExclusiveTimeout(t *testing.T) {
	locks := txn.NewLockManager(50 * time.Millisecond)
	mgr := txn.NewManager(locks, nil)

	tx1 := mgr.Begin()
	tx2 := mgr.Begin()
	row := txn.RowResource("orders", storage.RowID{Page: 1, Slot: 0})

	require.NoError(t, locks.Acquire(tx1, row, txn.LockModeExclusive))
	start := time.Now()
	err := locks.Acquire(tx2, row, txn.LockModeExclusive)
	require.Error(t, err)
	assert.IsType(t, &txn.LockTimeoutError{}, err)
	assert.True(t, time.Since(start) >= 50*time.Millisecond)

	// a different row of the same table is free
	require.NoError(t, locks.Acquire(tx2, txn.RowResource("orders", storage.RowID{Page: 1, Slot: 1}), txn.LockModeExclusive))

	require.NoError(t, mgr.Commit(tx1.ID()))
	require.NoError(t, locks.Acquire(tx2, row, txn.LockModeExclusive))
	require.NoError(t, mgr.Rollback(tx2.ID()))
}

func TestLockManagerUpgrade(t *testing.T) {
	locks := txn.NewLockManager(30 * time.Millisecond)
	mgr := txn.NewManager(locks, nil)
	res := txn.TableResource("t")

	tx1 := mgr.Begin()
	require.NoError(t, locks.Acquire(tx1, res, txn.LockModeShared))
	require.NoError(t, locks.Acquire(tx1, res, txn.LockModeExclusive))
	mode, _ := locks.Mode(tx1.ID(), res)
	assert.Equal(t, txn.LockModeExclusive, mode)
	require.Len(t, tx1.Locks(), 1)
	assert.Equal(t, txn.LockModeExclusive, tx1.Locks()[0].Mode)

	tx2 := mgr.Begin()
	assert.Error(t, locks.Acquire(tx2, res, txn.LockModeShared))
	require.NoError(t, mgr.Commit(tx1.ID()))
	assert.Nil(t, tx1.Locks())

	require.NoError(t, locks.Acquire(tx2, res, txn.LockModeShared))
	tx3 := mgr.Begin()
	require.NoError(t, locks.Acquire(tx3, res, txn.LockModeShared))
	// upgrade is refused while another reader holds the lock
	assert.Error(t, locks.Acquire(tx2, res, txn.LockModeExclusive))
}

func TestAcquireRequiresTransaction(t *testing.T) {
	locks := txn.NewLockManager(0)
	assert.Equal(t, txn.ErrTxnRequired, locks.Acquire(nil, txn.TableResource("t"), txn.LockModeShared))
}
