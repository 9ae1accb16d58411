package txn

import (
	"sync"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"

	"github.com/elliott-wen/database-minisql/internal/wal"
)

// ErrNotActive indicates the provided transaction identifier is not currently active.
var ErrNotActive = errors.New("txn: transaction not active")

// Manager coordinates transaction lifecycles.
type Manager struct {
	mu      sync.Mutex
	nextID  ID
	active  map[ID]*Transaction
	lockMgr *LockManager
	wal     *wal.Manager
}

// NewManager constructs a Manager using the provided lock manager. log may be
// nil, in which case commit and abort are not logged.
func NewManager(lockMgr *LockManager, log *wal.Manager) *Manager {
	return &Manager{
		nextID:  1,
		active:  make(map[ID]*Transaction),
		lockMgr: lockMgr,
		wal:     log,
	}
}

// Locks returns the lock manager shared by the transactions.
func (m *Manager) Locks() *LockManager {
	return m.lockMgr
}

// Begin starts a new transaction and returns it.
func (m *Manager) Begin() *Transaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	tx := newTransaction(id)
	m.active[id] = tx
	return tx
}

// Active returns the number of running transactions.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// Commit runs the transaction's commit hooks, logs the commit and releases
// every lock it holds. A hook failure is reported but does not keep the
// transaction open.
func (m *Manager) Commit(id ID) error {
	tx, err := m.remove(id)
	if err != nil {
		return err
	}
	commit, _ := tx.takeHooks()
	catcher := grip.NewBasicCatcher()
	catcher.Add(runCommit(commit))
	catcher.Add(m.appendTxnRecord(tx, wal.RecordCommit))
	tx.setState(StateCommitted)
	m.release(tx)
	return catcher.Resolve()
}

// Rollback runs the undo hooks in reverse order, logs the abort and releases
// the transaction's locks.
func (m *Manager) Rollback(id ID) error {
	tx, err := m.remove(id)
	if err != nil {
		return err
	}
	_, rollback := tx.takeHooks()
	rollbackErr := runRollback(rollback)
	if rollbackErr != nil {
		grip.Error(message.WrapError(rollbackErr, message.Fields{
			"message": "rolling back transaction",
			"txn":     id,
			"hooks":   len(rollback),
		}))
	}
	logErr := m.appendTxnRecord(tx, wal.RecordAbort)
	tx.setState(StateRolledBack)
	m.release(tx)
	if rollbackErr != nil {
		return rollbackErr
	}
	return logErr
}

// Lookup returns the active transaction for the given identifier.
func (m *Manager) Lookup(id ID) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.active[id]
	return tx, ok
}

func (m *Manager) remove(id ID) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tx, ok := m.active[id]
	if !ok {
		return nil, errors.WithStack(ErrNotActive)
	}
	delete(m.active, id)
	return tx, nil
}

func (m *Manager) release(tx *Transaction) {
	if m.lockMgr != nil {
		m.lockMgr.ReleaseAll(tx.ID())
	}
	tx.clearLocks()
}

func (m *Manager) appendTxnRecord(tx *Transaction, typ wal.RecordType) error {
	if m.wal == nil {
		return nil
	}
	lsn, err := m.wal.Append(uint64(tx.ID()), tx.LastLSN(), typ, 0, nil)
	if err != nil {
		return errors.Wrapf(err, "logging %s of txn %d", typ, tx.ID())
	}
	tx.SetLastLSN(lsn)
	return errors.Wrap(m.wal.Sync(), "syncing log")
}
