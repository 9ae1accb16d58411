package txn

import (
	"sync"
	"time"

	"github.com/mongodb/grip"
	"github.com/pkg/errors"
)

// ID uniquely identifies a transaction.
type ID uint64

// State represents the lifecycle state of a transaction.
type State int

const (
	// StateActive indicates the transaction is currently running.
	StateActive State = iota
	// StateCommitted indicates the transaction has been committed.
	StateCommitted
	// StateRolledBack indicates the transaction has been rolled back.
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled back"
	default:
		return "unknown"
	}
}

// HeldLock records a granted lock for inspection and diagnostics.
type HeldLock struct {
	Resource Resource
	Mode     LockMode
}

// Transaction is a unit of work against the database. Heap writers register
// hooks on it: commit hooks finish deferred work (applying delete marks),
// rollback hooks undo the changes in reverse order.
type Transaction struct {
	mu        sync.Mutex
	id        ID
	state     State
	startTime time.Time
	lastLSN   uint64
	locks     []HeldLock
	commit    []func() error
	rollback  []func() error
}

func newTransaction(id ID) *Transaction {
	return &Transaction{
		id:        id,
		state:     StateActive,
		startTime: time.Now(),
	}
}

// ID returns the identifier of the transaction.
func (tx *Transaction) ID() ID {
	return tx.id
}

// State returns the current lifecycle state of the transaction.
func (tx *Transaction) State() State {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.state
}

func (tx *Transaction) setState(state State) {
	tx.mu.Lock()
	tx.state = state
	tx.mu.Unlock()
}

// StartTime returns the timestamp when the transaction began.
func (tx *Transaction) StartTime() time.Time {
	return tx.startTime
}

// LastLSN returns the log sequence number of the transaction's latest record.
func (tx *Transaction) LastLSN() uint64 {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.lastLSN
}

// SetLastLSN records the log sequence number of the latest record written on
// behalf of the transaction.
func (tx *Transaction) SetLastLSN(lsn uint64) {
	tx.mu.Lock()
	tx.lastLSN = lsn
	tx.mu.Unlock()
}

func (tx *Transaction) recordLock(res Resource, mode LockMode) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	for i := range tx.locks {
		if tx.locks[i].Resource == res {
			if mode > tx.locks[i].Mode {
				tx.locks[i].Mode = mode
			}
			return
		}
	}
	tx.locks = append(tx.locks, HeldLock{Resource: res, Mode: mode})
}

func (tx *Transaction) clearLocks() {
	tx.mu.Lock()
	tx.locks = nil
	tx.mu.Unlock()
}

// Locks returns a snapshot of locks held by the transaction.
func (tx *Transaction) Locks() []HeldLock {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if len(tx.locks) == 0 {
		return nil
	}
	out := make([]HeldLock, len(tx.locks))
	copy(out, tx.locks)
	return out
}

// RegisterRollback registers an action to execute if the transaction rolls back.
func (tx *Transaction) RegisterRollback(action func() error) {
	if action == nil {
		return
	}
	tx.mu.Lock()
	tx.rollback = append(tx.rollback, action)
	tx.mu.Unlock()
}

// RegisterCommit registers an action to execute when the transaction commits.
func (tx *Transaction) RegisterCommit(action func() error) {
	if action == nil {
		return
	}
	tx.mu.Lock()
	tx.commit = append(tx.commit, action)
	tx.mu.Unlock()
}

// takeHooks detaches both hook lists so each runs at most once.
func (tx *Transaction) takeHooks() (commit, rollback []func() error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	commit, rollback = tx.commit, tx.rollback
	tx.commit, tx.rollback = nil, nil
	return commit, rollback
}

func runCommit(actions []func() error) error {
	catcher := grip.NewBasicCatcher()
	for _, action := range actions {
		catcher.Add(action())
	}
	return errors.Wrap(catcher.Resolve(), "txn: commit hooks failed")
}

// runRollback undoes in reverse registration order and keeps going past
// failures so every undo gets a chance to run.
func runRollback(actions []func() error) error {
	catcher := grip.NewBasicCatcher()
	for i := len(actions) - 1; i >= 0; i-- {
		catcher.Add(actions[i]())
	}
	return errors.Wrap(catcher.Resolve(), "txn: rollback encountered errors")
}
