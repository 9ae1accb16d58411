package txn

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/elliott-wen/database-minisql/internal/storage"
)

// LockMode represents the kind of lock requested on a resource.
type LockMode int

const (
	// LockModeShared allows concurrent readers.
	LockModeShared LockMode = iota
	// LockModeExclusive provides exclusive access to the resource.
	LockModeExclusive
)

func (m LockMode) String() string {
	if m == LockModeExclusive {
		return "X"
	}
	return "S"
}

// ResourceKind classifies a lockable resource.
type ResourceKind int

const (
	// ResourceTable identifies a table-level lock.
	ResourceTable ResourceKind = iota
	// ResourceRow identifies a single row lock.
	ResourceRow
)

// Resource describes a lockable object within the database.
type Resource struct {
	Kind  ResourceKind
	Table string
	Row   storage.RowID
}

func (r Resource) key() string {
	if r.Kind == ResourceRow {
		return fmt.Sprintf("row|%s|%d|%d", r.Table, r.Row.Page, r.Row.Slot)
	}
	return "table|" + r.Table
}

func (r Resource) String() string {
	if r.Kind == ResourceRow {
		return fmt.Sprintf("row %s%s", r.Table, r.Row)
	}
	return "table " + r.Table
}

// TableResource constructs a table-level lock resource.
func TableResource(name string) Resource {
	return Resource{Kind: ResourceTable, Table: strings.ToLower(name)}
}

// RowResource constructs a row-level lock resource.
func RowResource(table string, rid storage.RowID) Resource {
	return Resource{Kind: ResourceRow, Table: strings.ToLower(table), Row: rid}
}

// LockTimeoutError indicates a lock request timed out.
type LockTimeoutError struct {
	Resource Resource
	Mode     LockMode
}

func (e *LockTimeoutError) Error() string {
	return fmt.Sprintf("txn: timed out acquiring %s lock on %s", e.Mode, e.Resource)
}

// ErrTxnRequired indicates Acquire was invoked without a transaction context.
var ErrTxnRequired = errors.New("txn: lock requires active transaction")

const defaultLockTimeout = 2 * time.Second

type lockHolder struct {
	mode  LockMode
	count int
}

// LockManager grants shared and exclusive locks to transactions. Waiters poll
// with a bounded backoff until the lock is granted or their timeout expires;
// there is no deadlock detection beyond the timeout.
type LockManager struct {
	mu      sync.Mutex
	locks   map[string]map[ID]*lockHolder
	held    map[ID]map[string]struct{}
	timeout time.Duration
}

// NewLockManager creates a lock manager using the provided timeout. A
// non-positive timeout picks the default.
func NewLockManager(timeout time.Duration) *LockManager {
	if timeout <= 0 {
		timeout = defaultLockTimeout
	}
	return &LockManager{
		locks:   make(map[string]map[ID]*lockHolder),
		held:    make(map[ID]map[string]struct{}),
		timeout: timeout,
	}
}

// Acquire requests the lock for the transaction, blocking until it is
// granted or the timeout expires. Locks are re-entrant and a sole shared
// holder may upgrade to exclusive.
func (lm *LockManager) Acquire(tx *Transaction, res Resource, mode LockMode) error {
	if tx == nil {
		return ErrTxnRequired
	}
	key := res.key()
	deadline := time.Now().Add(lm.timeout)
	for {
		if lm.tryAcquire(tx.ID(), key, mode) {
			tx.recordLock(res, mode)
			return nil
		}
		if time.Now().After(deadline) {
			return &LockTimeoutError{Resource: res, Mode: mode}
		}
		time.Sleep(backoff(deadline))
	}
}

func (lm *LockManager) tryAcquire(id ID, key string, mode LockMode) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	holders, ok := lm.locks[key]
	if !ok {
		holders = make(map[ID]*lockHolder)
		lm.locks[key] = holders
	}
	if holder, ok := holders[id]; ok {
		if mode == LockModeExclusive && holder.mode == LockModeShared {
			if len(holders) > 1 {
				return false
			}
			holder.mode = LockModeExclusive
		}
		holder.count++
		return true
	}
	for _, other := range holders {
		if mode == LockModeExclusive || other.mode == LockModeExclusive {
			return false
		}
	}
	holders[id] = &lockHolder{mode: mode, count: 1}
	resources, ok := lm.held[id]
	if !ok {
		resources = make(map[string]struct{})
		lm.held[id] = resources
	}
	resources[key] = struct{}{}
	return true
}

// Mode reports the lock mode the transaction holds on the resource.
func (lm *LockManager) Mode(id ID, res Resource) (LockMode, bool) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	holder, ok := lm.locks[res.key()][id]
	if !ok {
		return LockModeShared, false
	}
	return holder.mode, true
}

func backoff(deadline time.Time) time.Duration {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0
	}
	slice := remaining / 10
	if slice < 5*time.Millisecond {
		return 5 * time.Millisecond
	}
	if slice > 50*time.Millisecond {
		return 50 * time.Millisecond
	}
	return slice
}

// ReleaseAll frees all locks held by the specified transaction.
func (lm *LockManager) ReleaseAll(id ID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for key := range lm.held[id] {
		holders := lm.locks[key]
		delete(holders, id)
		if len(holders) == 0 {
			delete(lm.locks, key)
		}
	}
	delete(lm.held, id)
}
