// Package api is the public façade of the engine: it opens and recovers a
// database file, manages tables and transactions and exposes full-table
// scans built on the table iterator.
package api

import (
	"strings"
	"sync"
	"time"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"

	"github.com/elliott-wen/database-minisql/internal/buffer"
	"github.com/elliott-wen/database-minisql/internal/catalog"
	"github.com/elliott-wen/database-minisql/internal/record"
	"github.com/elliott-wen/database-minisql/internal/storage"
	"github.com/elliott-wen/database-minisql/internal/table"
	"github.com/elliott-wen/database-minisql/internal/txn"
	"github.com/elliott-wen/database-minisql/internal/wal"
)

const (
	defaultPoolSize    = 64
	defaultLockTimeout = 2 * time.Second
)

// Options tunes an opened database. Zero values pick the defaults.
type Options struct {
	// PoolSize is the number of buffer pool frames.
	PoolSize int
	// LockTimeout bounds how long a transaction waits for a table lock.
	LockTimeout time.Duration
	// DisableWAL turns off the write-ahead log and recovery.
	DisableWAL bool
}

func (o Options) withDefaults() Options {
	if o.PoolSize <= 0 {
		o.PoolSize = defaultPoolSize
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = defaultLockTimeout
	}
	return o
}

var (
	// ErrClosed is returned by operations on a closed database.
	ErrClosed = errors.New("api: database is closed")
	// ErrActiveTransactions is returned by operations that truncate the log
	// while a transaction may still need it.
	ErrActiveTransactions = errors.New("api: transactions are still running")
)

// Database provides a public façade over the engine.
type Database struct {
	mu      sync.Mutex
	opts    Options
	storage *storage.Manager
	pool    *buffer.Pool
	catalog *catalog.Catalog
	locks   *txn.LockManager
	txns    *txn.Manager
	wal     *wal.Manager
	heaps   map[string]*table.TableHeap
}

// Stats summarises the state of an open database.
type Stats struct {
	Pool       buffer.Stats
	Tables     int
	ActiveTxns int
	WALBytes   uint64
}

// Create initialises a new database file at the given path.
func Create(path string) error {
	return storage.New(path)
}

// Open loads an existing database, replaying the write-ahead log first.
func Open(path string, opts Options) (*Database, error) {
	opts = opts.withDefaults()
	mgr, err := storage.Open(path)
	if err != nil {
		return nil, err
	}
	var log *wal.Manager
	if !opts.DisableWAL {
		log, err = wal.Open(path)
		if err != nil {
			mgr.Close()
			return nil, err
		}
		if err := recoverDatabase(mgr, log); err != nil {
			log.Close()
			mgr.Close()
			return nil, errors.Wrap(err, "recovering database")
		}
	}
	cat, err := catalog.Load(mgr)
	if err != nil {
		log.Close()
		mgr.Close()
		return nil, err
	}
	locks := txn.NewLockManager(opts.LockTimeout)
	db := &Database{
		opts:    opts,
		storage: mgr,
		pool:    buffer.NewPool(mgr, opts.PoolSize),
		catalog: cat,
		locks:   locks,
		txns:    txn.NewManager(locks, log),
		wal:     log,
		heaps:   make(map[string]*table.TableHeap),
	}
	grip.Info(message.Fields{
		"message":   "opened database",
		"path":      path,
		"tables":    len(cat.ListTables()),
		"pool_size": opts.PoolSize,
		"wal":       log != nil,
	})
	return db, nil
}

// Close writes every dirty page back, truncates the log and releases the
// file handles. Changes of transactions still running are written as they
// stand.
func (db *Database) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.storage == nil {
		return nil
	}
	if active := db.txns.Active(); active > 0 {
		grip.Warning(message.Fields{
			"message": "closing database with running transactions",
			"active":  active,
		})
	}
	catcher := grip.NewBasicCatcher()
	catcher.Add(db.checkpointLocked())
	catcher.Add(db.wal.Close())
	catcher.Add(db.storage.Close())
	grip.Info(message.Fields{
		"message": "closed database",
		"path":    db.storage.Path(),
		"pool":    db.pool.Stats(),
	})
	db.storage = nil
	db.heaps = nil
	return catcher.Resolve()
}

// Checkpoint flushes every dirty page and discards the log records they
// made redundant.
func (db *Database) Checkpoint() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.storage == nil {
		return ErrClosed
	}
	if db.txns.Active() > 0 {
		return errors.WithStack(ErrActiveTransactions)
	}
	return db.checkpointLocked()
}

func (db *Database) checkpointLocked() error {
	if err := db.pool.FlushAll(); err != nil {
		return errors.Wrap(err, "flushing buffer pool")
	}
	if err := db.storage.Sync(); err != nil {
		return err
	}
	return db.wal.Reset()
}

// CreateTable allocates a heap for a new table and registers it.
func (db *Database) CreateTable(name string, columns []record.Column) (*table.TableHeap, error) {
	schema, err := record.NewSchema(columns...)
	if err != nil {
		return nil, err
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.storage == nil {
		return nil, ErrClosed
	}
	if _, exists := db.catalog.GetTable(name); exists {
		return nil, errors.Errorf("api: table %s already exists", name)
	}
	heap, err := table.CreateTableHeap(db.pool, schema, db.heapOptions(name))
	if err != nil {
		return nil, err
	}
	if _, err := db.catalog.CreateTable(name, columns, heap.FirstPageID()); err != nil {
		grip.Warning(message.WrapError(heap.Free(), message.Fields{
			"message": "releasing heap of table that failed to register",
			"table":   name,
		}))
		return nil, err
	}
	db.heaps[strings.ToLower(name)] = heap
	grip.Info(message.Fields{
		"message": "created table",
		"table":   name,
		"columns": len(columns),
		"page":    heap.FirstPageID(),
	})
	return heap, nil
}

// DropTable removes a table and returns its pages to the free list. The
// database is checkpointed first so no logged image of a freed page is
// replayed over the free list.
func (db *Database) DropTable(name string) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	heap, err := db.tableLocked(name)
	if err != nil {
		return err
	}
	if db.txns.Active() > 0 {
		return errors.Wrapf(ErrActiveTransactions, "dropping table %s", name)
	}
	if err := db.catalog.DropTable(name); err != nil {
		return err
	}
	delete(db.heaps, strings.ToLower(name))
	if err := db.checkpointLocked(); err != nil {
		return err
	}
	return heap.Free()
}

// Table returns the heap of the named table.
func (db *Database) Table(name string) (*table.TableHeap, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.tableLocked(name)
}

func (db *Database) tableLocked(name string) (*table.TableHeap, error) {
	if db.storage == nil {
		return nil, ErrClosed
	}
	lower := strings.ToLower(name)
	if heap, ok := db.heaps[lower]; ok {
		return heap, nil
	}
	meta, ok := db.catalog.GetTable(name)
	if !ok {
		return nil, errors.Errorf("api: table %s does not exist", name)
	}
	heap, err := db.openHeap(meta)
	if err != nil {
		return nil, err
	}
	db.heaps[lower] = heap
	return heap, nil
}

// openHeap attaches to a table's chain. A chain that runs past the recorded
// last page, as left by a crash between linking a page and recording it, is
// accepted and the catalog corrected. A chain that never reaches the recorded
// last page is left for scans to report.
func (db *Database) openHeap(meta *catalog.Table) (*table.TableHeap, error) {
	schema, err := meta.Schema()
	if err != nil {
		return nil, errors.Wrapf(err, "loading schema of table %s", meta.Name)
	}
	opts := db.heapOptions(meta.Name)
	heap, err := table.OpenTableHeap(db.pool, schema, meta.FirstPage, meta.LastPage, opts)
	if err != nil {
		return nil, err
	}
	pages, err := heap.Pages()
	if err != nil {
		return nil, err
	}
	tail := pages[len(pages)-1]
	if tail == meta.LastPage {
		return heap, nil
	}
	for _, id := range pages {
		if id != meta.LastPage {
			continue
		}
		grip.Warning(message.Fields{
			"message":  "table chain extends past recorded last page",
			"table":    meta.Name,
			"recorded": meta.LastPage,
			"actual":   tail,
		})
		if err := db.catalog.SetExtent(meta.Name, tail); err != nil {
			return nil, err
		}
		return table.OpenTableHeap(db.pool, schema, meta.FirstPage, tail, opts)
	}
	grip.Error(message.Fields{
		"message":  "table chain does not reach recorded last page",
		"table":    meta.Name,
		"recorded": meta.LastPage,
		"actual":   tail,
	})
	return heap, nil
}

func (db *Database) heapOptions(name string) table.Options {
	return table.Options{
		Name:  name,
		Locks: db.locks,
		Log:   db.wal,
		OnExtend: func(last storage.PageID) error {
			return db.catalog.SetExtent(name, last)
		},
	}
}

// Tables returns copies of table metadata for inspection.
func (db *Database) Tables() ([]*catalog.Table, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.storage == nil {
		return nil, ErrClosed
	}
	return db.catalog.ListTables(), nil
}

// Begin starts a transaction.
func (db *Database) Begin() *txn.Transaction {
	return db.txns.Begin()
}

// Commit commits tx, applying its pending deletes.
func (db *Database) Commit(tx *txn.Transaction) error {
	return db.txns.Commit(tx.ID())
}

// Rollback undoes every change made by tx.
func (db *Database) Rollback(tx *txn.Transaction) error {
	return db.txns.Rollback(tx.ID())
}

// Insert adds a row to the named table. tx may be nil.
func (db *Database) Insert(tx *txn.Transaction, name string, values []interface{}) (storage.RowID, error) {
	heap, err := db.Table(name)
	if err != nil {
		return storage.InvalidRowID, err
	}
	return heap.Insert(tx, values)
}

// Delete removes a row from the named table. tx may be nil.
func (db *Database) Delete(tx *txn.Transaction, name string, rid storage.RowID) error {
	heap, err := db.Table(name)
	if err != nil {
		return err
	}
	return heap.Delete(tx, rid)
}

// Scan calls fn with every live row of the named table in storage order.
// Returning an error from fn stops the scan and returns that error.
func (db *Database) Scan(tx *txn.Transaction, name string, fn func(record.Row) error) error {
	heap, err := db.Table(name)
	if err != nil {
		return err
	}
	it, err := heap.Begin(tx)
	if err != nil {
		return err
	}
	for !it.IsEnd() {
		if err := fn(it.Row()); err != nil {
			return err
		}
		if _, err := it.Advance(); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns a snapshot of buffer pool, transaction and log activity.
func (db *Database) Stats() Stats {
	db.mu.Lock()
	defer db.mu.Unlock()
	stats := Stats{
		Pool:       db.pool.Stats(),
		ActiveTxns: db.txns.Active(),
	}
	if db.storage != nil {
		stats.Tables = len(db.catalog.ListTables())
	}
	if db.wal != nil {
		stats.WALBytes = db.wal.BytesWritten()
	}
	return stats
}
