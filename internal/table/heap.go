// Package table stores the rows of one table as a chain of slotted pages in
// the buffer pool and provides the forward iterator used for full scans.
package table

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"

	"github.com/elliott-wen/database-minisql/internal/buffer"
	"github.com/elliott-wen/database-minisql/internal/record"
	"github.com/elliott-wen/database-minisql/internal/storage"
	"github.com/elliott-wen/database-minisql/internal/txn"
	"github.com/elliott-wen/database-minisql/internal/wal"
)

// PageCache is the part of the buffer pool a heap works through. Every page
// obtained from FetchPage or NewPage is unpinned exactly once.
type PageCache interface {
	FetchPage(id storage.PageID) (*buffer.Page, error)
	UnpinPage(id storage.PageID, dirty bool) error
	NewPage() (*buffer.Page, error)
	DeletePage(id storage.PageID) error
}

// Options configures a TableHeap. Every field is optional.
type Options struct {
	// Name identifies the table in locks, logs and errors.
	Name string
	// Locks enables table locking for callers passing a transaction.
	Locks *txn.LockManager
	// Log receives a page image for every modification.
	Log *wal.Manager
	// OnExtend is called after a page has been appended to the chain.
	OnExtend func(last storage.PageID) error
}

// TableHeap is the page chain holding one table's rows. The first page never
// changes; the last page moves forward as the heap grows and is only updated
// while the old last page is write-latched.
type TableHeap struct {
	cache  PageCache
	schema *record.Schema
	opts   Options
	first  storage.PageID
	last   atomic.Uint32
}

// CreateTableHeap allocates the first page of a new, empty heap.
func CreateTableHeap(cache PageCache, schema *record.Schema, opts Options) (*TableHeap, error) {
	if schema == nil {
		return nil, errors.New("table: heap requires a schema")
	}
	h := &TableHeap{cache: cache, schema: schema, opts: opts}
	page, err := cache.NewPage()
	if err != nil {
		return nil, errors.Wrapf(err, "creating heap for table %q", opts.Name)
	}
	page.WLatch()
	_, err = storage.InitTablePage(page.Data(), page.ID(), storage.InvalidPageID)
	if err == nil {
		err = h.logPage(nil, wal.RecordPageMeta, page)
	}
	page.WUnlatch()
	if unpinErr := cache.UnpinPage(page.ID(), true); err == nil {
		err = unpinErr
	}
	if err != nil {
		return nil, errors.Wrapf(err, "initialising first page of table %q", opts.Name)
	}
	h.first = page.ID()
	h.last.Store(uint32(page.ID()))
	return h, nil
}

// OpenTableHeap attaches to an existing chain. When last is InvalidPageID the
// chain is walked to find it.
func OpenTableHeap(cache PageCache, schema *record.Schema, first, last storage.PageID, opts Options) (*TableHeap, error) {
	if schema == nil {
		return nil, errors.New("table: heap requires a schema")
	}
	if !first.IsValid() {
		return nil, errors.Errorf("table: heap %q has no first page", opts.Name)
	}
	h := &TableHeap{cache: cache, schema: schema, opts: opts, first: first}
	if !last.IsValid() {
		pages, err := h.walk()
		if err != nil {
			return nil, err
		}
		last = pages[len(pages)-1]
	}
	h.last.Store(uint32(last))
	return h, nil
}

// Name returns the table name the heap was opened with.
func (h *TableHeap) Name() string { return h.opts.Name }

// Schema returns the row layout.
func (h *TableHeap) Schema() *record.Schema { return h.schema }

// FirstPageID returns the head of the page chain.
func (h *TableHeap) FirstPageID() storage.PageID { return h.first }

// LastPageID returns the page the chain is declared to end at.
func (h *TableHeap) LastPageID() storage.PageID {
	return storage.PageID(h.last.Load())
}

// End returns the iterator positioned past the last row.
func (h *TableHeap) End() *TableIterator {
	return &TableIterator{heap: h, row: record.NewRow(storage.InvalidRowID)}
}

// Begin returns an iterator at the first live row, or at End for an empty
// heap. Leading empty pages are skipped.
func (h *TableHeap) Begin(tx *txn.Transaction) (*TableIterator, error) {
	if err := h.lockShared(tx); err != nil {
		return nil, err
	}
	g, err := acquireRead(h.cache, h.first)
	if err != nil {
		return nil, h.inconsistent(h.first, "fetching first page", err)
	}
	defer g.release()

	rid, ok := g.table.FirstRow()
	if !ok {
		if rid, err = h.seek(g); err != nil {
			return nil, err
		}
	}
	it := &TableIterator{heap: h, row: record.NewRow(rid), tx: tx}
	if rid.IsValid() {
		if err := h.fillLatched(&it.row, g.table); err != nil {
			return nil, err
		}
	}
	return it, nil
}

// Iterator returns an iterator positioned at rid. An invalid rid yields End
// without touching any page; otherwise the row is read immediately.
func (h *TableHeap) Iterator(rid storage.RowID, tx *txn.Transaction) (*TableIterator, error) {
	if !rid.IsValid() {
		it := h.End()
		it.tx = tx
		return it, nil
	}
	it := &TableIterator{heap: h, row: record.NewRow(rid), tx: tx}
	if err := h.Fill(&it.row, tx); err != nil {
		return nil, err
	}
	return it, nil
}

// seek moves g forward through the chain until a page with a live row is
// found and returns that row, or InvalidRowID when the declared last page has
// been passed. g always ends up holding the page it stopped at.
func (h *TableHeap) seek(g *pageGuard) (storage.RowID, error) {
	for {
		next := g.table.NextPageID()
		if !next.IsValid() {
			if g.id() == h.LastPageID() {
				return storage.InvalidRowID, nil
			}
			return storage.InvalidRowID, h.inconsistent(g.id(), "following page chain", errBrokenChain)
		}
		if err := g.hop(next); err != nil {
			return storage.InvalidRowID, h.inconsistent(next, "fetching successor page", err)
		}
		if rid, ok := g.table.FirstRow(); ok {
			return rid, nil
		}
	}
}

// Fill reads the stored values of the row at row's address into row. With a
// transaction and a lock manager the table and then the row are share-locked
// first.
func (h *TableHeap) Fill(row *record.Row, tx *txn.Transaction) error {
	rid := row.RowID()
	if !rid.IsValid() {
		return errors.Errorf("table: cannot fill row at %s", rid)
	}
	if err := h.lockRow(tx, rid, txn.LockModeShared); err != nil {
		return err
	}
	g, err := acquireRead(h.cache, rid.Page)
	if err != nil {
		return errors.Wrapf(err, "filling row %s of table %q", rid, h.opts.Name)
	}
	defer g.release()
	return h.fillLatched(row, g.table)
}

// fillLatched decodes the row from a page the caller holds latched.
func (h *TableHeap) fillLatched(row *record.Row, tp *storage.TablePage) error {
	rid := row.RowID()
	data, err := tp.Record(rid.Slot)
	if err != nil {
		return errors.Wrapf(err, "filling row %s of table %q", rid, h.opts.Name)
	}
	values, err := record.Decode(h.schema, data)
	if err != nil {
		return errors.Wrapf(err, "decoding row %s of table %q", rid, h.opts.Name)
	}
	row.SetValues(values)
	return nil
}

// Insert stores values in the first page with room, appending a page to the
// chain when none has any. The insert is undone if tx rolls back.
func (h *TableHeap) Insert(tx *txn.Transaction, values []interface{}) (storage.RowID, error) {
	data, err := record.Encode(h.schema, values)
	if err != nil {
		return storage.InvalidRowID, err
	}
	if len(data) > storage.MaxRecordSize {
		return storage.InvalidRowID, errors.Errorf("table: row of %d bytes exceeds page capacity", len(data))
	}
	if err := h.lockExclusive(tx); err != nil {
		return storage.InvalidRowID, err
	}

	g, err := acquireWrite(h.cache, h.first)
	if err != nil {
		return storage.InvalidRowID, errors.Wrapf(err, "inserting into table %q", h.opts.Name)
	}
	defer g.release()

	for {
		rid, err := g.table.Insert(data)
		if err == nil {
			g.markDirty()
			if err := h.logPage(tx, wal.RecordInsert, g.page); err != nil {
				return storage.InvalidRowID, err
			}
			h.undoInsert(tx, rid)
			return rid, nil
		}
		if errors.Cause(err) != storage.ErrPageFull {
			return storage.InvalidRowID, err
		}
		next := g.table.NextPageID()
		if !next.IsValid() {
			break
		}
		if err := g.hop(next); err != nil {
			return storage.InvalidRowID, errors.Wrapf(err, "inserting into table %q", h.opts.Name)
		}
	}

	rid, err := h.extend(g, tx, data)
	g.release()
	if err != nil {
		return storage.InvalidRowID, err
	}
	h.undoInsert(tx, rid)
	if h.opts.OnExtend != nil {
		if err := h.opts.OnExtend(rid.Page); err != nil {
			return rid, errors.Wrapf(err, "recording new last page of table %q", h.opts.Name)
		}
	}
	return rid, nil
}

// extend appends a page after the tail held by g and stores data in it. The
// new page and the link to it are logged outside tx so the chain survives
// recovery even when tx never commits; only the row belongs to tx.
func (h *TableHeap) extend(g *pageGuard, tx *txn.Transaction, data []byte) (storage.RowID, error) {
	page, err := h.cache.NewPage()
	if err != nil {
		return storage.InvalidRowID, errors.Wrapf(err, "extending table %q", h.opts.Name)
	}
	page.WLatch()
	rid, err := func() (storage.RowID, error) {
		tp, err := storage.InitTablePage(page.Data(), page.ID(), g.id())
		if err != nil {
			return storage.InvalidRowID, err
		}
		if err := h.logPage(nil, wal.RecordPageMeta, page); err != nil {
			return storage.InvalidRowID, err
		}
		g.table.SetNextPageID(page.ID())
		g.markDirty()
		h.last.Store(uint32(page.ID()))
		if err := h.logLink(g.id(), page.ID()); err != nil {
			return storage.InvalidRowID, err
		}
		grip.Debug(message.Fields{
			"message": "extended table heap",
			"table":   h.opts.Name,
			"page":    page.ID(),
			"prev":    g.id(),
		})
		rid, err := tp.Insert(data)
		if err != nil {
			return storage.InvalidRowID, err
		}
		return rid, h.logPage(tx, wal.RecordInsert, page)
	}()
	page.WUnlatch()
	if unpinErr := h.cache.UnpinPage(page.ID(), true); err == nil {
		err = unpinErr
	}
	return rid, err
}

func (h *TableHeap) undoInsert(tx *txn.Transaction, rid storage.RowID) {
	if tx == nil {
		return
	}
	tx.RegisterRollback(func() error {
		return h.modify(nil, rid.Page, wal.RecordDelete, func(tp *storage.TablePage) error {
			return tp.ApplyDelete(rid.Slot)
		})
	})
}

// MarkDelete hides the row from scans. Under a transaction the row is
// removed at commit and restored on rollback; without one the mark stays
// until ApplyDelete or RollbackDelete.
func (h *TableHeap) MarkDelete(tx *txn.Transaction, rid storage.RowID) error {
	if err := h.lockRow(tx, rid, txn.LockModeExclusive); err != nil {
		return err
	}
	if err := h.modify(tx, rid.Page, wal.RecordDelete, func(tp *storage.TablePage) error {
		return tp.MarkDelete(rid.Slot)
	}); err != nil {
		return errors.Wrapf(err, "deleting row %s of table %q", rid, h.opts.Name)
	}
	if tx != nil {
		tx.RegisterCommit(func() error {
			return h.modify(tx, rid.Page, wal.RecordDelete, func(tp *storage.TablePage) error {
				return tp.ApplyDelete(rid.Slot)
			})
		})
		tx.RegisterRollback(func() error {
			return h.modify(nil, rid.Page, wal.RecordDelete, func(tp *storage.TablePage) error {
				return tp.RollbackDelete(rid.Slot)
			})
		})
	}
	return nil
}

// ApplyDelete frees the slot of a row, marked or not.
func (h *TableHeap) ApplyDelete(tx *txn.Transaction, rid storage.RowID) error {
	if err := h.lockRow(tx, rid, txn.LockModeExclusive); err != nil {
		return err
	}
	return errors.Wrapf(h.modify(tx, rid.Page, wal.RecordDelete, func(tp *storage.TablePage) error {
		return tp.ApplyDelete(rid.Slot)
	}), "applying delete of row %s", rid)
}

// RollbackDelete clears a delete mark.
func (h *TableHeap) RollbackDelete(tx *txn.Transaction, rid storage.RowID) error {
	if err := h.lockRow(tx, rid, txn.LockModeExclusive); err != nil {
		return err
	}
	return errors.Wrapf(h.modify(tx, rid.Page, wal.RecordDelete, func(tp *storage.TablePage) error {
		return tp.RollbackDelete(rid.Slot)
	}), "restoring row %s", rid)
}

// Delete removes a row: immediately without a transaction, at commit with one.
func (h *TableHeap) Delete(tx *txn.Transaction, rid storage.RowID) error {
	if err := h.MarkDelete(tx, rid); err != nil {
		return err
	}
	if tx == nil {
		return h.ApplyDelete(nil, rid)
	}
	return nil
}

// Update replaces the values of a row in place. A row that no longer fits in
// its page is rejected with storage.ErrPageFull.
func (h *TableHeap) Update(tx *txn.Transaction, rid storage.RowID, values []interface{}) error {
	data, err := record.Encode(h.schema, values)
	if err != nil {
		return err
	}
	if err := h.lockRow(tx, rid, txn.LockModeExclusive); err != nil {
		return err
	}
	var old []byte
	if err := h.modify(tx, rid.Page, wal.RecordUpdate, func(tp *storage.TablePage) error {
		cur, err := tp.Record(rid.Slot)
		if err != nil {
			return err
		}
		old = append([]byte(nil), cur...)
		return tp.Update(rid.Slot, data)
	}); err != nil {
		return errors.Wrapf(err, "updating row %s of table %q", rid, h.opts.Name)
	}
	if tx != nil {
		tx.RegisterRollback(func() error {
			return h.modify(nil, rid.Page, wal.RecordUpdate, func(tp *storage.TablePage) error {
				return tp.Update(rid.Slot, old)
			})
		})
	}
	return nil
}

// modify runs fn on the page under its write latch and logs the result.
func (h *TableHeap) modify(tx *txn.Transaction, id storage.PageID, typ wal.RecordType, fn func(*storage.TablePage) error) error {
	if !id.IsValid() {
		return errors.Errorf("table: invalid page %d", id)
	}
	g, err := acquireWrite(h.cache, id)
	if err != nil {
		return errors.Wrapf(err, "fetching page %d", id)
	}
	defer g.release()
	if err := fn(g.table); err != nil {
		return err
	}
	g.markDirty()
	return h.logPage(tx, typ, g.page)
}

// Pages returns the ids of the chain in order. Every page must link back to
// the page it was reached from.
func (h *TableHeap) Pages() ([]storage.PageID, error) {
	return h.walk()
}

func (h *TableHeap) walk() ([]storage.PageID, error) {
	g, err := acquireRead(h.cache, h.first)
	if err != nil {
		return nil, h.inconsistent(h.first, "fetching first page", err)
	}
	defer g.release()
	pages := []storage.PageID{g.id()}
	seen := map[storage.PageID]bool{g.id(): true}
	for next := g.table.NextPageID(); next.IsValid(); next = g.table.NextPageID() {
		if seen[next] {
			return nil, h.inconsistent(next, "walking page chain", errors.New("cycle in page chain"))
		}
		seen[next] = true
		prev := g.id()
		if err := g.hop(next); err != nil {
			return nil, h.inconsistent(next, "walking page chain", err)
		}
		if back := g.table.PrevPageID(); back != prev {
			return nil, h.inconsistent(next, "walking page chain",
				errors.Wrapf(errBrokenBackLink, "page links back to %d, reached from %d", back, prev))
		}
		pages = append(pages, next)
	}
	return pages, nil
}

// Free returns every page of the heap to the database free list. The heap
// must not be used afterwards.
func (h *TableHeap) Free() error {
	pages, err := h.walk()
	if err != nil {
		return err
	}
	catcher := grip.NewBasicCatcher()
	for _, id := range pages {
		catcher.Add(h.cache.DeletePage(id))
	}
	return errors.Wrapf(catcher.Resolve(), "freeing table %q", h.opts.Name)
}

func (h *TableHeap) lockShared(tx *txn.Transaction) error {
	if tx == nil || h.opts.Locks == nil {
		return nil
	}
	return h.opts.Locks.Acquire(tx, txn.TableResource(h.opts.Name), txn.LockModeShared)
}

func (h *TableHeap) lockExclusive(tx *txn.Transaction) error {
	if tx == nil || h.opts.Locks == nil {
		return nil
	}
	return h.opts.Locks.Acquire(tx, txn.TableResource(h.opts.Name), txn.LockModeExclusive)
}

// lockRow takes the table lock and then the row lock in the same mode. Writers
// of a row hold both exclusively until their transaction ends.
func (h *TableHeap) lockRow(tx *txn.Transaction, rid storage.RowID, mode txn.LockMode) error {
	if tx == nil || h.opts.Locks == nil {
		return nil
	}
	if err := h.opts.Locks.Acquire(tx, txn.TableResource(h.opts.Name), mode); err != nil {
		return err
	}
	return h.opts.Locks.Acquire(tx, txn.RowResource(h.opts.Name, rid), mode)
}

// logPage appends an image of the latched page. Writes outside a transaction
// are logged under id 0 and synced at once.
func (h *TableHeap) logPage(tx *txn.Transaction, typ wal.RecordType, page *buffer.Page) error {
	if h.opts.Log == nil {
		return nil
	}
	payload := make([]byte, len(page.Data()))
	copy(payload, page.Data())
	var id, prev uint64
	if tx != nil {
		id, prev = uint64(tx.ID()), tx.LastLSN()
	}
	lsn, err := h.opts.Log.Append(id, prev, typ, uint32(page.ID()), payload)
	if err != nil {
		return errors.Wrapf(err, "logging page %d", page.ID())
	}
	if tx != nil {
		tx.SetLastLSN(lsn)
		return nil
	}
	return h.opts.Log.Sync()
}

// logLink records that page now continues at next.
func (h *TableHeap) logLink(page, next storage.PageID) error {
	if h.opts.Log == nil {
		return nil
	}
	payload := binary.LittleEndian.AppendUint32(nil, uint32(next))
	if _, err := h.opts.Log.Append(0, 0, wal.RecordLink, uint32(page), payload); err != nil {
		return errors.Wrapf(err, "logging link from page %d", page)
	}
	return h.opts.Log.Sync()
}

func (h *TableHeap) inconsistent(page storage.PageID, op string, cause error) error {
	err := &StorageInconsistencyError{Table: h.opts.Name, Page: page, Op: op, Err: cause}
	grip.Error(message.WrapError(cause, message.Fields{
		"message": "storage inconsistency",
		"table":   h.opts.Name,
		"page":    page,
		"op":      op,
	}))
	return err
}
