package table

import (
	"github.com/elliott-wen/database-minisql/internal/record"
	"github.com/elliott-wen/database-minisql/internal/storage"
	"github.com/elliott-wen/database-minisql/internal/txn"
)

// TableIterator is a forward cursor over a TableHeap. It is either positioned
// on a live row, whose values it holds, or at End. It keeps no pins or
// latches between calls, so an abandoned iterator needs no cleanup.
//
// An iterator must not be used from more than one goroutine at a time;
// independent iterators over the same heap may run concurrently.
type TableIterator struct {
	heap *TableHeap
	row  record.Row
	tx   *txn.Transaction
}

// Clone returns an independent iterator at the same position.
func (it *TableIterator) Clone() *TableIterator {
	return &TableIterator{heap: it.heap, row: it.row.Clone(), tx: it.tx}
}

// Equal reports whether both iterators are at the same row address.
func (it *TableIterator) Equal(other *TableIterator) bool {
	return it.row.RowID() == other.row.RowID()
}

// IsEnd reports whether the iterator is past the last row.
func (it *TableIterator) IsEnd() bool {
	return !it.row.RowID().IsValid()
}

// RowID returns the current row address, InvalidRowID at End.
func (it *TableIterator) RowID() storage.RowID {
	return it.row.RowID()
}

// Row returns a copy of the current row. It panics with a *ProgrammingError
// at End.
func (it *TableIterator) Row() record.Row {
	if it.IsEnd() {
		panic(&ProgrammingError{Op: "Row"})
	}
	return it.row.Clone()
}

// RowRef returns the current row owned by the iterator. The row is replaced,
// not modified, by the next Advance. It panics with a *ProgrammingError at
// End.
func (it *TableIterator) RowRef() *record.Row {
	if it.IsEnd() {
		panic(&ProgrammingError{Op: "RowRef"})
	}
	return &it.row
}

// Advance moves to the next live row in page then slot order, or to End.
// Empty pages are skipped. The current page stays pinned and read-latched
// while the next position is found and its row read, and every pin and latch
// is released before Advance returns. A page that cannot be fetched, or a
// chain that stops short of the heap's last page, yields a
// *StorageInconsistencyError. On any error the iterator keeps its previous
// position and row. Advancing at End panics with a *ProgrammingError.
func (it *TableIterator) Advance() (*TableIterator, error) {
	if it.IsEnd() {
		panic(&ProgrammingError{Op: "Advance"})
	}
	h := it.heap
	cur := it.row.RowID()
	if err := h.lockShared(it.tx); err != nil {
		return it, err
	}
	g, err := acquireRead(h.cache, cur.Page)
	if err != nil {
		return it, h.inconsistent(cur.Page, "fetching current page", err)
	}
	defer g.release()

	next, ok := g.table.NextRowAfter(cur)
	if !ok {
		if next, err = h.seek(g); err != nil {
			return it, err
		}
	}

	row := record.NewRow(next)
	if next.IsValid() {
		if err := h.fillLatched(&row, g.table); err != nil {
			return it, err
		}
	}
	it.row = row
	return it, nil
}

// PostAdvance advances the iterator and returns a copy of its position from
// before the move.
func (it *TableIterator) PostAdvance() (*TableIterator, error) {
	prev := it.Clone()
	if _, err := it.Advance(); err != nil {
		return prev, err
	}
	return prev, nil
}
