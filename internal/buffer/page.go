// Package buffer implements the page cache that sits between table heaps and
// the database file. Frames are pinned while in use and carry a reader/writer
// latch that callers take around any access to the page bytes.
package buffer

import (
	"sync"
	"sync/atomic"

	"github.com/elliott-wen/database-minisql/internal/storage"
)

// Page is a buffer frame holding one database page.
type Page struct {
	id    storage.PageID
	data  []byte
	pins  atomic.Int32
	dirty atomic.Bool
	latch sync.RWMutex
}

func newPage() *Page {
	return &Page{id: storage.InvalidPageID, data: make([]byte, storage.PageSize)}
}

// ID returns the id of the page currently held by the frame.
func (p *Page) ID() storage.PageID {
	return p.id
}

// Data exposes the page bytes. Callers must hold the latch.
func (p *Page) Data() []byte {
	return p.data
}

// PinCount returns the number of outstanding pins.
func (p *Page) PinCount() int {
	return int(p.pins.Load())
}

// IsDirty reports whether the frame holds changes not yet written to disk.
func (p *Page) IsDirty() bool {
	return p.dirty.Load()
}

// RLatch takes the page latch in shared mode.
func (p *Page) RLatch() { p.latch.RLock() }

// RUnlatch releases a shared latch.
func (p *Page) RUnlatch() { p.latch.RUnlock() }

// WLatch takes the page latch in exclusive mode.
func (p *Page) WLatch() { p.latch.Lock() }

// WUnlatch releases an exclusive latch.
func (p *Page) WUnlatch() { p.latch.Unlock() }

// TryWLatch takes the exclusive latch only if nobody holds the latch.
func (p *Page) TryWLatch() bool { return p.latch.TryLock() }

func (p *Page) reset() {
	p.id = storage.InvalidPageID
	p.pins.Store(0)
	p.dirty.Store(false)
	for i := range p.data {
		p.data[i] = 0
	}
}
