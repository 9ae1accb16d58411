package table

import (
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"

	"github.com/elliott-wen/database-minisql/internal/buffer"
	"github.com/elliott-wen/database-minisql/internal/storage"
)

// pageGuard holds one pin and one latch on a table page. release drops both
// and is safe to call any number of times, so callers defer it right after a
// successful acquire.
type pageGuard struct {
	cache     PageCache
	page      *buffer.Page
	table     *storage.TablePage
	exclusive bool
	dirty     bool
}

func acquireRead(cache PageCache, id storage.PageID) (*pageGuard, error) {
	g := &pageGuard{cache: cache}
	return g, g.acquire(id)
}

func acquireWrite(cache PageCache, id storage.PageID) (*pageGuard, error) {
	g := &pageGuard{cache: cache, exclusive: true}
	return g, g.acquire(id)
}

func (g *pageGuard) acquire(id storage.PageID) error {
	page, err := g.cache.FetchPage(id)
	if err != nil {
		return err
	}
	g.latch(page)
	return g.load()
}

// latch takes the guard's latch mode on an already pinned page.
func (g *pageGuard) latch(page *buffer.Page) {
	if g.exclusive {
		page.WLatch()
	} else {
		page.RLatch()
	}
	g.page = page
}

func (g *pageGuard) load() error {
	tp, err := storage.LoadTablePage(g.page.ID(), g.page.Data())
	if err != nil {
		g.release()
		return err
	}
	g.table = tp
	return nil
}

// hop moves the guard to the page next. The successor is pinned before the
// current page is released and latched only after, so at most one latch is
// held at any time while the pin keeps the successor resident. On failure the
// guard still holds the current page.
func (g *pageGuard) hop(next storage.PageID) error {
	page, err := g.cache.FetchPage(next)
	if err != nil {
		return err
	}
	g.release()
	g.latch(page)
	return g.load()
}

func (g *pageGuard) id() storage.PageID {
	return g.page.ID()
}

// markDirty records that the page bytes changed under the write latch.
func (g *pageGuard) markDirty() {
	g.dirty = true
}

func (g *pageGuard) release() {
	if g.page == nil {
		return
	}
	page := g.page
	g.page, g.table = nil, nil
	if g.exclusive {
		page.WUnlatch()
	} else {
		page.RUnlatch()
	}
	dirty := g.dirty
	g.dirty = false
	if err := g.cache.UnpinPage(page.ID(), dirty); err != nil {
		grip.Error(message.WrapError(errors.WithStack(err), message.Fields{
			"message": "releasing page guard",
			"page":    page.ID(),
		}))
	}
}
