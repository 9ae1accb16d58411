package buffer

import (
	"sync"

	"github.com/google/btree"
	"github.com/mongodb/grip"
	"github.com/mongodb/grip/message"
	"github.com/pkg/errors"

	"github.com/elliott-wen/database-minisql/internal/storage"
)

var (
	// ErrNoFreeFrame is returned when every frame is pinned.
	ErrNoFreeFrame = errors.New("buffer: no unpinned frame available")
	// ErrPageNotResident is returned when unpinning or flushing a page the
	// pool does not hold.
	ErrPageNotResident = errors.New("buffer: page not resident")
	// ErrPagePinned is returned when deleting a page that is still in use.
	ErrPagePinned = errors.New("buffer: page is pinned")
)

// DiskManager is the page store the pool reads from and writes back to.
type DiskManager interface {
	ReadPage(id storage.PageID, buf []byte) error
	WritePage(id storage.PageID, data []byte) error
	AllocatePage() (storage.PageID, error)
	FreePage(id storage.PageID) error
}

// Stats summarises pool activity.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Resident  int
	Pinned    int
}

type pageEntry struct {
	id    storage.PageID
	frame int
}

func lessPageEntry(a, b pageEntry) bool {
	return a.id < b.id
}

// Pool caches pages in a fixed number of frames. A page stays resident while
// pinned; unpinned pages are evicted in LRU order when a frame is needed.
type Pool struct {
	mu       sync.Mutex
	disk     DiskManager
	frames   []*Page
	table    *btree.BTreeG[pageEntry]
	free     []int
	replacer *lruReplacer
	stats    Stats
}

const defaultPoolSize = 64

// NewPool creates a pool of size frames over disk. A non-positive size picks
// the default.
func NewPool(disk DiskManager, size int) *Pool {
	if size <= 0 {
		size = defaultPoolSize
	}
	p := &Pool{
		disk:     disk,
		frames:   make([]*Page, size),
		table:    btree.NewG[pageEntry](16, lessPageEntry),
		free:     make([]int, 0, size),
		replacer: newLRUReplacer(),
	}
	for i := range p.frames {
		p.frames[i] = newPage()
		p.free = append(p.free, i)
	}
	return p
}

// Size returns the number of frames.
func (p *Pool) Size() int {
	return len(p.frames)
}

func (p *Pool) lookup(id storage.PageID) (int, bool) {
	entry, ok := p.table.Get(pageEntry{id: id})
	return entry.frame, ok
}

// acquireFrameLocked returns an empty frame, evicting the LRU victim when the
// free list is exhausted.
func (p *Pool) acquireFrameLocked() (int, error) {
	if n := len(p.free); n > 0 {
		frame := p.free[n-1]
		p.free = p.free[:n-1]
		return frame, nil
	}
	frame, ok := p.replacer.Victim()
	if !ok {
		return 0, ErrNoFreeFrame
	}
	victim := p.frames[frame]
	grip.Debug(message.Fields{
		"message": "evicting page",
		"page":    victim.id,
		"frame":   frame,
		"dirty":   victim.IsDirty(),
	})
	if victim.IsDirty() {
		if err := p.disk.WritePage(victim.id, victim.data); err != nil {
			p.replacer.Unpin(frame)
			grip.Error(message.WrapError(err, message.Fields{
				"message": "writing back evicted page",
				"page":    victim.id,
			}))
			return 0, errors.Wrapf(err, "writing back page %d", victim.id)
		}
	}
	p.table.Delete(pageEntry{id: victim.id})
	victim.reset()
	p.stats.Evictions++
	return frame, nil
}

// FetchPage returns the page pinned. The caller must UnpinPage it exactly once.
func (p *Pool) FetchPage(id storage.PageID) (*Page, error) {
	if !id.IsValid() {
		return nil, errors.Errorf("buffer: cannot fetch invalid page %d", id)
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if frame, ok := p.lookup(id); ok {
		page := p.frames[frame]
		page.pins.Add(1)
		p.replacer.Pin(frame)
		p.stats.Hits++
		return page, nil
	}

	frame, err := p.acquireFrameLocked()
	if err != nil {
		return nil, errors.Wrapf(err, "fetching page %d", id)
	}
	page := p.frames[frame]
	if err := p.disk.ReadPage(id, page.data); err != nil {
		page.reset()
		p.free = append(p.free, frame)
		return nil, errors.Wrapf(err, "fetching page %d", id)
	}
	page.id = id
	page.pins.Store(1)
	p.table.ReplaceOrInsert(pageEntry{id: id, frame: frame})
	p.stats.Misses++
	return page, nil
}

// NewPage allocates a fresh page on disk and returns it pinned and zeroed.
func (p *Pool) NewPage() (*Page, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	frame, err := p.acquireFrameLocked()
	if err != nil {
		return nil, errors.Wrap(err, "allocating page")
	}
	id, err := p.disk.AllocatePage()
	if err != nil {
		p.free = append(p.free, frame)
		return nil, errors.Wrap(err, "allocating page")
	}
	page := p.frames[frame]
	page.id = id
	page.pins.Store(1)
	page.dirty.Store(true)
	p.table.ReplaceOrInsert(pageEntry{id: id, frame: frame})
	return page, nil
}

// UnpinPage drops one pin. dirty marks the page for write-back; a clean
// unpin never clears an earlier dirty mark.
func (p *Pool) UnpinPage(id storage.PageID, dirty bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	frame, ok := p.lookup(id)
	if !ok {
		return errors.Wrapf(ErrPageNotResident, "unpinning page %d", id)
	}
	page := p.frames[frame]
	if page.pins.Load() <= 0 {
		return errors.Errorf("buffer: page %d unpinned more often than pinned", id)
	}
	if dirty {
		page.dirty.Store(true)
	}
	if page.pins.Add(-1) == 0 {
		p.replacer.Unpin(frame)
	}
	return nil
}

// DeletePage drops the page from the pool and returns it to the disk free list.
func (p *Pool) DeletePage(id storage.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if frame, ok := p.lookup(id); ok {
		page := p.frames[frame]
		if page.pins.Load() > 0 {
			return errors.Wrapf(ErrPagePinned, "deleting page %d", id)
		}
		p.replacer.Pin(frame)
		p.table.Delete(pageEntry{id: id})
		page.reset()
		p.free = append(p.free, frame)
	}
	return errors.Wrapf(p.disk.FreePage(id), "deleting page %d", id)
}

// FlushPage writes the page to disk if it is resident.
func (p *Pool) FlushPage(id storage.PageID) error {
	p.mu.Lock()
	frame, ok := p.lookup(id)
	if !ok {
		p.mu.Unlock()
		return errors.Wrapf(ErrPageNotResident, "flushing page %d", id)
	}
	page := p.frames[frame]
	page.pins.Add(1)
	p.replacer.Pin(frame)
	p.mu.Unlock()
	return p.flushPinned(page)
}

// flushPinned writes out a page the caller has pinned and releases that pin.
func (p *Pool) flushPinned(page *Page) error {
	id := page.id
	page.dirty.Store(false)
	page.RLatch()
	err := p.disk.WritePage(id, page.data)
	page.RUnlatch()
	if err != nil {
		page.dirty.Store(true)
		err = errors.Wrapf(err, "flushing page %d", id)
	}
	if unpinErr := p.UnpinPage(id, false); err == nil {
		err = unpinErr
	}
	return err
}

// FlushAll writes every dirty resident page to disk in page id order.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	var pages []*Page
	p.table.Ascend(func(entry pageEntry) bool {
		page := p.frames[entry.frame]
		if page.IsDirty() {
			page.pins.Add(1)
			p.replacer.Pin(entry.frame)
			pages = append(pages, page)
		}
		return true
	})
	p.mu.Unlock()

	catcher := grip.NewBasicCatcher()
	for _, page := range pages {
		catcher.Add(p.flushPinned(page))
	}
	return catcher.Resolve()
}

// PinnedPages returns the number of resident pages with outstanding pins.
func (p *Pool) PinnedPages() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pinnedLocked()
}

func (p *Pool) pinnedLocked() int {
	n := 0
	p.table.Ascend(func(entry pageEntry) bool {
		if p.frames[entry.frame].pins.Load() > 0 {
			n++
		}
		return true
	})
	return n
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	stats := p.stats
	stats.Resident = p.table.Len()
	stats.Pinned = p.pinnedLocked()
	return stats
}
