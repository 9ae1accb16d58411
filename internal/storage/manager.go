package storage

import (
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

const (
	// PageSize defines the fixed page size for minisql database files.
	PageSize = 4096

	headerMagic   = "MINISQLD"
	headerVersion = uint16(1)

	freeListNil = uint32(0xFFFFFFFF)
)

var (
	errInvalidHeader = errors.New("storage: invalid database header")
	errShortPage     = errors.New("storage: page buffer must be exactly one page")
)

// PageID represents the position of a page within the database file.
// Page numbering starts at 0, where page 0 is reserved for the database header.
type PageID uint32

type databaseHeader struct {
	Magic        [8]byte
	Version      uint16
	PageCount    uint32
	FreeListHead uint32
	CatalogSize  uint32
}

const headerSize = 8 + 2 + 2 + 4 + 4 + 4

// Manager owns the on-disk database file. It hands out page ids, keeps the
// free list and stores the catalog payload in the header page. It does no
// caching; the buffer pool sits on top of it.
type Manager struct {
	mu     sync.Mutex
	file   *os.File
	path   string
	header databaseHeader
}

// New creates a brand-new database file.
func New(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Errorf("storage: database %s already exists", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return errors.Wrapf(err, "creating database file '%s'", path)
	}
	defer f.Close()

	header := databaseHeader{}
	copy(header.Magic[:], headerMagic)
	header.Version = headerVersion
	header.PageCount = 1 // header page only
	header.FreeListHead = freeListNil

	buf := make([]byte, PageSize)
	writeHeader(buf, &header)
	if _, err := f.Write(buf); err != nil {
		return errors.Wrap(err, "writing database header")
	}
	return errors.Wrap(f.Sync(), "syncing database header")
}

// Open loads an existing database file.
func Open(path string) (*Manager, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening database file '%s'", path)
	}

	m := &Manager{file: f, path: path}
	if err := m.loadHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) loadHeader() error {
	buf := make([]byte, PageSize)
	if _, err := io.ReadFull(m.file, buf); err != nil {
		return errors.Wrap(err, "reading database header")
	}
	header, err := readHeader(buf)
	if err != nil {
		return err
	}
	m.header = *header
	return nil
}

// Path returns the location of the database file.
func (m *Manager) Path() string {
	return m.path
}

// PageCount returns the number of pages in the file, header included.
func (m *Manager) PageCount() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.header.PageCount
}

// Close flushes header information and closes the backing file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	if err := m.flushHeaderLocked(); err != nil {
		return err
	}
	if err := m.file.Sync(); err != nil {
		return errors.Wrap(err, "syncing database file")
	}
	err := m.file.Close()
	m.file = nil
	return err
}

// Sync forces written pages to durable storage.
func (m *Manager) Sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return errors.New("storage: database is closed")
	}
	return errors.Wrap(m.file.Sync(), "syncing database file")
}

// CatalogData returns a copy of the persisted catalog payload from page 0.
func (m *Manager) CatalogData() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	buf := make([]byte, PageSize)
	if _, err := m.file.ReadAt(buf, 0); err != nil {
		return nil, errors.Wrap(err, "reading header page")
	}
	header, err := readHeader(buf)
	if err != nil {
		return nil, err
	}
	if header.CatalogSize == 0 {
		return nil, nil
	}
	if int(header.CatalogSize) > PageSize-headerSize {
		return nil, errors.Errorf("storage: catalog too large")
	}
	data := make([]byte, header.CatalogSize)
	copy(data, buf[headerSize:headerSize+int(header.CatalogSize)])
	return data, nil
}

// UpdateCatalog persists catalog bytes to page 0.
func (m *Manager) UpdateCatalog(payload []byte) error {
	if len(payload) > PageSize-headerSize {
		return errors.Errorf("storage: catalog payload exceeds header page capacity")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.header.CatalogSize = uint32(len(payload))
	buf := make([]byte, PageSize)
	writeHeader(buf, &m.header)
	copy(buf[headerSize:], payload)
	_, err := m.file.WriteAt(buf, 0)
	return errors.Wrap(err, "writing catalog")
}

func (m *Manager) checkPage(id PageID) error {
	if id == InvalidPageID || uint32(id) >= m.header.PageCount {
		return errors.Errorf("storage: page %d out of bounds", id)
	}
	return nil
}

// ReadPage fills buf with the contents of the given page.
func (m *Manager) ReadPage(id PageID, buf []byte) error {
	if len(buf) != PageSize {
		return errShortPage
	}
	m.mu.Lock()
	err := m.checkPage(id)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = m.file.ReadAt(buf, int64(id)*PageSize)
	return errors.Wrapf(err, "reading page %d", id)
}

// WritePage writes a full page back to disk.
func (m *Manager) WritePage(id PageID, data []byte) error {
	if len(data) != PageSize {
		return errShortPage
	}
	m.mu.Lock()
	err := m.checkPage(id)
	m.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = m.file.WriteAt(data, int64(id)*PageSize)
	return errors.Wrapf(err, "writing page %d", id)
}

// AllocatePage reserves a page, reusing the free list before growing the
// file. The page contents on disk are zeroed.
func (m *Manager) AllocatePage() (PageID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var id PageID
	if m.header.FreeListHead != freeListNil {
		id = PageID(m.header.FreeListHead)
		link := make([]byte, 4)
		if _, err := m.file.ReadAt(link, int64(id)*PageSize); err != nil {
			return InvalidPageID, errors.Wrapf(err, "reading free list link of page %d", id)
		}
		// The first 4 bytes of a recycled page store the next free page.
		m.header.FreeListHead = binary.LittleEndian.Uint32(link)
	} else {
		id = PageID(m.header.PageCount)
		m.header.PageCount++
	}
	if _, err := m.file.WriteAt(make([]byte, PageSize), int64(id)*PageSize); err != nil {
		return InvalidPageID, errors.Wrapf(err, "zeroing page %d", id)
	}
	if err := m.flushHeaderLocked(); err != nil {
		return InvalidPageID, err
	}
	return id, nil
}

// FreePage adds the specified page to the freelist for reuse.
func (m *Manager) FreePage(id PageID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.checkPage(id); err != nil {
		return err
	}
	buf := make([]byte, PageSize)
	binary.LittleEndian.PutUint32(buf[:4], m.header.FreeListHead)
	if _, err := m.file.WriteAt(buf, int64(id)*PageSize); err != nil {
		return errors.Wrapf(err, "freeing page %d", id)
	}
	m.header.FreeListHead = uint32(id)
	return m.flushHeaderLocked()
}

// flushHeaderLocked rewrites the fixed header fields, leaving the catalog
// payload that follows them untouched.
func (m *Manager) flushHeaderLocked() error {
	buf := make([]byte, headerSize)
	writeHeader(buf, &m.header)
	_, err := m.file.WriteAt(buf, 0)
	return errors.Wrap(err, "writing database header")
}

func readHeader(buf []byte) (*databaseHeader, error) {
	if len(buf) < headerSize {
		return nil, errShortPage
	}
	h := &databaseHeader{}
	copy(h.Magic[:], buf[:8])
	if string(h.Magic[:]) != headerMagic {
		return nil, errInvalidHeader
	}
	h.Version = binary.LittleEndian.Uint16(buf[8:10])
	if h.Version != headerVersion {
		return nil, errors.Errorf("storage: unsupported header version %d", h.Version)
	}
	h.PageCount = binary.LittleEndian.Uint32(buf[12:16])
	h.FreeListHead = binary.LittleEndian.Uint32(buf[16:20])
	h.CatalogSize = binary.LittleEndian.Uint32(buf[20:24])
	return h, nil
}

func writeHeader(buf []byte, h *databaseHeader) {
	copy(buf[:8], []byte(headerMagic))
	binary.LittleEndian.PutUint16(buf[8:10], h.Version)
	binary.LittleEndian.PutUint32(buf[12:16], h.PageCount)
	binary.LittleEndian.PutUint32(buf[16:20], h.FreeListHead)
	binary.LittleEndian.PutUint32(buf[20:24], h.CatalogSize)
}
