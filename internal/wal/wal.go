// Package wal implements the write-ahead log: an append-only file of
// CRC-checked records carrying full heap page images and transaction
// outcomes. The log is replayed when a database is opened and truncated once
// every page it describes has been flushed.
package wal

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
)

// RecordType identifies the kind of WAL record stored on disk.
type RecordType uint8

const (
	// RecordInsert carries a heap page image after an insert.
	RecordInsert RecordType = 1 + iota
	// RecordUpdate carries a heap page image after an update.
	RecordUpdate
	// RecordDelete carries a heap page image after a delete mark, delete or
	// its rollback.
	RecordDelete
	// RecordPageMeta carries the image of a freshly initialised page.
	RecordPageMeta
	// RecordCommit marks a committed transaction.
	RecordCommit
	// RecordAbort marks an aborted transaction.
	RecordAbort
	// RecordLink points the page at PageID to the page whose id is the
	// little-endian u32 payload. The rest of the page is left alone.
	RecordLink
)

func (t RecordType) String() string {
	switch t {
	case RecordInsert:
		return "insert"
	case RecordUpdate:
		return "update"
	case RecordDelete:
		return "delete"
	case RecordPageMeta:
		return "page-meta"
	case RecordCommit:
		return "commit"
	case RecordAbort:
		return "abort"
	case RecordLink:
		return "link"
	default:
		return "unknown"
	}
}

// HasPageImage reports whether records of this type carry a page payload.
func (t RecordType) HasPageImage() bool {
	return t >= RecordInsert && t <= RecordPageMeta
}

// Record exposes the parsed representation of a WAL entry.
type Record struct {
	LSN     uint64
	TxnID   uint64
	PrevLSN uint64
	Type    RecordType
	PageID  uint32
	Payload []byte
}

// Record framing: a 4-byte length, then the header, payload and a CRC32 of
// header and payload.
const (
	recordHeaderSize = 8 + 8 + 8 + 1 + 3 + 4 + 4 // LSN, TxnID, PrevLSN, Type+pad, PageID, PayloadLen
	lengthFieldSize  = 4
	checksumSize     = 4
)

// Manager coordinates access to the WAL file.
type Manager struct {
	mu           sync.Mutex
	file         *os.File
	path         string
	lastLSN      uint64
	bytesWritten uint64
}

// Path returns the log location used for a database file.
func Path(dbPath string) string {
	return dbPath + ".wal"
}

// Open initialises a WAL manager anchored to the supplied database path. A
// torn or corrupt tail left by a crash is truncated away.
func Open(dbPath string) (*Manager, error) {
	walPath := Path(dbPath)
	file, err := os.OpenFile(walPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening log '%s'", walPath)
	}
	m := &Manager{file: file, path: walPath}
	if err := m.bootstrap(); err != nil {
		file.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) bootstrap() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var valid uint64
	err := m.readAllLocked(func(rec Record, size uint64) {
		if rec.LSN > m.lastLSN {
			m.lastLSN = rec.LSN
		}
		valid += size
	})
	if err != nil {
		return err
	}
	if err := m.file.Truncate(int64(valid)); err != nil {
		return errors.Wrap(err, "truncating torn log tail")
	}
	if _, err := m.file.Seek(int64(valid), io.SeekStart); err != nil {
		return errors.Wrap(err, "seeking log end")
	}
	m.bytesWritten = valid
	return nil
}

// readAllLocked walks the log from the start, stopping silently at the
// first short or corrupt record.
func (m *Manager) readAllLocked(fn func(rec Record, size uint64)) error {
	if _, err := m.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "seeking log start")
	}
	var lenBuf [lengthFieldSize]byte
	for {
		if _, err := io.ReadFull(m.file, lenBuf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return errors.Wrap(err, "reading log")
		}
		length := binary.LittleEndian.Uint32(lenBuf[:])
		if length < recordHeaderSize+checksumSize {
			return nil
		}
		recBuf := make([]byte, length)
		if _, err := io.ReadFull(m.file, recBuf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return errors.Wrap(err, "reading log")
		}
		stored := binary.LittleEndian.Uint32(recBuf[length-checksumSize:])
		if crc32.ChecksumIEEE(recBuf[:length-checksumSize]) != stored {
			return nil
		}
		rec, ok := decodeRecord(recBuf[:length-checksumSize])
		if !ok {
			return nil
		}
		fn(rec, uint64(lengthFieldSize)+uint64(length))
	}
}

// Close releases the file handle.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil
	return errors.Wrap(err, "closing log")
}

// Append writes a record to the WAL, returning the assigned LSN. A nil
// manager accepts and drops every record.
func (m *Manager) Append(txnID, prevLSN uint64, typ RecordType, pageID uint32, payload []byte) (uint64, error) {
	if m == nil {
		return 0, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	lsn := m.lastLSN + 1
	buf := encodeRecord(Record{
		LSN:     lsn,
		TxnID:   txnID,
		PrevLSN: prevLSN,
		Type:    typ,
		PageID:  pageID,
		Payload: payload,
	})
	if _, err := m.file.Write(buf); err != nil {
		return 0, errors.Wrapf(err, "appending %s record", typ)
	}
	m.lastLSN = lsn
	m.bytesWritten += uint64(len(buf))
	return lsn, nil
}

// Sync forces the WAL contents to durable storage.
func (m *Manager) Sync() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return errors.Wrap(m.file.Sync(), "syncing log")
}

// Reset discards every record. Callers must have flushed all pages the log
// describes first. LSNs keep increasing across a reset.
func (m *Manager) Reset() error {
	if m == nil {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.file.Truncate(0); err != nil {
		return errors.Wrap(err, "truncating log")
	}
	if _, err := m.file.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "seeking log start")
	}
	m.bytesWritten = 0
	return errors.Wrap(m.file.Sync(), "syncing log")
}

// LastLSN returns the last assigned log sequence number.
func (m *Manager) LastLSN() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLSN
}

// BytesWritten returns the size of the log in bytes.
func (m *Manager) BytesWritten() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.bytesWritten
}

// Scan reads the WAL from the beginning and returns the valid records.
func (m *Manager) Scan() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	records := make([]Record, 0)
	if err := m.readAllLocked(func(rec Record, _ uint64) {
		records = append(records, rec)
	}); err != nil {
		return nil, err
	}
	_, err := m.file.Seek(0, io.SeekEnd)
	return records, errors.Wrap(err, "seeking log end")
}

// Committed returns the ids of transactions with a commit record. Records
// written outside a transaction use id 0 and always count as committed.
func Committed(records []Record) map[uint64]bool {
	out := map[uint64]bool{0: true}
	for _, rec := range records {
		if rec.Type == RecordCommit {
			out[rec.TxnID] = true
		}
	}
	return out
}

func encodeRecord(rec Record) []byte {
	payloadLen := len(rec.Payload)
	length := recordHeaderSize + payloadLen + checksumSize
	buf := make([]byte, lengthFieldSize+length)
	binary.LittleEndian.PutUint32(buf[:lengthFieldSize], uint32(length))
	body := buf[lengthFieldSize:]
	binary.LittleEndian.PutUint64(body[0:8], rec.LSN)
	binary.LittleEndian.PutUint64(body[8:16], rec.TxnID)
	binary.LittleEndian.PutUint64(body[16:24], rec.PrevLSN)
	body[24] = byte(rec.Type)
	binary.LittleEndian.PutUint32(body[28:32], rec.PageID)
	binary.LittleEndian.PutUint32(body[32:36], uint32(payloadLen))
	copy(body[recordHeaderSize:], rec.Payload)
	checksum := crc32.ChecksumIEEE(body[:recordHeaderSize+payloadLen])
	binary.LittleEndian.PutUint32(body[recordHeaderSize+payloadLen:], checksum)
	return buf
}

func decodeRecord(buf []byte) (Record, bool) {
	if len(buf) < recordHeaderSize {
		return Record{}, false
	}
	payloadLen := int(binary.LittleEndian.Uint32(buf[32:36]))
	if recordHeaderSize+payloadLen != len(buf) {
		return Record{}, false
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[recordHeaderSize:])
	return Record{
		LSN:     binary.LittleEndian.Uint64(buf[0:8]),
		TxnID:   binary.LittleEndian.Uint64(buf[8:16]),
		PrevLSN: binary.LittleEndian.Uint64(buf[16:24]),
		Type:    RecordType(buf[24]),
		PageID:  binary.LittleEndian.Uint32(buf[28:32]),
		Payload: payload,
	}, true
}
