package storage

import (
	"encoding/binary"
	"sort"

	"github.com/pkg/errors"
)

// Table page layout:
//
//	[0:4)   page id
//	[4:8)   previous page id
//	[8:12)  next page id
//	[12:14) slot count
//	[14:16) free start (end of record area)
//	[16:24) reserved
//
// Records grow upwards from the header, the slot directory grows downwards
// from the end of the page. Slot i lives at PageSize-(i+1)*slotSize and holds
// the record offset and length.
const (
	tablePageHeaderSize = 24
	slotSize            = 4

	deleteMask = uint16(0x8000)
	lengthMask = uint16(0x7FFF)
)

// MaxRecordSize is the largest record a single table page can hold.
const MaxRecordSize = PageSize - tablePageHeaderSize - slotSize

var (
	// ErrPageFull is returned when a record does not fit in the page.
	ErrPageFull = errors.New("storage: insufficient free space in page")
	// ErrSlotEmpty is returned when a slot holds no live record.
	ErrSlotEmpty = errors.New("storage: slot is empty")
)

// TablePage is a view over a page buffer laid out as a slotted heap page. It
// does no locking; callers hold the page latch of the frame owning the buffer.
type TablePage struct {
	data []byte
}

// InitTablePage prepares a blank table page linked after prev.
func InitTablePage(buf []byte, id, prev PageID) (*TablePage, error) {
	if len(buf) != PageSize {
		return nil, errShortPage
	}
	for i := range buf {
		buf[i] = 0
	}
	p := &TablePage{data: buf}
	binary.LittleEndian.PutUint32(buf[0:4], uint32(id))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(prev))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(InvalidPageID))
	p.setSlotCount(0)
	p.setFreeStart(tablePageHeaderSize)
	return p, nil
}

// LoadTablePage wraps an existing page buffer. The id stored in the page must
// match the id it was fetched under.
func LoadTablePage(id PageID, buf []byte) (*TablePage, error) {
	if len(buf) != PageSize {
		return nil, errShortPage
	}
	p := &TablePage{data: buf}
	if p.ID() != id {
		return nil, errors.Errorf("storage: page %d is not a table page (header names page %d)", id, p.ID())
	}
	return p, nil
}

// ID returns the id recorded in the page header.
func (p *TablePage) ID() PageID {
	return PageID(binary.LittleEndian.Uint32(p.data[0:4]))
}

// PrevPageID returns the page linked before this one.
func (p *TablePage) PrevPageID() PageID {
	return PageID(binary.LittleEndian.Uint32(p.data[4:8]))
}

// NextPageID returns the successor page, or InvalidPageID at the tail.
func (p *TablePage) NextPageID() PageID {
	return PageID(binary.LittleEndian.Uint32(p.data[8:12]))
}

// SetNextPageID updates the link to the successor page.
func (p *TablePage) SetNextPageID(id PageID) {
	binary.LittleEndian.PutUint32(p.data[8:12], uint32(id))
}

// SetPrevPageID updates the link to the predecessor page.
func (p *TablePage) SetPrevPageID(id PageID) {
	binary.LittleEndian.PutUint32(p.data[4:8], uint32(id))
}

// SlotCount returns the number of slot directory entries, live or not.
func (p *TablePage) SlotCount() uint16 {
	return binary.LittleEndian.Uint16(p.data[12:14])
}

func (p *TablePage) setSlotCount(n uint16) {
	binary.LittleEndian.PutUint16(p.data[12:14], n)
}

func (p *TablePage) freeStart() int {
	return int(binary.LittleEndian.Uint16(p.data[14:16]))
}

func (p *TablePage) setFreeStart(v int) {
	binary.LittleEndian.PutUint16(p.data[14:16], uint16(v))
}

func (p *TablePage) freeEnd() int {
	return PageSize - int(p.SlotCount())*slotSize
}

func slotPos(slot uint16) int {
	return PageSize - (int(slot)+1)*slotSize
}

func (p *TablePage) slot(slot uint16) (offset, length uint16) {
	pos := slotPos(slot)
	return binary.LittleEndian.Uint16(p.data[pos : pos+2]), binary.LittleEndian.Uint16(p.data[pos+2 : pos+4])
}

func (p *TablePage) setSlot(slot, offset, length uint16) {
	pos := slotPos(slot)
	binary.LittleEndian.PutUint16(p.data[pos:pos+2], offset)
	binary.LittleEndian.PutUint16(p.data[pos+2:pos+4], length)
}

func (p *TablePage) live(slot uint16) bool {
	_, length := p.slot(slot)
	return length != 0 && length&deleteMask == 0
}

// FreeSpace returns the number of bytes available for a new record and its
// slot entry.
func (p *TablePage) FreeSpace() int {
	return p.freeEnd() - p.freeStart()
}

// LiveRows counts the records that a scan would return.
func (p *TablePage) LiveRows() int {
	n := 0
	for i := uint16(0); i < p.SlotCount(); i++ {
		if p.live(i) {
			n++
		}
	}
	return n
}

// FirstRow returns the first live row on the page.
func (p *TablePage) FirstRow() (RowID, bool) {
	return p.scanFrom(0)
}

// NextRowAfter returns the first live row whose slot follows rid's slot.
func (p *TablePage) NextRowAfter(rid RowID) (RowID, bool) {
	return p.scanFrom(int(rid.Slot) + 1)
}

func (p *TablePage) scanFrom(start int) (RowID, bool) {
	for i := start; i < int(p.SlotCount()); i++ {
		if p.live(uint16(i)) {
			return RowID{Page: p.ID(), Slot: uint16(i)}, true
		}
	}
	return InvalidRowID, false
}

// Insert stores the record, reusing an emptied slot when one exists. When the
// free gap is too small the page is compacted before giving up.
func (p *TablePage) Insert(record []byte) (RowID, error) {
	if len(record) == 0 || len(record) > MaxRecordSize {
		return InvalidRowID, errors.Errorf("storage: record size %d out of range", len(record))
	}
	target, required := p.placement(len(record))
	if required > p.FreeSpace() {
		p.compact()
		target, required = p.placement(len(record))
	}
	if required > p.FreeSpace() {
		return InvalidRowID, errors.Wrapf(ErrPageFull, "inserting %d bytes into page %d", len(record), p.ID())
	}
	offset := p.freeStart()
	copy(p.data[offset:], record)
	p.setFreeStart(offset + len(record))
	if target == p.SlotCount() {
		p.setSlotCount(target + 1)
	}
	p.setSlot(target, uint16(offset), uint16(len(record)))
	return RowID{Page: p.ID(), Slot: target}, nil
}

// placement picks the slot for a new record of size bytes and the space the
// insert needs.
func (p *TablePage) placement(size int) (uint16, int) {
	for i := uint16(0); i < p.SlotCount(); i++ {
		if _, length := p.slot(i); length == 0 {
			return i, size
		}
	}
	return p.SlotCount(), size + slotSize
}

// Record returns the bytes of a live record. The slice aliases the page.
func (p *TablePage) Record(slot uint16) ([]byte, error) {
	if slot >= p.SlotCount() {
		return nil, errors.Errorf("storage: slot %d out of bounds on page %d", slot, p.ID())
	}
	if !p.live(slot) {
		return nil, errors.Wrapf(ErrSlotEmpty, "reading slot %d on page %d", slot, p.ID())
	}
	offset, length := p.slot(slot)
	if int(offset)+int(length) > PageSize {
		return nil, errors.Errorf("storage: corrupt slot %d on page %d", slot, p.ID())
	}
	return p.data[offset : offset+length], nil
}

// MarkDelete hides the record from scans without releasing it, so the
// deletion can still be rolled back.
func (p *TablePage) MarkDelete(slot uint16) error {
	if slot >= p.SlotCount() || !p.live(slot) {
		return errors.Wrapf(ErrSlotEmpty, "marking slot %d on page %d", slot, p.ID())
	}
	offset, length := p.slot(slot)
	p.setSlot(slot, offset, length|deleteMask)
	return nil
}

// RollbackDelete clears a delete mark.
func (p *TablePage) RollbackDelete(slot uint16) error {
	if slot >= p.SlotCount() {
		return errors.Errorf("storage: slot %d out of bounds on page %d", slot, p.ID())
	}
	offset, length := p.slot(slot)
	if length&deleteMask == 0 {
		return errors.Errorf("storage: slot %d on page %d is not marked deleted", slot, p.ID())
	}
	p.setSlot(slot, offset, length&lengthMask)
	return nil
}

// ApplyDelete empties the slot. The slot is reused by a later insert and the
// record bytes are reclaimed the next time the page is compacted.
func (p *TablePage) ApplyDelete(slot uint16) error {
	if slot >= p.SlotCount() {
		return errors.Errorf("storage: slot %d out of bounds on page %d", slot, p.ID())
	}
	if _, length := p.slot(slot); length == 0 {
		return errors.Wrapf(ErrSlotEmpty, "deleting slot %d on page %d", slot, p.ID())
	}
	p.setSlot(slot, 0, 0)
	return nil
}

// Update replaces a live record, in place when it fits in the old space and
// otherwise at the end of the record area.
func (p *TablePage) Update(slot uint16, record []byte) error {
	if len(record) == 0 || len(record) > MaxRecordSize {
		return errors.Errorf("storage: record size %d out of range", len(record))
	}
	if slot >= p.SlotCount() || !p.live(slot) {
		return errors.Wrapf(ErrSlotEmpty, "updating slot %d on page %d", slot, p.ID())
	}
	offset, length := p.slot(slot)
	if len(record) <= int(length) {
		copy(p.data[offset:], record)
		p.setSlot(slot, offset, uint16(len(record)))
		return nil
	}
	if len(record) > p.FreeSpace() {
		p.compact()
	}
	if len(record) > p.FreeSpace() {
		return errors.Wrapf(ErrPageFull, "updating slot %d on page %d", slot, p.ID())
	}
	start := p.freeStart()
	copy(p.data[start:], record)
	p.setFreeStart(start + len(record))
	p.setSlot(slot, uint16(start), uint16(len(record)))
	return nil
}

// compact slides every occupied record, delete-marked ones included, down
// against the header in offset order and drops trailing empty slots. Slot
// numbers of occupied records do not change.
func (p *TablePage) compact() {
	count := p.SlotCount()
	for count > 0 {
		if _, length := p.slot(count - 1); length != 0 {
			break
		}
		count--
	}
	p.setSlotCount(count)

	occupied := make([]uint16, 0, count)
	for i := uint16(0); i < count; i++ {
		if _, length := p.slot(i); length != 0 {
			occupied = append(occupied, i)
		}
	}
	sort.Slice(occupied, func(a, b int) bool {
		oa, _ := p.slot(occupied[a])
		ob, _ := p.slot(occupied[b])
		return oa < ob
	})

	next := tablePageHeaderSize
	for _, i := range occupied {
		offset, length := p.slot(i)
		size := int(length & lengthMask)
		copy(p.data[next:next+size], p.data[int(offset):int(offset)+size])
		p.setSlot(i, uint16(next), length)
		next += size
	}
	p.setFreeStart(next)
}

// Data exposes the underlying buffer.
func (p *TablePage) Data() []byte {
	return p.data
}
