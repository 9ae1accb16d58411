package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// InvalidPageID marks the absence of a page. Page 0 holds the database header
// and never stores rows, so it doubles as the "no page" value in page links
// and row identifiers.
const InvalidPageID PageID = 0

// IsValid reports whether the id can address a heap page.
func (id PageID) IsValid() bool {
	return id != InvalidPageID
}

// RowID uniquely identifies a record stored within a table heap. It combines
// the physical page identifier with the slot offset inside that page. The pair
// is stable for the lifetime of the row.
type RowID struct {
	Page PageID
	Slot uint16
}

// InvalidRowID is the address used for the end-of-scan position.
var InvalidRowID = RowID{Page: InvalidPageID}

// IsValid reports whether the row id points at a real page.
func (r RowID) IsValid() bool {
	return r.Page.IsValid()
}

func (r RowID) String() string {
	if !r.IsValid() {
		return "(invalid)"
	}
	return fmt.Sprintf("(%d,%d)", r.Page, r.Slot)
}

// ParseRowID reads a row id written as page:slot or in the (page,slot) form
// String produces.
func ParseRowID(text string) (RowID, error) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(strings.TrimSpace(text), "("), ")")
	page, slot, ok := strings.Cut(trimmed, ":")
	if !ok {
		page, slot, ok = strings.Cut(trimmed, ",")
	}
	if !ok {
		return InvalidRowID, errors.Errorf("storage: row id %q is not page:slot", text)
	}
	p, err := strconv.ParseUint(strings.TrimSpace(page), 10, 32)
	if err != nil {
		return InvalidRowID, errors.Wrapf(err, "parsing page of row id %q", text)
	}
	s, err := strconv.ParseUint(strings.TrimSpace(slot), 10, 16)
	if err != nil {
		return InvalidRowID, errors.Wrapf(err, "parsing slot of row id %q", text)
	}
	rid := RowID{Page: PageID(p), Slot: uint16(s)}
	if !rid.IsValid() {
		return InvalidRowID, errors.Errorf("storage: row id %q names the header page", text)
	}
	return rid, nil
}
