package table

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/elliott-wen/database-minisql/internal/storage"
)

// ProgrammingError reports misuse of an iterator by its caller, such as
// dereferencing or advancing an iterator that is already at the end of the
// scan. It is raised with panic, never returned.
type ProgrammingError struct {
	Op string
}

func (e *ProgrammingError) Error() string {
	return fmt.Sprintf("table: %s called on an iterator at end of scan", e.Op)
}

// StorageInconsistencyError reports a heap whose page chain cannot be walked:
// a page the chain names cannot be fetched, or the chain stops before the
// heap's last page. Nothing at this layer retries or repairs it.
type StorageInconsistencyError struct {
	Table string
	Page  storage.PageID
	Op    string
	Err   error
}

func (e *StorageInconsistencyError) Error() string {
	msg := fmt.Sprintf("table: storage inconsistency in %q at page %d while %s", e.Table, e.Page, e.Op)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying failure.
func (e *StorageInconsistencyError) Unwrap() error { return e.Err }

// Cause returns the underlying failure for errors.Cause.
func (e *StorageInconsistencyError) Cause() error { return e.Err }

// IsStorageInconsistency reports whether err is, or wraps, a
// StorageInconsistencyError.
func IsStorageInconsistency(err error) bool {
	var target *StorageInconsistencyError
	return errors.As(err, &target)
}

// errBrokenChain is the cause recorded when a chain ends early.
var errBrokenChain = errors.New("page chain ends before the last page of the heap")

// errBrokenBackLink is the cause recorded when a page does not link back to
// the page the chain reached it from.
var errBrokenBackLink = errors.New("page chain back link does not match")
