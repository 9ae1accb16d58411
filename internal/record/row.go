package record

import (
	"fmt"
	"strings"

	"github.com/elliott-wen/database-minisql/internal/storage"
)

// Row is a row address plus its field values. A row built from an address
// alone is located but not materialized; filling it from its table heap sets
// the values.
type Row struct {
	rid          storage.RowID
	values       []interface{}
	materialized bool
}

// NewRow returns the unmaterialized row at rid.
func NewRow(rid storage.RowID) Row {
	return Row{rid: rid}
}

// NewRowWithValues returns a materialized row holding a copy of values.
func NewRowWithValues(rid storage.RowID, values []interface{}) Row {
	r := Row{rid: rid}
	r.SetValues(values)
	return r
}

// RowID returns the row address.
func (r *Row) RowID() storage.RowID {
	return r.rid
}

// SetRowID moves the row to a new address and drops its values.
func (r *Row) SetRowID(rid storage.RowID) {
	r.rid = rid
	r.values = nil
	r.materialized = false
}

// IsMaterialized reports whether the field values are set.
func (r *Row) IsMaterialized() bool {
	return r.materialized
}

// SetValues materializes the row with a copy of values.
func (r *Row) SetValues(values []interface{}) {
	r.values = make([]interface{}, len(values))
	copy(r.values, values)
	r.materialized = true
}

// Len returns the number of field values.
func (r *Row) Len() int {
	return len(r.values)
}

// Value returns the i-th field value.
func (r *Row) Value(i int) interface{} {
	return r.values[i]
}

// Values returns a copy of the field values.
func (r *Row) Values() []interface{} {
	if r.values == nil {
		return nil
	}
	out := make([]interface{}, len(r.values))
	copy(out, r.values)
	return out
}

// Clone returns an independent copy of the row. Field values are immutable
// scalars, so copying the slice is a deep copy.
func (r *Row) Clone() Row {
	out := Row{rid: r.rid, materialized: r.materialized}
	if r.values != nil {
		out.values = make([]interface{}, len(r.values))
		copy(out.values, r.values)
	}
	return out
}

func (r *Row) String() string {
	if !r.materialized {
		return r.rid.String()
	}
	cells := make([]string, len(r.values))
	for i, v := range r.values {
		cells[i] = FormatValue(v)
	}
	return fmt.Sprintf("%s [%s]", r.rid, strings.Join(cells, ", "))
}
