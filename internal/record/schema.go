// Package record defines table schemas, the Row type handed out by table
// iterators, and the binary encoding of row payloads.
package record

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ColumnType enumerates supported column kinds.
type ColumnType uint8

const (
	ColumnTypeInt ColumnType = iota
	ColumnTypeBigInt
	ColumnTypeVarChar
	ColumnTypeBoolean
	ColumnTypeDate
	ColumnTypeTimestamp
	ColumnTypeDecimal
)

func (t ColumnType) String() string {
	switch t {
	case ColumnTypeInt:
		return "INT"
	case ColumnTypeBigInt:
		return "BIGINT"
	case ColumnTypeVarChar:
		return "VARCHAR"
	case ColumnTypeBoolean:
		return "BOOLEAN"
	case ColumnTypeDate:
		return "DATE"
	case ColumnTypeTimestamp:
		return "TIMESTAMP"
	case ColumnTypeDecimal:
		return "DECIMAL"
	default:
		return "UNKNOWN"
	}
}

// Column describes a table column.
type Column struct {
	Name      string
	Type      ColumnType
	Length    int
	Precision int
	Scale     int
	NotNull   bool
}

const maxVarCharLength = 0x7FFF

// Validate checks the type parameters of the column.
func (c Column) Validate() error {
	if c.Name == "" {
		return errors.New("record: column name required")
	}
	switch c.Type {
	case ColumnTypeVarChar:
		if c.Length <= 0 || c.Length > maxVarCharLength {
			return errors.Errorf("record: VARCHAR length for column %s must be in [1, %d]", c.Name, maxVarCharLength)
		}
	case ColumnTypeDecimal:
		if c.Precision <= 0 || c.Precision > 18 {
			return errors.Errorf("record: DECIMAL precision for column %s must be in [1, 18]", c.Name)
		}
		if c.Scale < 0 || c.Scale > c.Precision {
			return errors.Errorf("record: DECIMAL scale for column %s must be in [0, precision]", c.Name)
		}
	case ColumnTypeInt, ColumnTypeBigInt, ColumnTypeBoolean, ColumnTypeDate, ColumnTypeTimestamp:
	default:
		return errors.Errorf("record: unsupported column type %d", c.Type)
	}
	return nil
}

// Describe renders the column type the way DDL spells it.
func (c Column) Describe() string {
	switch c.Type {
	case ColumnTypeVarChar:
		return "VARCHAR(" + strconv.Itoa(c.Length) + ")"
	case ColumnTypeDecimal:
		return "DECIMAL(" + strconv.Itoa(c.Precision) + "," + strconv.Itoa(c.Scale) + ")"
	default:
		return c.Type.String()
	}
}

// Schema is the ordered, immutable column list of a table.
type Schema struct {
	columns []Column
}

// NewSchema validates the columns and rejects duplicate names.
func NewSchema(columns ...Column) (*Schema, error) {
	if len(columns) == 0 {
		return nil, errors.New("record: schema requires at least one column")
	}
	seen := make(map[string]struct{}, len(columns))
	cols := make([]Column, len(columns))
	for i, col := range columns {
		if err := col.Validate(); err != nil {
			return nil, err
		}
		key := strings.ToLower(col.Name)
		if _, ok := seen[key]; ok {
			return nil, errors.Errorf("record: duplicate column %s", col.Name)
		}
		seen[key] = struct{}{}
		cols[i] = col
	}
	return &Schema{columns: cols}, nil
}

// Len returns the number of columns.
func (s *Schema) Len() int {
	return len(s.columns)
}

// Column returns the i-th column.
func (s *Schema) Column(i int) Column {
	return s.columns[i]
}

// Columns returns a copy of the column list.
func (s *Schema) Columns() []Column {
	out := make([]Column, len(s.columns))
	copy(out, s.columns)
	return out
}

// Index returns the position of the named column, ignoring case.
func (s *Schema) Index(name string) (int, bool) {
	for i, col := range s.columns {
		if strings.EqualFold(col.Name, name) {
			return i, true
		}
	}
	return -1, false
}

// ParseColumn reads a column definition of the form name:TYPE, where TYPE is
// spelled as Describe renders it. A trailing "!" marks the column NOT NULL.
func ParseColumn(def string) (Column, error) {
	name, typ, ok := strings.Cut(def, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return Column{}, errors.Errorf("record: column definition %q is not name:TYPE", def)
	}
	col := Column{Name: name}
	typ = strings.ToUpper(strings.TrimSpace(typ))
	if strings.HasSuffix(typ, "!") {
		col.NotNull = true
		typ = strings.TrimSpace(strings.TrimSuffix(typ, "!"))
	}
	base, args := typ, ""
	if open := strings.IndexByte(typ, '('); open >= 0 {
		if !strings.HasSuffix(typ, ")") {
			return Column{}, errors.Errorf("record: unterminated type parameters in %q", def)
		}
		base, args = strings.TrimSpace(typ[:open]), typ[open+1:len(typ)-1]
	}
	params, err := parseTypeParams(args)
	if err != nil {
		return Column{}, errors.Wrapf(err, "parsing column %s", name)
	}
	expect := 0
	switch base {
	case "INT", "INTEGER":
		col.Type = ColumnTypeInt
	case "BIGINT":
		col.Type = ColumnTypeBigInt
	case "BOOL", "BOOLEAN":
		col.Type = ColumnTypeBoolean
	case "DATE":
		col.Type = ColumnTypeDate
	case "TIMESTAMP":
		col.Type = ColumnTypeTimestamp
	case "VARCHAR":
		col.Type, expect = ColumnTypeVarChar, 1
		if len(params) == 1 {
			col.Length = params[0]
		}
	case "DECIMAL":
		col.Type, expect = ColumnTypeDecimal, 2
		if len(params) == 2 {
			col.Precision, col.Scale = params[0], params[1]
		}
	default:
		return Column{}, errors.Errorf("record: unknown type %q for column %s", base, name)
	}
	if len(params) != expect {
		return Column{}, errors.Errorf("record: type %s takes %d parameter(s), got %d", base, expect, len(params))
	}
	return col, col.Validate()
}

func parseTypeParams(args string) ([]int, error) {
	if strings.TrimSpace(args) == "" {
		return nil, nil
	}
	parts := strings.Split(args, ",")
	out := make([]int, len(parts))
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return nil, errors.Wrapf(err, "type parameter %q", part)
		}
		out[i] = v
	}
	return out, nil
}
