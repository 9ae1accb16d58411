// Package catalog keeps the table directory of a database: each table's
// name, column layout and the first and last page of its heap. The
// directory is serialised into the header page after every change.
package catalog

import (
	"bytes"
	"encoding/binary"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/elliott-wen/database-minisql/internal/record"
	"github.com/elliott-wen/database-minisql/internal/storage"
)

const formatVersion uint8 = 1

// Store persists the serialised catalog. storage.Manager implements it.
type Store interface {
	CatalogData() ([]byte, error)
	UpdateCatalog(payload []byte) error
}

// Table captures metadata for a user table.
type Table struct {
	Name      string
	Columns   []record.Column
	FirstPage storage.PageID
	LastPage  storage.PageID
}

// Schema builds the row layout of the table.
func (t *Table) Schema() (*record.Schema, error) {
	return record.NewSchema(t.Columns...)
}

func (t *Table) clone() *Table {
	out := *t
	out.Columns = make([]record.Column, len(t.Columns))
	copy(out.Columns, t.Columns)
	return &out
}

// Catalog holds definitions of all tables within the database. It is safe
// for concurrent use.
type Catalog struct {
	mu     sync.Mutex
	store  Store
	tables map[string]*Table
}

// Load constructs a catalog by reading the stored directory.
func Load(store Store) (*Catalog, error) {
	payload, err := store.CatalogData()
	if err != nil {
		return nil, errors.Wrap(err, "reading catalog")
	}
	cat := &Catalog{
		store:  store,
		tables: make(map[string]*Table),
	}
	if len(payload) == 0 {
		return cat, nil
	}
	tables, err := decode(payload)
	if err != nil {
		return nil, errors.Wrap(err, "decoding catalog")
	}
	for _, table := range tables {
		cat.tables[strings.ToLower(table.Name)] = table
	}
	return cat, nil
}

// CreateTable registers a table whose heap starts, and for now ends, at
// first.
func (c *Catalog) CreateTable(name string, columns []record.Column, first storage.PageID) (*Table, error) {
	if strings.TrimSpace(name) == "" {
		return nil, errors.New("catalog: table name required")
	}
	if _, err := record.NewSchema(columns...); err != nil {
		return nil, err
	}
	if !first.IsValid() {
		return nil, errors.Errorf("catalog: table %s needs a first page", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	lower := strings.ToLower(name)
	if _, exists := c.tables[lower]; exists {
		return nil, errors.Errorf("catalog: table %s already exists", name)
	}
	table := &Table{
		Name:      name,
		Columns:   append([]record.Column(nil), columns...),
		FirstPage: first,
		LastPage:  first,
	}
	c.tables[lower] = table
	if err := c.persistLocked(); err != nil {
		delete(c.tables, lower)
		return nil, err
	}
	return table.clone(), nil
}

// DropTable removes a table definition. Freeing its pages is up to the caller.
func (c *Catalog) DropTable(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	lower := strings.ToLower(name)
	table, ok := c.tables[lower]
	if !ok {
		return errors.Errorf("catalog: table %s does not exist", name)
	}
	delete(c.tables, lower)
	if err := c.persistLocked(); err != nil {
		c.tables[lower] = table
		return err
	}
	return nil
}

// GetTable retrieves a copy of the table metadata if present.
func (c *Catalog) GetTable(name string) (*Table, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	table, ok := c.tables[strings.ToLower(name)]
	if !ok {
		return nil, false
	}
	return table.clone(), true
}

// ListTables returns table metadata snapshots in name order.
func (c *Catalog) ListTables() []*Table {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	result := make([]*Table, 0, len(names))
	for _, lower := range names {
		result = append(result, c.tables[lower].clone())
	}
	return result
}

// SetExtent records the last page of a table's heap.
func (c *Catalog) SetExtent(name string, last storage.PageID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	table, ok := c.tables[strings.ToLower(name)]
	if !ok {
		return errors.Errorf("catalog: table %s not found", name)
	}
	if table.LastPage == last {
		return nil
	}
	prev := table.LastPage
	table.LastPage = last
	if err := c.persistLocked(); err != nil {
		table.LastPage = prev
		return err
	}
	return nil
}

func (c *Catalog) persistLocked() error {
	names := make([]string, 0, len(c.tables))
	for name := range c.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	tables := make([]*Table, 0, len(names))
	for _, name := range names {
		tables = append(tables, c.tables[name])
	}
	payload, err := encode(tables)
	if err != nil {
		return err
	}
	return errors.Wrap(c.store.UpdateCatalog(payload), "persisting catalog")
}

// Layout: version u8, table count u16, then per table its name, first and
// last page u32, column count u16 and per column name, type u8, length u16,
// precision u8, scale u8, not-null u8. Strings are u16-length prefixed.
func encode(tables []*Table) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte(formatVersion)
	if err := binary.Write(&buf, binary.LittleEndian, uint16(len(tables))); err != nil {
		return nil, err
	}
	for _, table := range tables {
		if err := writeString(&buf, table.Name); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, [2]uint32{uint32(table.FirstPage), uint32(table.LastPage)}); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, uint16(len(table.Columns))); err != nil {
			return nil, err
		}
		for _, col := range table.Columns {
			if err := writeString(&buf, col.Name); err != nil {
				return nil, err
			}
			notNull := uint8(0)
			if col.NotNull {
				notNull = 1
			}
			meta := struct {
				Type      uint8
				Length    uint16
				Precision uint8
				Scale     uint8
				NotNull   uint8
			}{uint8(col.Type), uint16(col.Length), uint8(col.Precision), uint8(col.Scale), notNull}
			if err := binary.Write(&buf, binary.LittleEndian, meta); err != nil {
				return nil, err
			}
		}
	}
	if buf.Len() > storage.PageSize {
		return nil, errors.Errorf("catalog: directory of %d bytes does not fit in the header page", buf.Len())
	}
	return buf.Bytes(), nil
}

func decode(payload []byte) ([]*Table, error) {
	r := bytes.NewReader(payload)
	version, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if version != formatVersion {
		return nil, errors.Errorf("catalog: unsupported format version %d", version)
	}
	var count uint16
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, err
	}
	tables := make([]*Table, 0, count)
	for i := uint16(0); i < count; i++ {
		name, err := readString(r)
		if err != nil {
			return nil, err
		}
		var pages [2]uint32
		if err := binary.Read(r, binary.LittleEndian, &pages); err != nil {
			return nil, err
		}
		var columnCount uint16
		if err := binary.Read(r, binary.LittleEndian, &columnCount); err != nil {
			return nil, err
		}
		cols := make([]record.Column, columnCount)
		for c := range cols {
			colName, err := readString(r)
			if err != nil {
				return nil, err
			}
			var meta struct {
				Type      uint8
				Length    uint16
				Precision uint8
				Scale     uint8
				NotNull   uint8
			}
			if err := binary.Read(r, binary.LittleEndian, &meta); err != nil {
				return nil, err
			}
			cols[c] = record.Column{
				Name:      colName,
				Type:      record.ColumnType(meta.Type),
				Length:    int(meta.Length),
				Precision: int(meta.Precision),
				Scale:     int(meta.Scale),
				NotNull:   meta.NotNull == 1,
			}
		}
		tables = append(tables, &Table{
			Name:      name,
			Columns:   cols,
			FirstPage: storage.PageID(pages[0]),
			LastPage:  storage.PageID(pages[1]),
		})
	}
	if r.Len() != 0 {
		return nil, errors.Errorf("catalog: %d trailing bytes", r.Len())
	}
	return tables, nil
}

func readString(r *bytes.Reader) (string, error) {
	var length uint16
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return "", err
	}
	return string(data), nil
}

func writeString(buf *bytes.Buffer, value string) error {
	if len(value) > 0xFFFF {
		return errors.Errorf("catalog: name too long")
	}
	if err := binary.Write(buf, binary.LittleEndian, uint16(len(value))); err != nil {
		return err
	}
	buf.WriteString(value)
	return nil
}
