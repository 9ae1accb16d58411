package record

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elliott-wen/database-minisql/internal/storage"
)

func TestRowLifecycle(t *testing.T) {
	rid := storage.RowID{Page: 3, Slot: 1}
	row := NewRow(rid)
	assert.Equal(t, rid, row.RowID())
	assert.False(t, row.IsMaterialized())
	assert.Nil(t, row.Values())

	row.SetValues([]interface{}{int32(1), "a"})
	assert.True(t, row.IsMaterialized())
	assert.Equal(t, 2, row.Len())
	assert.Equal(t, "a", row.Value(1))

	row.SetRowID(storage.RowID{Page: 4})
	assert.False(t, row.IsMaterialized())
	assert.Equal(t, 0, row.Len())
}

func TestRowCloneIsIndependent(t *testing.T) {
	values := []interface{}{int32(1), "a"}
	row := NewRowWithValues(storage.RowID{Page: 2}, values)
	values[1] = "changed"
	assert.Equal(t, "a", row.Value(1), "constructor copies values")

	clone := row.Clone()
	row.SetValues([]interface{}{int32(2), "b"})
	assert.Equal(t, "a", clone.Value(1))
	assert.Equal(t, storage.RowID{Page: 2}, clone.RowID())

	out := clone.Values()
	out[0] = int32(99)
	assert.Equal(t, int32(1), clone.Value(0), "Values returns a copy")
}

func TestNewSchemaValidation(t *testing.T) {
	_, err := NewSchema()
	assert.Error(t, err)
	_, err = NewSchema(Column{Name: "a", Type: ColumnTypeInt}, Column{Name: "A", Type: ColumnTypeInt})
	assert.Error(t, err, "duplicate names ignore case")
	_, err = NewSchema(Column{Name: "s", Type: ColumnTypeVarChar})
	assert.Error(t, err, "VARCHAR needs a length")
	_, err = NewSchema(Column{Name: "d", Type: ColumnTypeDecimal, Precision: 4, Scale: 5})
	assert.Error(t, err)

	schema, err := NewSchema(Column{Name: "id", Type: ColumnTypeInt}, Column{Name: "price", Type: ColumnTypeDecimal, Precision: 8, Scale: 2})
	require.NoError(t, err)
	idx, ok := schema.Index("PRICE")
	assert.True(t, ok)
	assert.Equal(t, 1, idx)
	assert.Equal(t, "DECIMAL(8,2)", schema.Column(1).Describe())
}

func TestParseColumn(t *testing.T) {
	for def, want := range map[string]Column{
		"id:INT!":             {Name: "id", Type: ColumnTypeInt, NotNull: true},
		"n:bigint":            {Name: "n", Type: ColumnTypeBigInt},
		"ok:boolean":          {Name: "ok", Type: ColumnTypeBoolean},
		"born:DATE":           {Name: "born", Type: ColumnTypeDate},
		"at:timestamp !":      {Name: "at", Type: ColumnTypeTimestamp, NotNull: true},
		"name:VARCHAR(32)":    {Name: "name", Type: ColumnTypeVarChar, Length: 32},
		"price:decimal(8, 2)": {Name: "price", Type: ColumnTypeDecimal, Precision: 8, Scale: 2},
	} {
		t.Run(def, func(t *testing.T) {
			col, err := ParseColumn(def)
			require.NoError(t, err)
			assert.Equal(t, want, col)
		})
	}

	for _, def := range []string{
		"id",
		":INT",
		"id:FLOAT",
		"name:VARCHAR",
		"name:VARCHAR(0)",
		"name:VARCHAR(x)",
		"name:VARCHAR(3",
		"price:DECIMAL(8)",
		"id:INT(4)",
	} {
		_, err := ParseColumn(def)
		assert.Error(t, err, def)
	}
}
