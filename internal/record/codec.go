package record

import (
	"encoding/binary"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const dateLayout = "2006-01-02"

// Encode serialises values according to the schema. Each column is a
// presence byte followed by the fixed or length-prefixed value.
func Encode(schema *Schema, values []interface{}) ([]byte, error) {
	if len(values) != schema.Len() {
		return nil, errors.Errorf("record: column count %d does not match value count %d", schema.Len(), len(values))
	}
	buf := make([]byte, 0, 64)
	for i, col := range schema.columns {
		value := values[i]
		if value == nil {
			if col.NotNull {
				return nil, errors.Errorf("record: column %s is NOT NULL", col.Name)
			}
			buf = append(buf, 0)
			continue
		}
		buf = append(buf, 1)
		switch col.Type {
		case ColumnTypeInt:
			v, ok := value.(int32)
			if !ok {
				return nil, errors.Errorf("record: expected int32 value for column %s, got %T", col.Name, value)
			}
			buf = binary.LittleEndian.AppendUint32(buf, uint32(v))
		case ColumnTypeBigInt:
			v, ok := value.(int64)
			if !ok {
				return nil, errors.Errorf("record: expected int64 value for column %s, got %T", col.Name, value)
			}
			buf = binary.LittleEndian.AppendUint64(buf, uint64(v))
		case ColumnTypeBoolean:
			v, ok := value.(bool)
			if !ok {
				return nil, errors.Errorf("record: expected bool value for column %s, got %T", col.Name, value)
			}
			if v {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case ColumnTypeVarChar:
			str, ok := value.(string)
			if !ok {
				return nil, errors.Errorf("record: expected string value for column %s, got %T", col.Name, value)
			}
			if len(str) > col.Length {
				return nil, errors.Errorf("record: value for column %s exceeds length %d", col.Name, col.Length)
			}
			buf = binary.LittleEndian.AppendUint16(buf, uint16(len(str)))
			buf = append(buf, str...)
		case ColumnTypeDate:
			t, ok := value.(time.Time)
			if !ok {
				return nil, errors.Errorf("record: expected time value for column %s, got %T", col.Name, value)
			}
			days := t.UTC().Truncate(24*time.Hour).Unix() / 86400
			buf = binary.LittleEndian.AppendUint32(buf, uint32(int32(days)))
		case ColumnTypeTimestamp:
			t, ok := value.(time.Time)
			if !ok {
				return nil, errors.Errorf("record: expected time value for column %s, got %T", col.Name, value)
			}
			buf = binary.LittleEndian.AppendUint64(buf, uint64(t.UTC().UnixNano()))
		case ColumnTypeDecimal:
			dec, ok := value.(decimal.Decimal)
			if !ok {
				return nil, errors.Errorf("record: expected decimal value for column %s, got %T", col.Name, value)
			}
			scaled, err := decimalToScaledInt(dec, col)
			if err != nil {
				return nil, err
			}
			buf = binary.LittleEndian.AppendUint64(buf, uint64(scaled))
		default:
			return nil, errors.Errorf("record: unsupported column type %d", col.Type)
		}
	}
	return buf, nil
}

// Decode converts an encoded payload back into typed values.
func Decode(schema *Schema, data []byte) ([]interface{}, error) {
	values := make([]interface{}, schema.Len())
	pos := 0
	need := func(col Column, n int) error {
		if pos+n > len(data) {
			return errors.Errorf("record: truncated record for column %s", col.Name)
		}
		return nil
	}
	for i, col := range schema.columns {
		if err := need(col, 1); err != nil {
			return nil, err
		}
		present := data[pos]
		pos++
		if present == 0 {
			continue
		}
		switch col.Type {
		case ColumnTypeInt:
			if err := need(col, 4); err != nil {
				return nil, err
			}
			values[i] = int32(binary.LittleEndian.Uint32(data[pos:]))
			pos += 4
		case ColumnTypeBigInt:
			if err := need(col, 8); err != nil {
				return nil, err
			}
			values[i] = int64(binary.LittleEndian.Uint64(data[pos:]))
			pos += 8
		case ColumnTypeBoolean:
			if err := need(col, 1); err != nil {
				return nil, err
			}
			values[i] = data[pos] == 1
			pos++
		case ColumnTypeVarChar:
			if err := need(col, 2); err != nil {
				return nil, err
			}
			length := int(binary.LittleEndian.Uint16(data[pos:]))
			pos += 2
			if err := need(col, length); err != nil {
				return nil, err
			}
			values[i] = string(data[pos : pos+length])
			pos += length
		case ColumnTypeDate:
			if err := need(col, 4); err != nil {
				return nil, err
			}
			days := int32(binary.LittleEndian.Uint32(data[pos:]))
			pos += 4
			values[i] = time.Unix(int64(days)*86400, 0).UTC()
		case ColumnTypeTimestamp:
			if err := need(col, 8); err != nil {
				return nil, err
			}
			values[i] = time.Unix(0, int64(binary.LittleEndian.Uint64(data[pos:]))).UTC()
			pos += 8
		case ColumnTypeDecimal:
			if err := need(col, 8); err != nil {
				return nil, err
			}
			scaled := int64(binary.LittleEndian.Uint64(data[pos:]))
			pos += 8
			values[i] = decimal.New(scaled, -int32(col.Scale))
		default:
			return nil, errors.Errorf("record: unsupported column type %d", col.Type)
		}
	}
	if pos != len(data) {
		return nil, errors.Errorf("record: record length mismatch (expected %d, used %d)", len(data), pos)
	}
	return values, nil
}

func decimalToScaledInt(dec decimal.Decimal, col Column) (int64, error) {
	shifted := dec.Shift(int32(col.Scale))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, errors.Errorf("record: value %s for column %s has more than %d fractional digits", dec, col.Name, col.Scale)
	}
	limit := decimal.New(1, int32(col.Precision))
	if shifted.Abs().GreaterThanOrEqual(limit) {
		return 0, errors.Errorf("record: value %s for column %s exceeds precision %d", dec, col.Name, col.Precision)
	}
	return shifted.IntPart(), nil
}

// ParseValue converts the textual form of a value for the column. "NULL"
// (any case) yields nil.
func ParseValue(col Column, text string) (interface{}, error) {
	if strings.EqualFold(text, "null") {
		return nil, nil
	}
	switch col.Type {
	case ColumnTypeInt:
		v, err := strconv.ParseInt(text, 10, 32)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing INT for column %s", col.Name)
		}
		return int32(v), nil
	case ColumnTypeBigInt:
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing BIGINT for column %s", col.Name)
		}
		return v, nil
	case ColumnTypeBoolean:
		v, err := strconv.ParseBool(text)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing BOOLEAN for column %s", col.Name)
		}
		return v, nil
	case ColumnTypeVarChar:
		return text, nil
	case ColumnTypeDate:
		t, err := time.Parse(dateLayout, text)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing DATE for column %s", col.Name)
		}
		return t.UTC(), nil
	case ColumnTypeTimestamp:
		t, err := time.Parse(time.RFC3339Nano, text)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing TIMESTAMP for column %s", col.Name)
		}
		return t.UTC(), nil
	case ColumnTypeDecimal:
		d, err := decimal.NewFromString(text)
		if err != nil {
			return nil, errors.Wrapf(err, "parsing DECIMAL for column %s", col.Name)
		}
		return d, nil
	default:
		return nil, errors.Errorf("record: unsupported column type %d", col.Type)
	}
}

// FormatValue renders a field value for display.
func FormatValue(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return val
	case int32:
		return strconv.FormatInt(int64(val), 10)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		if val.Equal(val.Truncate(24 * time.Hour)) {
			return val.Format(dateLayout)
		}
		return val.Format(time.RFC3339Nano)
	case decimal.Decimal:
		return val.String()
	default:
		return "?"
	}
}
