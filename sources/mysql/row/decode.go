package row

import (
	"encoding/base64"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/artie-labs/binlogd/sources/mysql/schema"
)

const DateTimeFormat = "2006-01-02 15:04:05.999999"

var integerBits = map[string]uint{
	"tinyint":   8,
	"smallint":  16,
	"mediumint": 24,
	"int":       32,
	"integer":   32,
	"bigint":    64,
}

var binaryTypes = []string{"binary", "varbinary", "tinyblob", "blob", "mediumblob", "longblob", "geometry"}

// DecodeValue converts a value as produced by the binlog decoder (or the MySQL driver when scanning) into one of
// the value kinds a [Field] may hold.
func DecodeValue(col *schema.Column, value any) (any, error) {
	if value == nil {
		return nil, nil
	}

	if bits, ok := integerBits[col.Type]; ok {
		return decodeInteger(value, bits, col.Signed)
	}

	switch col.Type {
	case "float", "double", "real":
		return decodeFloat(value)
	case "decimal", "numeric":
		return decodeDecimal(value)
	case "bit":
		return decodeBit(value)
	case "year":
		return decodeInteger(value, 64, true)
	case "enum":
		return decodeEnum(value, col.EnumValues)
	case "set":
		return decodeSet(value, col.EnumValues)
	case "json":
		return decodeJSON(value)
	case "date", "datetime", "timestamp", "time":
		return decodeTemporal(value)
	}

	if col.Charset == "" && slices.Contains(binaryTypes, col.Type) {
		raw, err := asBytes(value)
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.EncodeToString(raw), nil
	}

	raw, err := asBytes(value)
	if err != nil {
		return nil, err
	}
	return decodeString(raw, col.Charset)
}

func decodeInteger(value any, bits uint, signed bool) (any, error) {
	var v int64
	switch castValue := value.(type) {
	case int8:
		v = int64(castValue)
	case int16:
		v = int64(castValue)
	case int32:
		v = int64(castValue)
	case int:
		v = int64(castValue)
	case int64:
		v = castValue
	case uint64:
		if castValue > math.MaxInt64 {
			return castValue, nil
		}
		v = int64(castValue)
	case []byte:
		return parseInteger(string(castValue), signed)
	case string:
		return parseInteger(castValue, signed)
	default:
		return nil, fmt.Errorf("expected an integer got %T for value: %v", value, value)
	}

	if signed || v >= 0 {
		return v, nil
	}

	// The binlog carries unsigned columns in their signed representation.
	if bits == 64 {
		return uint64(v), nil
	}
	return v + int64(1)<<bits, nil
}

func parseInteger(s string, signed bool) (any, error) {
	if signed || strings.HasPrefix(s, "-") {
		return strconv.ParseInt(s, 10, 64)
	}
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return nil, err
	}
	if v > math.MaxInt64 {
		return v, nil
	}
	return int64(v), nil
}

func decodeFloat(value any) (any, error) {
	switch castValue := value.(type) {
	case float32:
		// Go through the shortest decimal representation so 1.1 does not become 1.100000023841858.
		return strconv.ParseFloat(strconv.FormatFloat(float64(castValue), 'g', -1, 32), 64)
	case float64:
		return castValue, nil
	case []byte:
		return strconv.ParseFloat(string(castValue), 64)
	case string:
		return strconv.ParseFloat(castValue, 64)
	default:
		return nil, fmt.Errorf("expected a float got %T for value: %v", value, value)
	}
}

func decodeDecimal(value any) (any, error) {
	switch castValue := value.(type) {
	case decimal.Decimal:
		return castValue, nil
	case float64:
		return decimal.NewFromFloat(castValue), nil
	case []byte:
		return decimal.NewFromString(string(castValue))
	case string:
		return decimal.NewFromString(castValue)
	default:
		return nil, fmt.Errorf("expected a decimal got %T for value: %v", value, value)
	}
}

func decodeBit(value any) (any, error) {
	switch castValue := value.(type) {
	case int64:
		return castValue, nil
	case []byte:
		// The driver hands back BIT(n) as big endian bytes.
		var v uint64
		for _, b := range castValue {
			v = v<<8 | uint64(b)
		}
		return int64(v), nil
	default:
		return decodeInteger(value, 64, true)
	}
}

func decodeEnum(value any, values []string) (any, error) {
	switch castValue := value.(type) {
	case int64:
		if castValue <= 0 || int(castValue) > len(values) {
			// Index 0 is MySQL's empty string error value.
			return "", nil
		}
		return values[castValue-1], nil
	case []byte:
		return string(castValue), nil
	case string:
		return castValue, nil
	default:
		return nil, fmt.Errorf("expected an enum index got %T for value: %v", value, value)
	}
}

func decodeSet(value any, values []string) (any, error) {
	switch castValue := value.(type) {
	case int64:
		out := []string{}
		for i, v := range values {
			if castValue&(int64(1)<<uint(i)) != 0 {
				out = append(out, v)
			}
		}
		return out, nil
	case []byte:
		return splitSet(string(castValue)), nil
	case string:
		return splitSet(castValue), nil
	default:
		return nil, fmt.Errorf("expected a set bitmask got %T for value: %v", value, value)
	}
}

func splitSet(s string) []string {
	if s == "" {
		return []string{}
	}
	return strings.Split(s, ",")
}

func decodeJSON(value any) (any, error) {
	raw, err := asBytes(value)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 {
		return RawJSON("null"), nil
	}
	return RawJSON(raw), nil
}

func decodeTemporal(value any) (any, error) {
	switch castValue := value.(type) {
	case time.Time:
		return castValue.Format(DateTimeFormat), nil
	case []byte:
		return string(castValue), nil
	case string:
		return castValue, nil
	case fmt.Stringer:
		return castValue.String(), nil
	default:
		return nil, fmt.Errorf("expected a temporal string got %T for value: %v", value, value)
	}
}

func asBytes(value any) ([]byte, error) {
	switch castValue := value.(type) {
	case []byte:
		return castValue, nil
	case string:
		return []byte(castValue), nil
	default:
		return nil, fmt.Errorf("expected []byte got %T for value: %v", value, value)
	}
}

// DecodeRow zips one row image with the table's columns. Columns listed in skipped were not part of the image
// (minimal row image) and are left out.
func DecodeRow(table *schema.Table, values []any, skipped []int) (Fields, error) {
	if len(values) > len(table.Columns) {
		return nil, fmt.Errorf("row has %d values but %q.%q has %d columns", len(values), table.Database, table.Name, len(table.Columns))
	}

	fields := make(Fields, 0, len(values))
	for i, value := range values {
		if slices.Contains(skipped, i) {
			continue
		}

		col := table.Columns[i]
		decoded, err := DecodeValue(col, value)
		if err != nil {
			return nil, fmt.Errorf("failed to decode column %q: %w", col.Name, err)
		}
		fields = append(fields, Field{Name: col.Name, Value: decoded})
	}
	return fields, nil
}

// FromRowsImages turns the row images of one rows event into changes. Update events carry before and after
// images in pairs.
func FromRowsImages(kind Type, table *schema.Table, rows [][]any, skipped [][]int) ([]Change, error) {
	skippedAt := func(i int) []int {
		if i < len(skipped) {
			return skipped[i]
		}
		return nil
	}

	newChange := func() Change {
		return Change{Type: kind, Database: table.Database, Table: table.Name, PKColumns: slices.Clone(table.PKs)}
	}

	var changes []Change
	switch kind {
	case Insert, Delete:
		for i, values := range rows {
			data, err := DecodeRow(table, values, skippedAt(i))
			if err != nil {
				return nil, err
			}
			change := newChange()
			change.Data = data
			changes = append(changes, change)
		}
	case Update:
		if len(rows)%2 != 0 {
			return nil, fmt.Errorf("update event has an odd number of row images: %d", len(rows))
		}
		for i := 0; i < len(rows); i += 2 {
			before, err := DecodeRow(table, rows[i], skippedAt(i))
			if err != nil {
				return nil, err
			}
			after, err := DecodeRow(table, rows[i+1], skippedAt(i+1))
			if err != nil {
				return nil, err
			}
			change := newChange()
			change.Data = after
			change.OldData = diffOld(before, after)
			changes = append(changes, change)
		}
	default:
		return nil, fmt.Errorf("unexpected rows event type: %q", kind)
	}
	return changes, nil
}

// diffOld returns the before-image values that changed, plus before-image columns missing from the after-image.
func diffOld(before, after Fields) Fields {
	var old Fields
	for _, field := range before {
		afterValue, ok := after.Get(field.Name)
		if !ok || !equalValues(field.Value, afterValue) {
			old = append(old, field)
		}
	}
	return old
}

func equalValues(a, b any) bool {
	switch castA := a.(type) {
	case decimal.Decimal:
		castB, ok := b.(decimal.Decimal)
		return ok && castA.Equal(castB)
	case []string:
		castB, ok := b.([]string)
		return ok && slices.Equal(castA, castB)
	default:
		if _, ok := b.([]string); ok {
			return false
		}
		if _, ok := b.(decimal.Decimal); ok {
			return false
		}
		return a == b
	}
}
