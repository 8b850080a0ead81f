package row

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/artie-labs/binlogd/sources/mysql/schema"
)

func TestDecodeValue(t *testing.T) {
	type _testCase struct {
		name        string
		col         schema.Column
		value       any
		expected    any
		expectedErr string
	}

	testCases := []_testCase{
		{name: "nil", col: schema.Column{Type: "int"}, value: nil, expected: nil},
		{name: "signed tinyint", col: schema.Column{Type: "tinyint", Signed: true}, value: int8(-1), expected: int64(-1)},
		{name: "unsigned tinyint", col: schema.Column{Type: "tinyint"}, value: int8(-1), expected: int64(255)},
		{name: "unsigned mediumint", col: schema.Column{Type: "mediumint"}, value: int32(-1), expected: int64(16777215)},
		{name: "unsigned int", col: schema.Column{Type: "int"}, value: int32(-2), expected: int64(4294967294)},
		{name: "unsigned bigint", col: schema.Column{Type: "bigint"}, value: int64(-1), expected: uint64(18446744073709551615)},
		{name: "int from driver bytes", col: schema.Column{Type: "int", Signed: true}, value: []byte("-42"), expected: int64(-42)},
		{name: "year", col: schema.Column{Type: "year"}, value: 2024, expected: int64(2024)},
		{name: "float32", col: schema.Column{Type: "float", Signed: true}, value: float32(1.1), expected: 1.1},
		{name: "double", col: schema.Column{Type: "double", Signed: true}, value: 2.5, expected: 2.5},
		{name: "decimal", col: schema.Column{Type: "decimal", Signed: true}, value: decimal.RequireFromString("12.30"), expected: decimal.RequireFromString("12.30")},
		{name: "decimal from bytes", col: schema.Column{Type: "decimal", Signed: true}, value: []byte("1.5"), expected: decimal.RequireFromString("1.5")},
		{name: "enum", col: schema.Column{Type: "enum", EnumValues: []string{"a", "b"}}, value: int64(2), expected: "b"},
		{name: "enum error value", col: schema.Column{Type: "enum", EnumValues: []string{"a", "b"}}, value: int64(0), expected: ""},
		{name: "set", col: schema.Column{Type: "set", EnumValues: []string{"a", "b", "c"}}, value: int64(5), expected: []string{"a", "c"}},
		{name: "set from driver", col: schema.Column{Type: "set", EnumValues: []string{"a", "b", "c"}}, value: []byte("a,b"), expected: []string{"a", "b"}},
		{name: "empty set", col: schema.Column{Type: "set", EnumValues: []string{"a"}}, value: int64(0), expected: []string{}},
		{name: "json", col: schema.Column{Type: "json"}, value: []byte(`{"a":1}`), expected: RawJSON(`{"a":1}`)},
		{name: "datetime string", col: schema.Column{Type: "datetime"}, value: "2024-01-02 03:04:05", expected: "2024-01-02 03:04:05"},
		{name: "datetime time", col: schema.Column{Type: "datetime"}, value: time.Date(2024, 1, 2, 3, 4, 5, 500000000, time.UTC), expected: "2024-01-02 03:04:05.5"},
		{name: "varchar utf8", col: schema.Column{Type: "varchar", Charset: "utf8mb4"}, value: "héllo", expected: "héllo"},
		{name: "text latin1", col: schema.Column{Type: "text", Charset: "latin1"}, value: []byte{0x63, 0x61, 0x66, 0xe9}, expected: "café"},
		{name: "varbinary", col: schema.Column{Type: "varbinary"}, value: "\x00\x01", expected: "AAE="},
		{name: "blob", col: schema.Column{Type: "blob"}, value: []byte("hi"), expected: "aGk="},
		{name: "bit", col: schema.Column{Type: "bit"}, value: []byte{0x01, 0x00}, expected: int64(256)},
		{name: "bad int", col: schema.Column{Type: "int"}, value: 1.5, expectedErr: "expected an integer got float64"},
		{name: "bad text", col: schema.Column{Type: "text", Charset: "utf8"}, value: 12, expectedErr: "expected []byte got int"},
	}

	for _, testCase := range testCases {
		actual, err := DecodeValue(&testCase.col, testCase.value)
		if testCase.expectedErr != "" {
			assert.ErrorContains(t, err, testCase.expectedErr, testCase.name)
		} else {
			assert.NoError(t, err, testCase.name)
			assert.Equal(t, testCase.expected, actual, testCase.name)
		}
	}
}

func testTable() *schema.Table {
	return &schema.Table{
		Database: "shop",
		Name:     "t",
		PKs:      []string{"id"},
		Columns: []*schema.Column{
			{Name: "id", Type: "int", Signed: true},
			{Name: "name", Type: "varchar", Charset: "utf8mb4"},
			{Name: "note", Type: "text", Charset: "utf8mb4"},
		},
	}
}

func TestFromRowsImages(t *testing.T) {
	table := testTable()
	{
		// Inserts
		changes, err := FromRowsImages(Insert, table, [][]any{{int32(1), "a", nil}, {int32(2), "b", []byte("x")}}, nil)
		assert.NoError(t, err)
		assert.Len(t, changes, 2)
		assert.Equal(t, Fields{{"id", int64(1)}, {"name", "a"}, {"note", nil}}, changes[0].Data)
		assert.Equal(t, []string{"id"}, changes[1].PKColumns)
		assert.Equal(t, "shop", changes[1].Database)
	}
	{
		// Update keeps only changed values in old
		changes, err := FromRowsImages(Update, table, [][]any{{int32(1), "a", nil}, {int32(1), "b", nil}}, nil)
		assert.NoError(t, err)
		assert.Len(t, changes, 1)
		assert.Equal(t, Fields{{"id", int64(1)}, {"name", "b"}, {"note", nil}}, changes[0].Data)
		assert.Equal(t, Fields{{"name", "a"}}, changes[0].OldData)
	}
	{
		// Minimal row image: the after image only has the changed column
		changes, err := FromRowsImages(Update, table,
			[][]any{{int32(1), "a", "n"}, {nil, "b", nil}},
			[][]int{nil, {0, 2}},
		)
		assert.NoError(t, err)
		assert.Equal(t, Fields{{"name", "b"}}, changes[0].Data)
		assert.Equal(t, Fields{{"id", int64(1)}, {"name", "a"}, {"note", "n"}}, changes[0].OldData)
	}
	{
		// Odd number of update images
		_, err := FromRowsImages(Update, table, [][]any{{int32(1), "a", nil}}, nil)
		assert.ErrorContains(t, err, "odd number of row images")
	}
	{
		// More values than columns means the schema is stale
		_, err := FromRowsImages(Insert, table, [][]any{{int32(1), "a", nil, "extra"}}, nil)
		assert.ErrorContains(t, err, `row has 4 values but "shop"."t" has 3 columns`)
	}
}
