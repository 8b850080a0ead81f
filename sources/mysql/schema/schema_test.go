package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func buildSchema(sensitivity CaseSensitivity) *Schema {
	s := New("utf8mb4", sensitivity)
	db := s.AddDatabase("Shop", "utf8mb4")
	db.AddTable(&Table{
		Name:    "Orders",
		Charset: "utf8mb4",
		PKs:     []string{"id"},
		Columns: []*Column{
			{Name: "id", Type: "int", Signed: true},
			{Name: "status", Type: "enum", EnumValues: []string{"new", "paid"}, Charset: "utf8mb4"},
		},
	})
	return s
}

func TestCaseSensitivity(t *testing.T) {
	{
		// Case sensitive
		s := buildSchema(CaseSensitive)
		_, ok := s.FindTable("Shop", "Orders")
		assert.True(t, ok)
		_, ok = s.FindTable("shop", "orders")
		assert.False(t, ok)
	}
	{
		// Lower-cased on create
		s := buildSchema(ConvertToLower)
		assert.Equal(t, "shop", s.Databases[0].Name)
		assert.Equal(t, "orders", s.Databases[0].Tables[0].Name)
		_, ok := s.FindTable("SHOP", "ORDERS")
		assert.True(t, ok)
	}
	{
		// Preserved but compared case-insensitively
		s := buildSchema(ConvertOnCompare)
		assert.Equal(t, "Shop", s.Databases[0].Name)
		_, ok := s.FindTable("shop", "orders")
		assert.True(t, ok)
	}
}

func TestSchema_CopyAndEqual(t *testing.T) {
	s := buildSchema(CaseSensitive)
	cp := s.Copy()
	assert.True(t, s.Equal(cp))

	// Mutating the copy should not leak back into the original
	cp.Databases[0].Tables[0].Columns[1].EnumValues[0] = "pending"
	cp.Databases[0].Tables[0].PKs = append(cp.Databases[0].Tables[0].PKs, "status")
	assert.Equal(t, "new", s.Databases[0].Tables[0].Columns[1].EnumValues[0])
	assert.Len(t, s.Databases[0].Tables[0].PKs, 1)
	assert.False(t, s.Equal(cp))
}

func TestTable_FindColumn(t *testing.T) {
	s := buildSchema(CaseSensitive)
	table, err := s.FindTableOrErr("Shop", "Orders")
	assert.NoError(t, err)

	col, ok := table.FindColumn("STATUS")
	assert.True(t, ok)
	assert.Equal(t, "status", col.Name)
	assert.Equal(t, 1, table.ColumnIndex("status"))
	assert.Equal(t, -1, table.ColumnIndex("missing"))
	assert.Equal(t, []string{"id", "status"}, table.ColumnNames())

	_, err = s.FindTableOrErr("Shop", "missing")
	assert.ErrorContains(t, err, `table not found: "Shop"."missing"`)
	_, err = s.FindTableOrErr("nope", "Orders")
	assert.ErrorContains(t, err, `database not found: "nope"`)
}

func TestSchema_RemoveDatabaseAndTable(t *testing.T) {
	s := buildSchema(CaseSensitive)
	db, ok := s.FindDatabase("Shop")
	assert.True(t, ok)
	assert.True(t, db.RemoveTable("Orders"))
	assert.False(t, db.RemoveTable("Orders"))
	assert.True(t, s.RemoveDatabase("Shop"))
	assert.Empty(t, s.Databases)
}
