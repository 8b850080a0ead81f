package schema

import (
	"fmt"
	"slices"
	"strings"
)

// CaseSensitivity mirrors the source server's `lower_case_table_names` setting.
type CaseSensitivity int

const (
	CaseSensitive    CaseSensitivity = 0
	ConvertToLower   CaseSensitivity = 1
	ConvertOnCompare CaseSensitivity = 2
)

func (c CaseSensitivity) Normalize(name string) string {
	if c == ConvertToLower {
		return strings.ToLower(name)
	}
	return name
}

func (c CaseSensitivity) Equal(a, b string) bool {
	if c == CaseSensitive {
		return a == b
	}
	return strings.EqualFold(a, b)
}

type Column struct {
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Signed       bool     `json:"signed,omitempty"`
	Charset      string   `json:"charset,omitempty"`
	EnumValues   []string `json:"enum-values,omitempty"`
	ColumnLength int64    `json:"column-length,omitempty"`
}

type Table struct {
	Database string    `json:"database"`
	Name     string    `json:"table"`
	Charset  string    `json:"charset,omitempty"`
	PKs      []string  `json:"primary-key"`
	Columns  []*Column `json:"columns"`
}

func (t *Table) FindColumn(name string) (*Column, bool) {
	idx := t.ColumnIndex(name)
	if idx < 0 {
		return nil, false
	}
	return t.Columns[idx], true
}

func (t *Table) ColumnIndex(name string) int {
	return slices.IndexFunc(t.Columns, func(c *Column) bool { return strings.EqualFold(c.Name, name) })
}

func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, col := range t.Columns {
		names[i] = col.Name
	}
	return names
}

func (t *Table) Copy() *Table {
	out := *t
	out.PKs = slices.Clone(t.PKs)
	out.Columns = make([]*Column, len(t.Columns))
	for i, col := range t.Columns {
		c := *col
		c.EnumValues = slices.Clone(col.EnumValues)
		out.Columns[i] = &c
	}
	return &out
}

// Equal is a structural comparison. Charsets are compared case-insensitively.
func (t *Table) Equal(other *Table) bool {
	if t.Database != other.Database || t.Name != other.Name || !strings.EqualFold(t.Charset, other.Charset) {
		return false
	}
	if !slices.EqualFunc(t.PKs, other.PKs, strings.EqualFold) {
		return false
	}
	return slices.EqualFunc(t.Columns, other.Columns, func(a, b *Column) bool {
		return a.Name == b.Name &&
			a.Type == b.Type &&
			a.Signed == b.Signed &&
			strings.EqualFold(a.Charset, b.Charset) &&
			slices.Equal(a.EnumValues, b.EnumValues) &&
			a.ColumnLength == b.ColumnLength
	})
}

type Database struct {
	Name    string
	Charset string
	Tables  []*Table

	sensitivity CaseSensitivity
}

func (d *Database) FindTable(name string) (*Table, bool) {
	for _, table := range d.Tables {
		if d.sensitivity.Equal(table.Name, name) {
			return table, true
		}
	}
	return nil, false
}

func (d *Database) AddTable(table *Table) {
	table.Database = d.Name
	table.Name = d.sensitivity.Normalize(table.Name)
	d.Tables = append(d.Tables, table)
}

func (d *Database) RemoveTable(name string) bool {
	idx := slices.IndexFunc(d.Tables, func(t *Table) bool { return d.sensitivity.Equal(t.Name, name) })
	if idx < 0 {
		return false
	}
	d.Tables = slices.Delete(d.Tables, idx, idx+1)
	return true
}

type Schema struct {
	Databases   []*Database
	Charset     string
	Sensitivity CaseSensitivity
}

func New(charset string, sensitivity CaseSensitivity) *Schema {
	return &Schema{Charset: charset, Sensitivity: sensitivity}
}

func (s *Schema) FindDatabase(name string) (*Database, bool) {
	for _, db := range s.Databases {
		if s.Sensitivity.Equal(db.Name, name) {
			return db, true
		}
	}
	return nil, false
}

func (s *Schema) FindDatabaseOrErr(name string) (*Database, error) {
	db, ok := s.FindDatabase(name)
	if !ok {
		return nil, fmt.Errorf("database not found: %q", name)
	}
	return db, nil
}

func (s *Schema) FindTable(database, table string) (*Table, bool) {
	db, ok := s.FindDatabase(database)
	if !ok {
		return nil, false
	}
	return db.FindTable(table)
}

func (s *Schema) FindTableOrErr(database, table string) (*Table, error) {
	db, err := s.FindDatabaseOrErr(database)
	if err != nil {
		return nil, err
	}
	tbl, ok := db.FindTable(table)
	if !ok {
		return nil, fmt.Errorf("table not found: %q.%q", database, table)
	}
	return tbl, nil
}

func (s *Schema) AddDatabase(name, charset string) *Database {
	db := &Database{Name: s.Sensitivity.Normalize(name), Charset: charset, sensitivity: s.Sensitivity}
	s.Databases = append(s.Databases, db)
	return db
}

func (s *Schema) RemoveDatabase(name string) bool {
	idx := slices.IndexFunc(s.Databases, func(db *Database) bool { return s.Sensitivity.Equal(db.Name, name) })
	if idx < 0 {
		return false
	}
	s.Databases = slices.Delete(s.Databases, idx, idx+1)
	return true
}

func (s *Schema) Copy() *Schema {
	out := New(s.Charset, s.Sensitivity)
	for _, db := range s.Databases {
		newDB := out.AddDatabase(db.Name, db.Charset)
		for _, table := range db.Tables {
			newDB.Tables = append(newDB.Tables, table.Copy())
		}
	}
	return out
}

// Equal compares two schemas structurally, database and table order included.
func (s *Schema) Equal(other *Schema) bool {
	if !strings.EqualFold(s.Charset, other.Charset) || s.Sensitivity != other.Sensitivity {
		return false
	}
	return slices.EqualFunc(s.Databases, other.Databases, func(a, b *Database) bool {
		return a.Name == b.Name &&
			strings.EqualFold(a.Charset, b.Charset) &&
			slices.EqualFunc(a.Tables, b.Tables, func(x, y *Table) bool { return x.Equal(y) })
	})
}
