package replication

import (
	"errors"
	"fmt"

	"github.com/artie-labs/binlogd/sources/mysql/filter"
	"github.com/artie-labs/binlogd/sources/mysql/schema"
)

var ErrSchemaResolution = errors.New("table is missing from the schema")

type tableEntry struct {
	database    string
	table       string
	def         *schema.Table
	blacklisted bool
}

// TableCache maps binlog table ids to table definitions. It must be invalidated whenever the schema changes or
// the stream is restarted, since table ids are only stable in between.
type TableCache struct {
	filter  *filter.Filter
	entries map[uint64]tableEntry
}

func NewTableCache(f *filter.Filter) *TableCache {
	return &TableCache{filter: f, entries: make(map[uint64]tableEntry)}
}

// Resolve returns the definition of the table behind tableID, or nil if the table is blacklisted.
func (t *TableCache) Resolve(s *schema.Schema, tableID uint64, database, table string) (*schema.Table, error) {
	if entry, ok := t.entries[tableID]; ok {
		if entry.database == database && entry.table == table {
			return entry.def, nil
		}
		// The id was reused for another table.
		delete(t.entries, tableID)
	}

	entry := tableEntry{database: database, table: table}
	if t.filter.IsDatabaseBlacklisted(database) || t.filter.IsTableBlacklisted(database, table) {
		entry.blacklisted = true
	} else {
		def, ok := s.FindTable(database, table)
		if !ok {
			return nil, fmt.Errorf("%w: %q.%q (table id %d)", ErrSchemaResolution, database, table, tableID)
		}
		entry.def = def
	}

	t.entries[tableID] = entry
	return entry.def, nil
}

func (t *TableCache) Invalidate() {
	clear(t.entries)
}

func (t *TableCache) Len() int {
	return len(t.entries)
}
