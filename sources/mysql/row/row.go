package row

import (
	"slices"
	"strings"

	"github.com/artie-labs/binlogd/sources/mysql/position"
	"github.com/artie-labs/binlogd/sources/mysql/schema/ddl"
)

type Type string

const (
	Insert            Type = "insert"
	Update            Type = "update"
	Delete            Type = "delete"
	DDL               Type = "ddl"
	Heartbeat         Type = "heartbeat"
	BootstrapStart    Type = "bootstrap-start"
	BootstrapInsert   Type = "bootstrap-insert"
	BootstrapComplete Type = "bootstrap-complete"
)

// Change is a single row level (or schema level) change ready to be handed to a producer.
type Change struct {
	Type            Type
	Database        string
	Table           string
	TimestampMillis int64
	PKColumns       []string
	Data            Fields
	OldData         Fields

	// Position is where a consumer may resume from once this change and everything before it is durable.
	// Only commit rows, DDL, heartbeats and bootstrap rows carry a resumable position.
	Position position.Position
	GTID     string
	XID      *uint64
	XOffset  int64
	IsCommit bool
	ServerID uint32
	ThreadID uint32
	// RowQuery is the statement that produced the row, present when the server logs it
	// (binlog_rows_query_log_events or MariaDB's binlog_annotate_row_events).
	RowQuery string

	// Set for [DDL] only.
	SQL    string
	Schema *ddl.Envelope
}

// IsResumable reports whether producers may advance the stored position past this change.
func (c Change) IsResumable() bool {
	switch c.Type {
	case Insert, Update, Delete, Heartbeat:
		return c.IsCommit
	case BootstrapInsert:
		return false
	default:
		return true
	}
}

// IsDeliverable is false for changes that exist only to move the position forward.
func (c Change) IsDeliverable() bool {
	return c.Type != Heartbeat
}

type Field struct {
	Name  string
	Value any
}

// Fields is an insertion ordered set of column values. Names compare case-insensitively like MySQL columns.
type Fields []Field

func (f Fields) Get(name string) (any, bool) {
	idx := slices.IndexFunc(f, func(field Field) bool { return strings.EqualFold(field.Name, name) })
	if idx < 0 {
		return nil, false
	}
	return f[idx].Value, true
}

// Set overwrites an existing field in place or appends a new one.
func (f *Fields) Set(name string, value any) {
	idx := slices.IndexFunc(*f, func(field Field) bool { return strings.EqualFold(field.Name, name) })
	if idx < 0 {
		*f = append(*f, Field{Name: name, Value: value})
		return
	}
	(*f)[idx].Value = value
}

func (f Fields) Names() []string {
	names := make([]string, len(f))
	for i, field := range f {
		names[i] = field.Name
	}
	return names
}

// Map is handy for tests and logging, it loses ordering.
func (f Fields) Map() map[string]any {
	out := make(map[string]any, len(f))
	for _, field := range f {
		out[field.Name] = field.Value
	}
	return out
}
