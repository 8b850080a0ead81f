package ddl

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/artie-labs/binlogd/sources/mysql/schema"
)

const (
	TypeDatabaseCreate = "database-create"
	TypeDatabaseDrop   = "database-drop"
	TypeDatabaseAlter  = "database-alter"
	TypeTableCreate    = "table-create"
	TypeTableDrop      = "table-drop"
	TypeTableAlter     = "table-alter"
)

// Change is a schema mutation that has been resolved against a concrete [schema.Schema] and can be replayed
// against any schema in the same state without re-parsing SQL.
type Change interface {
	Type() string
	DatabaseName() string
	// TableName is empty for database level changes.
	TableName() string
	Apply(s *schema.Schema) error
}

type DatabaseCreate struct {
	Database string
	Charset  string
}

func (d DatabaseCreate) Type() string         { return TypeDatabaseCreate }
func (d DatabaseCreate) DatabaseName() string { return d.Database }
func (d DatabaseCreate) TableName() string    { return "" }

func (d DatabaseCreate) Apply(s *schema.Schema) error {
	if _, ok := s.FindDatabase(d.Database); ok {
		return fmt.Errorf("database already exists: %q", d.Database)
	}
	s.AddDatabase(d.Database, d.Charset)
	return nil
}

type DatabaseDrop struct {
	Database string
}

func (d DatabaseDrop) Type() string         { return TypeDatabaseDrop }
func (d DatabaseDrop) DatabaseName() string { return d.Database }
func (d DatabaseDrop) TableName() string    { return "" }

func (d DatabaseDrop) Apply(s *schema.Schema) error {
	if !s.RemoveDatabase(d.Database) {
		return fmt.Errorf("database not found: %q", d.Database)
	}
	return nil
}

type DatabaseAlter struct {
	Database string
	Charset  string
}

func (d DatabaseAlter) Type() string         { return TypeDatabaseAlter }
func (d DatabaseAlter) DatabaseName() string { return d.Database }
func (d DatabaseAlter) TableName() string    { return "" }

func (d DatabaseAlter) Apply(s *schema.Schema) error {
	db, err := s.FindDatabaseOrErr(d.Database)
	if err != nil {
		return err
	}
	db.Charset = d.Charset
	return nil
}

type TableCreate struct {
	Def *schema.Table
}

func (t TableCreate) Type() string         { return TypeTableCreate }
func (t TableCreate) DatabaseName() string { return t.Def.Database }
func (t TableCreate) TableName() string    { return t.Def.Name }

func (t TableCreate) Apply(s *schema.Schema) error {
	db, err := s.FindDatabaseOrErr(t.Def.Database)
	if err != nil {
		return err
	}
	if _, ok := db.FindTable(t.Def.Name); ok {
		return fmt.Errorf("table already exists: %q.%q", t.Def.Database, t.Def.Name)
	}
	db.AddTable(t.Def.Copy())
	return nil
}

type TableDrop struct {
	Database string
	Table    string
}

func (t TableDrop) Type() string         { return TypeTableDrop }
func (t TableDrop) DatabaseName() string { return t.Database }
func (t TableDrop) TableName() string    { return t.Table }

func (t TableDrop) Apply(s *schema.Schema) error {
	db, err := s.FindDatabaseOrErr(t.Database)
	if err != nil {
		return err
	}
	if !db.RemoveTable(t.Table) {
		return fmt.Errorf("table not found: %q.%q", t.Database, t.Table)
	}
	return nil
}

// TableAlter replaces a table definition wholesale. A rename into another database has a New definition whose
// database differs from Database.
type TableAlter struct {
	Database string
	Table    string
	Old      *schema.Table
	New      *schema.Table
}

func (t TableAlter) Type() string         { return TypeTableAlter }
func (t TableAlter) DatabaseName() string { return t.Database }
func (t TableAlter) TableName() string    { return t.Table }

func (t TableAlter) Apply(s *schema.Schema) error {
	oldDB, err := s.FindDatabaseOrErr(t.Database)
	if err != nil {
		return err
	}
	if _, ok := oldDB.FindTable(t.Table); !ok {
		return fmt.Errorf("table not found: %q.%q", t.Database, t.Table)
	}

	newDB, err := s.FindDatabaseOrErr(t.New.Database)
	if err != nil {
		return err
	}

	oldDB.RemoveTable(t.Table)
	newDB.AddTable(t.New.Copy())
	return nil
}

// Envelope is the serialised form of a [Change], with a `type` discriminator.
type Envelope struct {
	Type     string        `json:"type"`
	Database string        `json:"database"`
	Table    string        `json:"table,omitempty"`
	Charset  string        `json:"charset,omitempty"`
	Old      *schema.Table `json:"old,omitempty"`
	Def      *schema.Table `json:"def,omitempty"`
}

func NewEnvelope(change Change) (Envelope, error) {
	env := Envelope{Type: change.Type(), Database: change.DatabaseName(), Table: change.TableName()}
	switch castedChange := change.(type) {
	case DatabaseCreate:
		env.Charset = castedChange.Charset
	case DatabaseAlter:
		env.Charset = castedChange.Charset
	case DatabaseDrop, TableDrop:
	case TableCreate:
		env.Def = castedChange.Def
	case TableAlter:
		env.Old = castedChange.Old
		env.Def = castedChange.New
	default:
		return Envelope{}, fmt.Errorf("unsupported change type: %T", change)
	}
	return env, nil
}

func (e Envelope) toChange() (Change, error) {
	switch e.Type {
	case TypeDatabaseCreate:
		return DatabaseCreate{Database: e.Database, Charset: e.Charset}, nil
	case TypeDatabaseDrop:
		return DatabaseDrop{Database: e.Database}, nil
	case TypeDatabaseAlter:
		return DatabaseAlter{Database: e.Database, Charset: e.Charset}, nil
	case TypeTableCreate:
		if e.Def == nil {
			return nil, fmt.Errorf("%s is missing its definition", e.Type)
		}
		return TableCreate{Def: e.Def}, nil
	case TypeTableDrop:
		return TableDrop{Database: e.Database, Table: e.Table}, nil
	case TypeTableAlter:
		if e.Old == nil || e.Def == nil {
			return nil, fmt.Errorf("%s is missing its definitions", e.Type)
		}
		return TableAlter{Database: e.Database, Table: e.Table, Old: e.Old, New: e.Def}, nil
	default:
		return nil, fmt.Errorf("unknown change type: %q", e.Type)
	}
}

// MarshalChanges renders changes as the JSON array stored in `schemas.deltas`.
func MarshalChanges(changes []Change) ([]byte, error) {
	envelopes := make([]Envelope, len(changes))
	for i, change := range changes {
		env, err := NewEnvelope(change)
		if err != nil {
			return nil, err
		}
		envelopes[i] = env
	}
	return json.Marshal(envelopes)
}

func UnmarshalChanges(data []byte) ([]Change, error) {
	var envelopes []Envelope
	if err := json.Unmarshal(data, &envelopes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal deltas: %w", err)
	}

	changes := make([]Change, len(envelopes))
	for i, env := range envelopes {
		change, err := env.toChange()
		if err != nil {
			return nil, err
		}
		changes[i] = change
	}
	return changes, nil
}
