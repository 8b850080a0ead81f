package schemastore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/artie-labs/binlogd/lib/mysql"
	"github.com/artie-labs/binlogd/sources/mysql/position"
	"github.com/artie-labs/binlogd/sources/mysql/schema"
	"github.com/artie-labs/binlogd/sources/mysql/schema/ddl"
)

type SchemaCapturer interface {
	Capture(ctx context.Context) (*schema.Schema, error)
}

// Store keeps the schema current as of the last processed DDL and persists every version of it, as a delta
// against the previous version or as a full snapshot. It is not safe for concurrent use.
type Store struct {
	db          *sqlx.DB
	serverID    uint32
	sensitivity schema.CaseSensitivity
	resolver    *ddl.Resolver
	capturer    SchemaCapturer
	readOnly    bool

	current      *savedSchema
	snapshotNext bool
}

// New builds a store over the control database. A read-only store resolves DDL but never writes, which is what
// binlog replays want.
func New(db *sqlx.DB, serverID uint32, sensitivity schema.CaseSensitivity, resolver *ddl.Resolver, capturer SchemaCapturer, readOnly bool) *Store {
	return &Store{
		db:          db,
		serverID:    serverID,
		sensitivity: sensitivity,
		resolver:    resolver,
		capturer:    capturer,
		readOnly:    readOnly,
	}
}

// GetSchema returns the current schema, nil until [Store.Load], [Store.Restore] or [Store.Capture] has run.
func (s *Store) GetSchema() *schema.Schema {
	if s.current == nil {
		return nil
	}
	return s.current.schema
}

// SchemaID is the id of the current schema row, zero if it has not been saved.
func (s *Store) SchemaID() int64 {
	if s.current == nil || s.current.id == nil {
		return 0
	}
	return *s.current.id
}

// MarkSnapshotBreak makes the next save write a full snapshot instead of a delta.
func (s *Store) MarkSnapshotBreak() {
	s.snapshotNext = true
}

// Load restores the schema at initial, capturing one from the server when nothing has been saved yet.
func (s *Store) Load(ctx context.Context, initial position.Position) (*schema.Schema, error) {
	restored, err := s.Restore(ctx, initial)
	if err != nil {
		return nil, err
	} else if restored != nil {
		return restored, nil
	}

	slog.Info("No saved schema found, capturing one", slog.String("position", initial.String()))
	return s.Capture(ctx, initial)
}

// Restore makes the newest schema saved at or before target the current one. It returns nil if there is none.
func (s *Store) Restore(ctx context.Context, target position.Position) (*schema.Schema, error) {
	id, err := s.findSchema(ctx, target)
	if err != nil {
		return nil, err
	} else if id == nil {
		return nil, nil
	}

	saved, err := restoreSavedSchema(ctx, s.db, s.sensitivity, *id)
	if err != nil {
		return nil, err
	}

	slog.Info("Restored schema",
		slog.Int64("schemaID", *id),
		slog.String("position", saved.position.String()),
		slog.Int("deltas", len(saved.deltas)),
	)

	if saved.version < SchemaStoreVersion {
		slog.Info("Restored schema was written by an older version, the next save will be a full snapshot",
			slog.Int("version", saved.version),
		)
		s.snapshotNext = true
	}

	s.current = saved
	return saved.schema, nil
}

// Capture reads the live schema from the server and saves it as a full snapshot at pos.
func (s *Store) Capture(ctx context.Context, pos position.Position) (*schema.Schema, error) {
	captured, err := s.capturer.Capture(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to capture schema: %w", err)
	}

	s.current = &savedSchema{position: pos, version: SchemaStoreVersion, schema: captured}
	if err = s.Save(ctx); err != nil {
		return nil, err
	}
	return captured, nil
}

// ProcessDDL resolves sql against the current schema. Any resulting changes become the new current schema, which
// is saved at pos before returning.
func (s *Store) ProcessDDL(ctx context.Context, sql string, database string, pos position.Position) ([]ddl.Change, error) {
	if s.current == nil {
		return nil, fmt.Errorf("schema store has not been loaded")
	}

	changes, err := s.resolver.Resolve(sql, database, s.current.schema)
	if err != nil {
		return nil, err
	} else if len(changes) == 0 {
		return nil, nil
	}

	updated := s.current.schema.Copy()
	for _, change := range changes {
		if err = change.Apply(updated); err != nil {
			return nil, fmt.Errorf("failed to apply %s on %q: %w", change.Type(), change.DatabaseName(), err)
		}
	}

	next := &savedSchema{position: pos, version: SchemaStoreVersion, schema: updated}
	if !s.snapshotNext && s.current.id != nil {
		next.baseID = s.current.id
		next.deltas = changes
	}

	slog.Info("Storing schema",
		slog.String("position", pos.String()),
		slog.String("sql", strings.ReplaceAll(sql, "\n", " ")),
	)

	s.current = next
	if err = s.Save(ctx); err != nil {
		return nil, err
	}
	return changes, nil
}

// Save persists the current schema if it has not been persisted yet.
func (s *Store) Save(ctx context.Context) error {
	if s.readOnly || s.current == nil || s.current.id != nil {
		return nil
	}

	id, err := s.save(ctx, s.current)
	if err != nil {
		return fmt.Errorf("failed to save schema at %s: %w", s.current.position.String(), err)
	}

	s.current.id = &id
	if s.current.isFullSnapshot() {
		s.snapshotNext = false
	}
	return nil
}

func (s *Store) save(ctx context.Context, saved *savedSchema) (int64, error) {
	sha := saved.positionSHA(s.serverID)
	if id, err := s.findSchemaForPositionSHA(ctx, sha); err != nil {
		return 0, err
	} else if id != nil {
		return *id, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	id, err := insertSchemaRow(ctx, tx, s.serverID, saved)
	if mysql.IsDuplicateKey(err) {
		// Another process sharing this server id saved the same position first.
		tx.Rollback()
		found, err := s.findSchemaForPositionSHA(ctx, sha)
		if err != nil {
			return 0, err
		} else if found == nil {
			return 0, fmt.Errorf("schema for position sha %q disappeared after a duplicate key error", sha)
		}
		return *found, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to insert schema: %w", err)
	}

	if saved.isFullSnapshot() {
		if err = insertFullSchema(ctx, tx, id, saved.schema); err != nil {
			return 0, err
		}
	}

	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit schema: %w", err)
	}
	return id, nil
}

func (s *Store) findSchemaForPositionSHA(ctx context.Context, sha string) (*int64, error) {
	var id int64
	err := s.db.GetContext(ctx, &id, "SELECT id FROM `schemas` WHERE position_sha = ?", sha)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to look up schema by position sha: %w", err)
	}
	return &id, nil
}

type gtidSchemaRow struct {
	ID      int64          `db:"id"`
	GTIDSet sql.NullString `db:"gtid_set"`
}

func (s *Store) findSchema(ctx context.Context, target position.Position) (*int64, error) {
	if target.GTIDSet != "" {
		return s.findSchemaByGTID(ctx, target)
	}

	var id int64
	err := s.db.GetContext(ctx, &id,
		"SELECT id FROM `schemas` WHERE deleted = 0 AND last_heartbeat_read <= ? AND ("+
			"(binlog_file < ?) OR "+
			"(binlog_file = ? AND binlog_position < ? AND base_schema_id IS NOT NULL) OR "+
			"(binlog_file = ? AND binlog_position <= ? AND base_schema_id IS NULL)"+
			") AND server_id = ? ORDER BY last_heartbeat_read DESC, binlog_file DESC, binlog_position DESC LIMIT 1",
		target.LastHeartbeatRead, target.File, target.File, target.Offset, target.File, target.Offset, s.serverID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to find schema for %s: %w", target.String(), err)
	}
	return &id, nil
}

// findSchemaByGTID returns the newest schema whose GTID set is contained in the target's.
func (s *Store) findSchemaByGTID(ctx context.Context, target position.Position) (*int64, error) {
	targetSet, err := target.ToGTIDSet()
	if err != nil {
		return nil, err
	}

	var rows []gtidSchemaRow
	if err = s.db.SelectContext(ctx, &rows, "SELECT id, gtid_set FROM `schemas` WHERE deleted = 0 ORDER BY id DESC"); err != nil {
		return nil, fmt.Errorf("failed to list schemas: %w", err)
	}

	for _, row := range rows {
		if !row.GTIDSet.Valid || row.GTIDSet.String == "" {
			continue
		}
		set, err := position.BinlogPosition{GTIDSet: row.GTIDSet.String}.ToGTIDSet()
		if err != nil {
			return nil, err
		}
		if targetSet.Contain(set) {
			return &row.ID, nil
		}
	}
	return nil, nil
}
