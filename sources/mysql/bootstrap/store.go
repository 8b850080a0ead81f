package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/artie-labs/binlogd/sources/mysql/position"
)

type taskRow struct {
	ID             int64          `db:"id"`
	DatabaseName   string         `db:"database_name"`
	TableName      string         `db:"table_name"`
	WhereClause    sql.NullString `db:"where_clause"`
	ClientID       string         `db:"client_id"`
	Comment        sql.NullString `db:"comment"`
	BinlogFile     sql.NullString `db:"binlog_file"`
	BinlogPosition sql.NullInt64  `db:"binlog_position"`
}

func (t taskRow) toTask() Task {
	task := Task{
		ID:          t.ID,
		Database:    t.DatabaseName,
		Table:       t.TableName,
		WhereClause: t.WhereClause.String,
		ClientID:    t.ClientID,
		Comment:     t.Comment.String,
	}
	if t.BinlogFile.Valid {
		task.Position = position.New(t.BinlogFile.String, uint64(t.BinlogPosition.Int64), "", 0)
	}
	return task
}

// Store reads and writes the `bootstrap` control table. db must be bound to the store database.
type Store struct {
	db       *sqlx.DB
	clientID string
}

func NewStore(db *sqlx.DB, clientID string) *Store {
	return &Store{db: db, clientID: clientID}
}

// Requeue clears the start time of tasks that were interrupted so that they get picked up again.
func (s *Store) Requeue(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"UPDATE `bootstrap` SET started_at = NULL WHERE is_complete = 0 AND started_at IS NOT NULL AND client_id = ?",
		s.clientID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to requeue bootstrap tasks: %w", err)
	}
	return result.RowsAffected()
}

// Pending returns the incomplete tasks of this client, oldest first.
func (s *Store) Pending(ctx context.Context) ([]Task, error) {
	var rows []taskRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT id, database_name, table_name, where_clause, client_id, comment, binlog_file, binlog_position FROM `bootstrap` "+
			"WHERE is_complete = 0 AND client_id = ? ORDER BY id",
		s.clientID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load bootstrap tasks: %w", err)
	}

	tasks := make([]Task, len(rows))
	for i, r := range rows {
		tasks[i] = r.toTask()
	}
	return tasks, nil
}

// IsComplete is also true for tasks that no longer exist.
func (s *Store) IsComplete(ctx context.Context, id int64) (bool, error) {
	var isComplete bool
	err := s.db.GetContext(ctx, &isComplete, "SELECT is_complete FROM `bootstrap` WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to load bootstrap %d: %w", id, err)
	}
	return isComplete, nil
}

func (s *Store) MarkStarted(ctx context.Context, task Task, totalRows uint64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE `bootstrap` SET started_at = NOW(), inserted_rows = 0, total_rows = ?, binlog_file = ?, binlog_position = ? WHERE id = ?",
		totalRows, task.Position.File, task.Position.Offset, task.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark bootstrap %d as started: %w", task.ID, err)
	}
	return nil
}

func (s *Store) UpdateProgress(ctx context.Context, id int64, insertedRows uint64) error {
	if _, err := s.db.ExecContext(ctx, "UPDATE `bootstrap` SET inserted_rows = ? WHERE id = ?", insertedRows, id); err != nil {
		return fmt.Errorf("failed to update bootstrap %d progress: %w", id, err)
	}
	return nil
}

func (s *Store) MarkComplete(ctx context.Context, id int64, insertedRows uint64) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE `bootstrap` SET is_complete = 1, inserted_rows = ?, completed_at = NOW() WHERE id = ?",
		insertedRows, id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark bootstrap %d as complete: %w", id, err)
	}
	return nil
}

type Request struct {
	Database    string
	Table       string
	WhereClause string
	Comment     string
}

// Request queues a bootstrap for this client and returns its id. The running daemon picks it up from the
// binlog.
func (s *Store) Request(ctx context.Context, req Request) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		"INSERT INTO `bootstrap` (database_name, table_name, where_clause, client_id, comment, created_at) VALUES (?, ?, ?, ?, ?, NOW())",
		req.Database, req.Table,
		sql.NullString{String: req.WhereClause, Valid: req.WhereClause != ""},
		s.clientID,
		sql.NullString{String: req.Comment, Valid: req.Comment != ""},
	)
	if err != nil {
		return 0, fmt.Errorf("failed to insert bootstrap request: %w", err)
	}
	return result.LastInsertId()
}
