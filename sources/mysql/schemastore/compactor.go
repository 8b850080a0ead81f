package schemastore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/artie-labs/binlogd/lib/mysql"
	"github.com/artie-labs/binlogd/sources/mysql/position"
	"github.com/artie-labs/binlogd/sources/mysql/schema"
)

const (
	compactInterval = 5 * time.Second
	deleteBatchSize = 500
	deleteSleep     = 200 * time.Millisecond
)

type PositionLister interface {
	ServerPositions(ctx context.Context) ([]position.Position, error)
}

// Compactor folds long delta chains into a fresh full snapshot once every client has moved past the newest schema,
// then removes the schemas it replaces. Only one compactor per server id runs at a time, guarded by an advisory lock.
type Compactor struct {
	db          *sqlx.DB
	serverID    uint32
	sensitivity schema.CaseSensitivity
	maxDeltas   int
	positions   PositionLister
	sleep       func(ctx context.Context, d time.Duration) error

	lastWarnedSchemaID int64
}

func NewCompactor(db *sqlx.DB, serverID uint32, sensitivity schema.CaseSensitivity, maxDeltas int, positions PositionLister) *Compactor {
	return &Compactor{
		db:          db,
		serverID:    serverID,
		sensitivity: sensitivity,
		maxDeltas:   maxDeltas,
		positions:   positions,
		sleep:       sleepContext,
	}
}

func (c *Compactor) lockName() string {
	return fmt.Sprintf("binlogd_schema_compaction-%d", c.serverID)
}

// Run compacts every few seconds until ctx is cancelled. Failures are logged and retried on the next round.
func (c *Compactor) Run(ctx context.Context) error {
	for {
		if _, err := c.Compact(ctx); err != nil && ctx.Err() == nil {
			slog.Warn("Failed to compact schemas", slog.Any("err", err))
		}

		if err := c.sleep(ctx, compactInterval); err != nil {
			return nil
		}
	}
}

// Compact runs one round and reports whether anything was compacted.
func (c *Compactor) Compact(ctx context.Context) (bool, error) {
	lock, err := mysql.AcquireLock(ctx, c.db, c.lockName())
	if errors.Is(err, mysql.ErrLockNotAcquired) {
		slog.Debug("Another process is compacting schemas")
		return false, nil
	} else if err != nil {
		return false, err
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
			slog.Warn("Failed to release compaction lock", slog.Any("err", err))
		}
	}()

	conn := lock.Conn()
	schemaID, err := c.chooseBase(ctx, conn)
	if err != nil || schemaID == nil {
		return false, err
	}

	slog.Info("Compacting schemas", slog.Int64("schemaID", *schemaID))
	if err = c.compact(ctx, conn, *schemaID); err != nil {
		return false, err
	}
	if err = c.deleteOlderSchemas(ctx, conn, *schemaID); err != nil {
		return false, err
	}
	return true, nil
}

// chooseBase returns the newest schema if there are enough schemas to compact and every client has passed it.
func (c *Compactor) chooseBase(ctx context.Context, q queryer) (*int64, error) {
	var count int
	if err := sqlx.GetContext(ctx, q, &count, "SELECT COUNT(*) FROM `schemas` WHERE server_id = ? AND deleted = 0", c.serverID); err != nil {
		return nil, fmt.Errorf("failed to count schemas: %w", err)
	}
	if count < c.maxDeltas {
		return nil, nil
	}

	var newest schemaRow
	err := sqlx.GetContext(ctx, q, &newest,
		"SELECT id, binlog_file, binlog_position, gtid_set FROM `schemas` WHERE server_id = ? AND deleted = 0 ORDER BY id DESC LIMIT 1",
		c.serverID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load newest schema: %w", err)
	}
	schemaPosition := position.New(newest.BinlogFile, newest.BinlogPosition, newest.GTIDSet.String, 0)
	positions, err := c.positions.ServerPositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, clientPosition := range positions {
		newer, err := clientPosition.NewerThan(&schemaPosition)
		if err != nil {
			return nil, err
		}
		if !newer {
			if c.lastWarnedSchemaID != newest.ID {
				slog.Warn("Not compacting schema, a client has not reached it yet",
					slog.Int64("schemaID", newest.ID),
					slog.String("clientPosition", clientPosition.String()),
				)
				c.lastWarnedSchemaID = newest.ID
			}
			return nil, nil
		}
	}
	return &newest.ID, nil
}

// compact rewrites schemaID as a full snapshot in place and marks every older schema deleted.
func (c *Compactor) compact(ctx context.Context, conn *sqlx.Conn, schemaID int64) error {
	saved, err := restoreSavedSchema(ctx, conn, c.sensitivity, schemaID)
	if err != nil {
		return err
	}

	tx, err := conn.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}
	defer tx.Rollback()

	if !saved.isFullSnapshot() {
		if err = insertFullSchema(ctx, tx, schemaID, saved.schema); err != nil {
			return err
		}
		if _, err = tx.ExecContext(ctx, "UPDATE `schemas` SET base_schema_id = NULL, deltas = NULL WHERE id = ?", schemaID); err != nil {
			return fmt.Errorf("failed to detach schema %d: %w", schemaID, err)
		}
	}
	if _, err = tx.ExecContext(ctx, "UPDATE `schemas` SET deleted = 1 WHERE id < ? AND server_id = ?", schemaID, c.serverID); err != nil {
		return fmt.Errorf("failed to mark old schemas deleted: %w", err)
	}
	return tx.Commit()
}

// deleteOlderSchemas removes schemas older than schemaID in small batches to go easy on the server.
func (c *Compactor) deleteOlderSchemas(ctx context.Context, q queryer, schemaID int64) error {
	var ids []int64
	if err := sqlx.SelectContext(ctx, q, &ids, "SELECT id FROM `schemas` WHERE id < ? AND server_id = ?", schemaID, c.serverID); err != nil {
		return fmt.Errorf("failed to list old schemas: %w", err)
	}

	for _, id := range ids {
		slog.Debug("Deleting schema", slog.Int64("schemaID", id))
		for _, table := range []string{"columns", "tables", "databases"} {
			if err := c.deleteFrom(ctx, q, table, id); err != nil {
				return err
			}
		}
		if _, err := q.ExecContext(ctx, "DELETE FROM `schemas` WHERE id = ?", id); err != nil {
			return fmt.Errorf("failed to delete schema %d: %w", id, err)
		}
	}
	return nil
}

func (c *Compactor) deleteFrom(ctx context.Context, q queryer, table string, schemaID int64) error {
	for {
		result, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM `%s` WHERE schema_id = ? LIMIT %d", table, deleteBatchSize), schemaID)
		if err != nil {
			return fmt.Errorf("failed to delete from %s: %w", table, err)
		}
		deleted, err := result.RowsAffected()
		if err != nil {
			return err
		} else if deleted == 0 {
			return nil
		}
		if err = c.sleep(ctx, deleteSleep); err != nil {
			return err
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
