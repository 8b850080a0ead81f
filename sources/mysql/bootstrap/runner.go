package bootstrap

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/artie-labs/binlogd/lib/mysql/scanner"
	"github.com/artie-labs/binlogd/lib/rdbms/scan"
	"github.com/artie-labs/binlogd/sources/mysql/row"
	"github.com/artie-labs/binlogd/sources/mysql/schema"
)

const (
	defaultProgressInterval = 250 * time.Millisecond
	// connectionCharset is what the driver hands back string columns in, whatever their column charset.
	connectionCharset = "utf8mb4"
)

// Pusher receives the rows of a bootstrap.
type Pusher interface {
	Push(ctx context.Context, change row.Change) error
}

// Runner scans one table and pushes it as bootstrap-start, bootstrap-insert... and bootstrap-complete rows.
type Runner struct {
	db       *sqlx.DB
	store    *Store
	scanCfg  scan.ScannerConfig
	serverID uint32

	progressInterval time.Duration
	now              func() time.Time
}

// NewRunner scans through db, which must not be bound to a database since tables are qualified.
func NewRunner(db *sqlx.DB, store *Store, scanCfg scan.ScannerConfig, serverID uint32) *Runner {
	return &Runner{
		db:               db,
		store:            store,
		scanCfg:          scanCfg,
		serverID:         serverID,
		progressInterval: defaultProgressInterval,
		now:              time.Now,
	}
}

func (r *Runner) Run(ctx context.Context, task Task, def *schema.Table, pusher Pusher) error {
	logger := slog.With(slog.Int64("id", task.ID), slog.String("database", def.Database), slog.String("table", def.Name))

	total, err := r.estimateRows(ctx, def)
	if err != nil {
		return err
	}
	if err = r.store.MarkStarted(ctx, task, total); err != nil {
		return err
	}
	logger.Info("Starting bootstrap", slog.Uint64("estimatedRows", total), slog.String("where", task.WhereClause))

	if err = pusher.Push(ctx, r.newChange(row.BootstrapStart, task, def)); err != nil {
		return fmt.Errorf("failed to push bootstrap start: %w", err)
	}

	// String columns come back converted to the connection charset.
	scanDef := def.Copy()
	for _, col := range scanDef.Columns {
		if col.Charset != "" {
			col.Charset = connectionCharset
		}
	}

	tableScanner, err := scanner.NewScanner(ctx, r.db.DB, scanner.Table{
		Database:    def.Database,
		Name:        def.Name,
		Columns:     def.ColumnNames(),
		PrimaryKeys: def.PKs,
		Where:       task.WhereClause,
	}, r.scanCfg)
	if err != nil {
		return fmt.Errorf("failed to create scanner: %w", err)
	}

	var inserted uint64
	lastProgress := r.now()
	for tableScanner.HasNext() {
		batch, err := tableScanner.Next(ctx)
		if err != nil {
			return fmt.Errorf("failed to scan %q.%q: %w", def.Database, def.Name, err)
		}

		for _, values := range batch {
			data, err := row.DecodeRow(scanDef, values, nil)
			if err != nil {
				return err
			}

			change := r.newChange(row.BootstrapInsert, task, def)
			change.Data = data
			if err = pusher.Push(ctx, change); err != nil {
				return fmt.Errorf("failed to push bootstrap row: %w", err)
			}
			inserted++

			if now := r.now(); now.Sub(lastProgress) >= r.progressInterval {
				if err = r.store.UpdateProgress(ctx, task.ID, inserted); err != nil {
					return err
				}
				lastProgress = now
			}
		}
	}

	if err = pusher.Push(ctx, r.newChange(row.BootstrapComplete, task, def)); err != nil {
		return fmt.Errorf("failed to push bootstrap complete: %w", err)
	}
	if err = r.store.MarkComplete(ctx, task.ID, inserted); err != nil {
		return err
	}

	logger.Info("Finished bootstrap", slog.Uint64("rows", inserted))
	return nil
}

func (r *Runner) newChange(kind row.Type, task Task, def *schema.Table) row.Change {
	return row.Change{
		Type:            kind,
		Database:        def.Database,
		Table:           def.Name,
		TimestampMillis: r.now().UnixMilli(),
		PKColumns:       def.PKs,
		Position:        task.Position,
		ServerID:        r.serverID,
	}
}

// estimateRows reads the optimizer's row estimate, which is good enough for progress reporting.
func (r *Runner) estimateRows(ctx context.Context, def *schema.Table) (uint64, error) {
	var estimate sql.NullInt64
	err := r.db.GetContext(ctx, &estimate,
		"SELECT TABLE_ROWS FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?",
		def.Database, def.Name,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	} else if err != nil {
		return 0, fmt.Errorf("failed to estimate rows of %q.%q: %w", def.Database, def.Name, err)
	}
	return uint64(max(estimate.Int64, 0)), nil
}
