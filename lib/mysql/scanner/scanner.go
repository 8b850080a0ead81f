package scanner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/artie-labs/binlogd/lib/rdbms/primary_key"
	"github.com/artie-labs/binlogd/lib/rdbms/scan"
)

// Table describes what to scan. Where is an optional SQL condition rows must match.
type Table struct {
	Database    string
	Name        string
	Columns     []string
	PrimaryKeys []string
	Where       string
}

type scanAdapter struct {
	table Table
}

func (s scanAdapter) BuildQuery(primaryKeys []primary_key.Key, isFirstBatch bool, batchSize uint, offset uint64) (string, []any) {
	return buildScanTableQuery(buildScanTableQueryArgs{
		Database:            s.table.Database,
		Table:               s.table.Name,
		Columns:             s.table.Columns,
		PrimaryKeys:         primaryKeys,
		Where:               s.table.Where,
		InclusiveLowerBound: isFirstBatch,
		Limit:               batchSize,
		Offset:              offset,
	})
}

// NewScanner returns a scanner over the rows of table that exist right now, in primary key order. Rows inserted
// above the current largest primary key are not returned.
func NewScanner(ctx context.Context, db *sql.DB, table Table, cfg scan.ScannerConfig) (*scan.Scanner, error) {
	keys, err := loadPrimaryKeyBounds(ctx, db, table)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve bounds for primary keys: %w", err)
	}
	return scan.NewScanner(db, keys, cfg, scanAdapter{table: table})
}

func loadPrimaryKeyBounds(ctx context.Context, db *sql.DB, table Table) ([]primary_key.Key, error) {
	if len(table.PrimaryKeys) == 0 {
		return nil, nil
	}

	minValues, err := queryBound(ctx, db, buildBoundQuery(table.Database, table.Name, table.PrimaryKeys, table.Where, false), len(table.PrimaryKeys))
	if err != nil {
		return nil, err
	}
	maxValues, err := queryBound(ctx, db, buildBoundQuery(table.Database, table.Name, table.PrimaryKeys, table.Where, true), len(table.PrimaryKeys))
	if err != nil {
		return nil, err
	}

	keys := make([]primary_key.Key, len(table.PrimaryKeys))
	for i, name := range table.PrimaryKeys {
		keys[i] = primary_key.Key{Name: name}
		// An empty table leaves the bounds nil, which matches nothing.
		if minValues != nil {
			keys[i].StartingValue = minValues[i]
			keys[i].EndingValue = maxValues[i]
		}
	}
	return keys, nil
}

func queryBound(ctx context.Context, db *sql.DB, query string, count int) ([]any, error) {
	values := make([]any, count)
	valuePtrs := make([]any, count)
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	if err := db.QueryRowContext(ctx, query).Scan(valuePtrs...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return values, nil
}
