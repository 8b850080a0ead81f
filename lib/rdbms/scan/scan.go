package scan

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"slices"

	"github.com/artie-labs/transfer/lib/retry"

	"github.com/artie-labs/binlogd/lib/rdbms/primary_key"
)

const (
	jitterBaseMs = 300
	jitterMaxMs  = 5000
)

type ScannerConfig struct {
	BatchSize    uint
	ErrorRetries int
}

type ScanAdapter interface {
	// BuildQuery returns the next batch query. offset is the number of rows scanned so far and is only needed for
	// tables without a primary key.
	BuildQuery(primaryKeys []primary_key.Key, isFirstBatch bool, batchSize uint, offset uint64) (string, []any)
}

// Scanner pages through a table in primary key order. Rows come back as the raw values the driver produced, in
// the order of the query's columns.
type Scanner struct {
	// immutable
	db        *sql.DB
	batchSize uint
	retryCfg  retry.RetryConfig
	adapter   ScanAdapter

	// mutable
	primaryKeys  *primary_key.Keys
	isFirstBatch bool
	done         bool
	scanned      uint64
}

func NewScanner(db *sql.DB, _primaryKeys []primary_key.Key, cfg ScannerConfig, adapter ScanAdapter) (*Scanner, error) {
	if cfg.BatchSize == 0 {
		return nil, fmt.Errorf("batch size must be greater than zero")
	}

	retryCfg, err := retry.NewJitterRetryConfig(jitterBaseMs, jitterMaxMs, cfg.ErrorRetries, retry.AlwaysRetry)
	if err != nil {
		return nil, fmt.Errorf("failed to build retry config: %w", err)
	}

	return &Scanner{
		db:           db,
		batchSize:    cfg.BatchSize,
		retryCfg:     retryCfg,
		adapter:      adapter,
		primaryKeys:  primary_key.NewKeys(_primaryKeys),
		isFirstBatch: true,
		done:         false,
	}, nil
}

func (s *Scanner) HasNext() bool {
	return !s.done
}

func (s *Scanner) Next(ctx context.Context) ([][]any, error) {
	if !s.HasNext() {
		return nil, fmt.Errorf("no more rows to scan")
	}

	columns, rows, err := s.scan(ctx)
	if err != nil {
		s.done = true
		return nil, err
	}

	wasFirstBatch := s.isFirstBatch
	s.isFirstBatch = false
	s.scanned += uint64(len(rows))

	if s.primaryKeys.Length() == 0 {
		// Without a primary key we page with an offset until a short batch.
		s.done = len(rows) < int(s.batchSize)
		return rows, nil
	}

	if len(rows) == 0 || s.primaryKeys.IsExhausted() {
		s.done = true
	} else {
		// Update the starting keys so that the next scan will pick off where we last left off.
		lastRow := rows[len(rows)-1]
		var startingValuesChanged bool
		for _, pk := range s.primaryKeys.Keys() {
			idx := slices.Index(columns, pk.Name)
			if idx < 0 {
				s.done = true
				return nil, fmt.Errorf("primary key %q is not part of the scanned columns", pk.Name)
			}

			changed, err := s.primaryKeys.UpdateStartingValue(pk.Name, lastRow[idx])
			if err != nil {
				s.done = true
				return nil, err
			}
			startingValuesChanged = startingValuesChanged || changed
		}

		if !wasFirstBatch && !startingValuesChanged {
			// Detect situations where the scanner is stuck in a loop.
			// The second batch will use a > comparison instead of a >= comparison for the lower bound.
			s.done = true
			return nil, fmt.Errorf("primary key start values did not change, scanner is stuck in a loop")
		}
	}

	return rows, nil
}

func (s *Scanner) scan(ctx context.Context) ([]string, [][]any, error) {
	query, parameters := s.adapter.BuildQuery(s.primaryKeys.Keys(), s.isFirstBatch, s.batchSize, s.scanned)
	slog.Debug("Scan query", slog.String("query", query), slog.Any("parameters", parameters))

	rows, err := retry.WithRetriesAndResult(s.retryCfg, func(_ int, _ error) (*sql.Rows, error) {
		return s.db.QueryContext(ctx, query, parameters...)
	})
	if err != nil {
		return nil, nil, fmt.Errorf("scan failed: %w", err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get columns: %w", err)
	}

	var rowsData [][]any
	for rows.Next() {
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(values))
		for i := range values {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, nil, err
		}
		rowsData = append(rowsData, values)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed to iterate rows: %w", err)
	}
	return columns, rowsData, nil
}
