package config

import (
	"fmt"
	"regexp"

	"github.com/artie-labs/binlogd/sources/mysql/row"
)

type Output struct {
	// IncludeCommitInfo - defaults to true.
	IncludeCommitInfo     *bool `yaml:"includeCommitInfo,omitempty"`
	IncludeBinlogPosition bool  `yaml:"includeBinlogPosition,omitempty"`
	IncludeGTIDPosition   bool  `yaml:"includeGTIDPosition,omitempty"`
	IncludeServerID       bool  `yaml:"includeServerID,omitempty"`
	IncludeThreadID       bool  `yaml:"includeThreadID,omitempty"`
	IncludeXOffset        bool  `yaml:"includeXOffset,omitempty"`
	// IncludeRowQuery - adds the statement behind each row as `query`, needs binlog_rows_query_log_events.
	IncludeRowQuery bool `yaml:"includeRowQuery,omitempty"`
	// IncludeNulls - defaults to true.
	IncludeNulls *bool `yaml:"includeNulls,omitempty"`
	// ExcludeColumns - regular expressions, matching columns are dropped from `data` and `old`.
	ExcludeColumns []string `yaml:"excludeColumns,omitempty"`
	// DDL - publish schema changes as well.
	DDL bool `yaml:"ddl,omitempty"`
}

func boolOr(value *bool, fallback bool) bool {
	if value == nil {
		return fallback
	}
	return *value
}

func (o *Output) Validate() error {
	for _, pattern := range o.ExcludeColumns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid excludeColumns pattern %q: %w", pattern, err)
		}
	}
	return nil
}

func (o *Output) ToOutputConfig() (row.OutputConfig, error) {
	cfg := row.OutputConfig{
		IncludeCommitInfo:     boolOr(o.IncludeCommitInfo, true),
		IncludeBinlogPosition: o.IncludeBinlogPosition,
		IncludeGTIDPosition:   o.IncludeGTIDPosition,
		IncludeServerID:       o.IncludeServerID,
		IncludeThreadID:       o.IncludeThreadID,
		IncludeXOffset:        o.IncludeXOffset,
		IncludeRowQuery:       o.IncludeRowQuery,
		IncludeNulls:          boolOr(o.IncludeNulls, true),
	}

	for _, pattern := range o.ExcludeColumns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return row.OutputConfig{}, fmt.Errorf("invalid excludeColumns pattern %q: %w", pattern, err)
		}
		cfg.ExcludeColumns = append(cfg.ExcludeColumns, re)
	}
	return cfg, nil
}
