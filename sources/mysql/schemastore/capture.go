package schemastore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/jmoiron/sqlx"

	"github.com/artie-labs/binlogd/sources/mysql/schema"
)

var ignoredDatabases = []string{"information_schema", "performance_schema", "sys"}

var enumValuePattern = regexp.MustCompile(`'((?:[^']|'')*)'`)

// Capturer reads a [schema.Schema] from the source server's `information_schema`.
type Capturer struct {
	db          *sqlx.DB
	sensitivity schema.CaseSensitivity
	// empty means every database
	databases []string
}

func NewCapturer(db *sqlx.DB, sensitivity schema.CaseSensitivity, databases []string) *Capturer {
	return &Capturer{db: db, sensitivity: sensitivity, databases: databases}
}

// ReadCaseSensitivity returns the server's `lower_case_table_names`.
func ReadCaseSensitivity(ctx context.Context, db *sqlx.DB) (schema.CaseSensitivity, error) {
	var value int
	if err := db.GetContext(ctx, &value, "SELECT @@lower_case_table_names"); err != nil {
		return 0, fmt.Errorf("failed to read lower_case_table_names: %w", err)
	}

	switch sensitivity := schema.CaseSensitivity(value); sensitivity {
	case schema.CaseSensitive, schema.ConvertToLower, schema.ConvertOnCompare:
		return sensitivity, nil
	default:
		return 0, fmt.Errorf("unexpected lower_case_table_names: %d", value)
	}
}

type databaseRow struct {
	Name    string         `db:"SCHEMA_NAME"`
	Charset sql.NullString `db:"DEFAULT_CHARACTER_SET_NAME"`
}

type tableRow struct {
	Name    string         `db:"TABLE_NAME"`
	Charset sql.NullString `db:"CHARACTER_SET_NAME"`
}

type columnRow struct {
	TableName         string         `db:"TABLE_NAME"`
	Name              string         `db:"COLUMN_NAME"`
	DataType          string         `db:"DATA_TYPE"`
	Charset           sql.NullString `db:"CHARACTER_SET_NAME"`
	ColumnType        string         `db:"COLUMN_TYPE"`
	DateTimePrecision sql.NullInt64  `db:"DATETIME_PRECISION"`
}

type primaryKeyRow struct {
	TableName string `db:"TABLE_NAME"`
	Name      string `db:"COLUMN_NAME"`
}

func (c *Capturer) Capture(ctx context.Context) (*schema.Schema, error) {
	var charset string
	if err := c.db.GetContext(ctx, &charset, "SELECT @@character_set_server"); err != nil {
		return nil, fmt.Errorf("failed to read the server charset: %w", err)
	}

	query := "SELECT SCHEMA_NAME, DEFAULT_CHARACTER_SET_NAME FROM INFORMATION_SCHEMA.SCHEMATA"
	var args []any
	if len(c.databases) > 0 {
		var err error
		query, args, err = sqlx.In(query+" WHERE SCHEMA_NAME IN (?)", c.databases)
		if err != nil {
			return nil, err
		}
	}

	var databases []databaseRow
	if err := c.db.SelectContext(ctx, &databases, query+" ORDER BY SCHEMA_NAME", args...); err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}

	s := schema.New(charset, c.sensitivity)
	for _, row := range databases {
		if slices.Contains(ignoredDatabases, strings.ToLower(row.Name)) {
			continue
		}
		db := s.AddDatabase(row.Name, strings.ToLower(row.Charset.String))
		if err := c.captureDatabase(ctx, db, row.Name); err != nil {
			return nil, err
		}
	}

	slog.Info("Captured schema", slog.Int("databases", len(s.Databases)))
	return s, nil
}

func (c *Capturer) captureDatabase(ctx context.Context, db *schema.Database, name string) error {
	var tables []tableRow
	err := c.db.SelectContext(ctx, &tables,
		"SELECT TABLES.TABLE_NAME, CCSA.CHARACTER_SET_NAME FROM INFORMATION_SCHEMA.TABLES "+
			"JOIN INFORMATION_SCHEMA.COLLATION_CHARACTER_SET_APPLICABILITY AS CCSA ON TABLES.TABLE_COLLATION = CCSA.COLLATION_NAME "+
			"WHERE TABLES.TABLE_SCHEMA = ? ORDER BY TABLES.TABLE_NAME",
		name,
	)
	if err != nil {
		return fmt.Errorf("failed to list tables of %q: %w", name, err)
	}

	byName := make(map[string]*schema.Table, len(tables))
	for _, row := range tables {
		table := &schema.Table{Name: row.Name, Charset: strings.ToLower(row.Charset.String)}
		byName[row.Name] = table
		db.AddTable(table)
	}

	var columns []columnRow
	err = c.db.SelectContext(ctx, &columns,
		"SELECT TABLE_NAME, COLUMN_NAME, DATA_TYPE, CHARACTER_SET_NAME, COLUMN_TYPE, DATETIME_PRECISION "+
			"FROM INFORMATION_SCHEMA.COLUMNS WHERE TABLE_SCHEMA = ? ORDER BY TABLE_NAME, ORDINAL_POSITION",
		name,
	)
	if err != nil {
		return fmt.Errorf("failed to list columns of %q: %w", name, err)
	}
	for _, row := range columns {
		table, ok := byName[row.TableName]
		if !ok {
			// Views show up in COLUMNS but not in the collation join above.
			continue
		}
		table.Columns = append(table.Columns, buildColumn(row))
	}

	var pks []primaryKeyRow
	err = c.db.SelectContext(ctx, &pks,
		"SELECT TABLE_NAME, COLUMN_NAME FROM INFORMATION_SCHEMA.KEY_COLUMN_USAGE "+
			"WHERE CONSTRAINT_NAME = 'PRIMARY' AND TABLE_SCHEMA = ? ORDER BY TABLE_NAME, ORDINAL_POSITION",
		name,
	)
	if err != nil {
		return fmt.Errorf("failed to list primary keys of %q: %w", name, err)
	}
	for _, row := range pks {
		if table, ok := byName[row.TableName]; ok {
			table.PKs = append(table.PKs, row.Name)
		}
	}
	return nil
}

func buildColumn(row columnRow) *schema.Column {
	dataType := strings.ToLower(row.DataType)
	col := &schema.Column{Name: row.Name, Type: dataType, Charset: strings.ToLower(row.Charset.String)}

	switch dataType {
	case "tinyint", "smallint", "mediumint", "int", "bigint", "float", "double", "decimal":
		col.Signed = !strings.HasSuffix(strings.ToLower(row.ColumnType), " unsigned") &&
			!strings.Contains(strings.ToLower(row.ColumnType), " unsigned ")
	case "enum", "set":
		col.EnumValues = extractEnumValues(row.ColumnType)
	case "datetime", "timestamp", "time":
		col.ColumnLength = row.DateTimePrecision.Int64
	}
	return col
}

// extractEnumValues reads the members out of a COLUMN_TYPE such as `enum('a','b''c')`.
func extractEnumValues(columnType string) []string {
	open := strings.IndexByte(columnType, '(')
	if open < 0 {
		return nil
	}
	var values []string
	for _, match := range enumValuePattern.FindAllStringSubmatch(columnType[open:], -1) {
		values = append(values, strings.ReplaceAll(match[1], "''", "'"))
	}
	return values
}
