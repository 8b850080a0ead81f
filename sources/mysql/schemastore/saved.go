package schemastore

import (
	"context"
	"crypto/sha1"
	"database/sql"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"

	"github.com/artie-labs/binlogd/sources/mysql/position"
	"github.com/artie-labs/binlogd/sources/mysql/schema"
	"github.com/artie-labs/binlogd/sources/mysql/schema/ddl"
)

// SchemaStoreVersion is written to every saved schema. Restoring an older version forces the next save to be a
// full snapshot.
const SchemaStoreVersion = 4

const columnInsertBatchSize = 100

// queryer is satisfied by [sqlx.DB], [sqlx.Tx] and [sqlx.Conn].
type queryer interface {
	sqlx.QueryerContext
	sqlx.ExecerContext
}

// savedSchema is one row of `schemas` along with the schema it resolves to.
type savedSchema struct {
	id       *int64
	baseID   *int64
	deltas   []ddl.Change
	position position.Position
	version  int
	schema   *schema.Schema
}

func (s *savedSchema) isFullSnapshot() bool {
	return s.baseID == nil
}

func (s *savedSchema) positionSHA(serverID uint32) string {
	sum := sha1.Sum([]byte(fmt.Sprintf("%d/%s/%d/%d", serverID, s.position.File, s.position.Offset, s.position.LastHeartbeatRead)))
	return hex.EncodeToString(sum[:])
}

type schemaRow struct {
	ID                int64          `db:"id"`
	BaseSchemaID      sql.NullInt64  `db:"base_schema_id"`
	Deltas            sql.NullString `db:"deltas"`
	BinlogFile        string         `db:"binlog_file"`
	BinlogPosition    uint64         `db:"binlog_position"`
	GTIDSet           sql.NullString `db:"gtid_set"`
	LastHeartbeatRead sql.NullInt64  `db:"last_heartbeat_read"`
	Charset           sql.NullString `db:"charset"`
	Version           int            `db:"version"`
}

const selectSchemaRow = "SELECT id, base_schema_id, deltas, binlog_file, binlog_position, gtid_set, last_heartbeat_read, charset, version FROM `schemas` WHERE id = ?"

type fullSchemaRow struct {
	DatabaseID       int64          `db:"db_id"`
	DatabaseName     string         `db:"db_name"`
	DatabaseCharset  sql.NullString `db:"db_charset"`
	TableID          sql.NullInt64  `db:"table_id"`
	TableName        sql.NullString `db:"table_name"`
	TableCharset     sql.NullString `db:"table_charset"`
	TablePK          sql.NullString `db:"table_pk"`
	ColumnName       sql.NullString `db:"column_name"`
	ColumnCharset    sql.NullString `db:"column_charset"`
	ColumnType       sql.NullString `db:"column_type"`
	ColumnIsSigned   sql.NullBool   `db:"column_is_signed"`
	ColumnEnumValues sql.NullString `db:"column_enum_values"`
	ColumnLength     sql.NullInt64  `db:"column_length"`
}

const selectFullSchema = "SELECT d.id AS db_id, d.name AS db_name, d.charset AS db_charset, " +
	"t.id AS table_id, t.name AS table_name, t.charset AS table_charset, t.pk AS table_pk, " +
	"c.name AS column_name, c.charset AS column_charset, c.coltype AS column_type, c.is_signed AS column_is_signed, " +
	"c.enum_values AS column_enum_values, c.column_length AS column_length " +
	"FROM `databases` d LEFT JOIN `tables` t ON d.id = t.database_id LEFT JOIN `columns` c ON c.table_id = t.id " +
	"WHERE d.schema_id = ? ORDER BY d.id, t.id, c.id"

// restoreSavedSchema loads schema id, following base schema ids back to a full snapshot and replaying every
// delta on the way forward.
func restoreSavedSchema(ctx context.Context, q queryer, sensitivity schema.CaseSensitivity, id int64) (*savedSchema, error) {
	var chain []schemaRow
	for next := &id; next != nil; {
		var row schemaRow
		if err := sqlx.GetContext(ctx, q, &row, selectSchemaRow, *next); err != nil {
			return nil, fmt.Errorf("failed to load schema %d: %w", *next, err)
		}
		if len(chain) > 0 && row.ID >= chain[len(chain)-1].ID {
			return nil, fmt.Errorf("schema %d has a base schema that is not older than itself: %d", chain[len(chain)-1].ID, row.ID)
		}
		chain = append(chain, row)
		next = nil
		if row.BaseSchemaID.Valid {
			next = &row.BaseSchemaID.Int64
		}
	}

	base := chain[len(chain)-1]
	s, err := restoreFullSchema(ctx, q, sensitivity, base)
	if err != nil {
		return nil, err
	}

	var deltas []ddl.Change
	for i := len(chain) - 2; i >= 0; i-- {
		if !chain[i].Deltas.Valid {
			return nil, fmt.Errorf("schema %d has a base schema but no deltas", chain[i].ID)
		}
		deltas, err = ddl.UnmarshalChanges([]byte(chain[i].Deltas.String))
		if err != nil {
			return nil, fmt.Errorf("failed to read deltas of schema %d: %w", chain[i].ID, err)
		}
		for _, delta := range deltas {
			if err = delta.Apply(s); err != nil {
				return nil, fmt.Errorf("failed to replay deltas of schema %d: %w", chain[i].ID, err)
			}
		}
	}

	head := chain[0]
	saved := &savedSchema{
		id:       &head.ID,
		position: position.New(head.BinlogFile, head.BinlogPosition, head.GTIDSet.String, head.LastHeartbeatRead.Int64),
		version:  head.Version,
		schema:   s,
	}
	if head.BaseSchemaID.Valid {
		saved.baseID = &head.BaseSchemaID.Int64
		saved.deltas = deltas
	}
	return saved, nil
}

func restoreFullSchema(ctx context.Context, q queryer, sensitivity schema.CaseSensitivity, row schemaRow) (*schema.Schema, error) {
	var rows []fullSchemaRow
	if err := sqlx.SelectContext(ctx, q, &rows, selectFullSchema, row.ID); err != nil {
		return nil, fmt.Errorf("failed to load full schema %d: %w", row.ID, err)
	}

	s := schema.New(row.Charset.String, sensitivity)
	var (
		db             *schema.Database
		table          *schema.Table
		lastDatabaseID int64
		lastTableID    int64
	)
	for _, r := range rows {
		if db == nil || r.DatabaseID != lastDatabaseID {
			db = s.AddDatabase(r.DatabaseName, r.DatabaseCharset.String)
			lastDatabaseID = r.DatabaseID
			table = nil
		}

		if !r.TableID.Valid {
			continue
		}
		if table == nil || r.TableID.Int64 != lastTableID {
			table = &schema.Table{Name: r.TableName.String, Charset: r.TableCharset.String}
			if r.TablePK.String != "" {
				table.PKs = strings.Split(r.TablePK.String, ",")
			}
			db.AddTable(table)
			lastTableID = r.TableID.Int64
		}

		if !r.ColumnName.Valid {
			continue
		}
		col := &schema.Column{
			Name:         r.ColumnName.String,
			Type:         r.ColumnType.String,
			Signed:       r.ColumnIsSigned.Bool,
			Charset:      r.ColumnCharset.String,
			ColumnLength: r.ColumnLength.Int64,
		}
		if r.ColumnEnumValues.Valid {
			values, err := parseEnumValues(r.ColumnEnumValues.String, row.Version)
			if err != nil {
				return nil, fmt.Errorf("failed to parse enum values of %q.%q.%q: %w", db.Name, table.Name, col.Name, err)
			}
			col.EnumValues = values
		}
		table.Columns = append(table.Columns, col)
	}
	return s, nil
}

// parseEnumValues reads `columns.enum_values`, which was comma separated before version 4 and is JSON since.
func parseEnumValues(value string, version int) ([]string, error) {
	if version < 4 {
		return strings.Split(value, ","), nil
	}
	var values []string
	if err := json.Unmarshal([]byte(value), &values); err != nil {
		return nil, err
	}
	return values, nil
}

func insertSchemaRow(ctx context.Context, q queryer, serverID uint32, saved *savedSchema) (int64, error) {
	var deltas sql.NullString
	if !saved.isFullSnapshot() {
		data, err := ddl.MarshalChanges(saved.deltas)
		if err != nil {
			return 0, fmt.Errorf("failed to serialize deltas: %w", err)
		}
		deltas = sql.NullString{String: string(data), Valid: true}
	}

	var baseID sql.NullInt64
	if saved.baseID != nil {
		baseID = sql.NullInt64{Int64: *saved.baseID, Valid: true}
	}

	result, err := q.ExecContext(ctx,
		"INSERT INTO `schemas` (base_schema_id, deltas, binlog_file, binlog_position, server_id, charset, version, position_sha, gtid_set, last_heartbeat_read) "+
			"VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
		baseID, deltas, saved.position.File, saved.position.Offset, serverID, saved.schema.Charset, SchemaStoreVersion,
		saved.positionSHA(serverID), sql.NullString{String: saved.position.GTIDSet, Valid: saved.position.GTIDSet != ""},
		saved.position.LastHeartbeatRead,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// insertFullSchema writes every database, table and column of s under schemaID.
func insertFullSchema(ctx context.Context, q queryer, schemaID int64, s *schema.Schema) error {
	var columnArgs []any
	flush := func() error {
		if len(columnArgs) == 0 {
			return nil
		}
		rows := len(columnArgs) / 8
		query := "INSERT INTO `columns` (schema_id, table_id, name, charset, coltype, is_signed, enum_values, column_length) VALUES " +
			strings.TrimSuffix(strings.Repeat("(?, ?, ?, ?, ?, ?, ?, ?), ", rows), ", ")
		if _, err := q.ExecContext(ctx, query, columnArgs...); err != nil {
			return fmt.Errorf("failed to insert columns: %w", err)
		}
		columnArgs = columnArgs[:0]
		return nil
	}

	for _, db := range s.Databases {
		result, err := q.ExecContext(ctx, "INSERT INTO `databases` (schema_id, name, charset) VALUES (?, ?, ?)", schemaID, db.Name, db.Charset)
		if err != nil {
			return fmt.Errorf("failed to insert database %q: %w", db.Name, err)
		}
		databaseID, err := result.LastInsertId()
		if err != nil {
			return err
		}

		for _, table := range db.Tables {
			result, err = q.ExecContext(ctx, "INSERT INTO `tables` (schema_id, database_id, name, charset, pk) VALUES (?, ?, ?, ?, ?)",
				schemaID, databaseID, table.Name, table.Charset, strings.Join(table.PKs, ","),
			)
			if err != nil {
				return fmt.Errorf("failed to insert table %q.%q: %w", db.Name, table.Name, err)
			}
			tableID, err := result.LastInsertId()
			if err != nil {
				return err
			}

			for _, col := range table.Columns {
				var enumValues sql.NullString
				if col.EnumValues != nil {
					data, err := json.Marshal(col.EnumValues)
					if err != nil {
						return err
					}
					enumValues = sql.NullString{String: string(data), Valid: true}
				}
				columnArgs = append(columnArgs, schemaID, tableID, col.Name, sql.NullString{String: col.Charset, Valid: col.Charset != ""},
					col.Type, col.Signed, enumValues, col.ColumnLength)
				if len(columnArgs)/8 >= columnInsertBatchSize {
					if err = flush(); err != nil {
						return err
					}
				}
			}
		}
	}
	return flush()
}
