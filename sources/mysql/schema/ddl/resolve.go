package ddl

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/pingcap/tidb/pkg/parser"
	"github.com/pingcap/tidb/pkg/parser/ast"
	"github.com/pingcap/tidb/pkg/parser/mysql"
	_ "github.com/pingcap/tidb/pkg/parser/test_driver"
	"github.com/pingcap/tidb/pkg/parser/types"

	"github.com/artie-labs/binlogd/sources/mysql/schema"
)

var (
	leadingCommentsRegex = regexp.MustCompile(`^(\s+|/\*.*?\*/|--[^\n]*(\n|$)|#[^\n]*(\n|$))*`)
	schemaChangeRegex    = regexp.MustCompile(`(?is)^(create|alter|drop|rename)\s+(ignore\s+)?(table|database|schema)\b`)
	temporaryRegex       = regexp.MustCompile(`(?is)^(create|drop)\s+temporary\s`)
)

// IsSchemaChange reports whether a query could alter the tracked schema. Everything else (DML, grants,
// triggers, temporary tables, etc.) is skipped before it reaches the parser.
func IsSchemaChange(sql string) bool {
	stripped := leadingCommentsRegex.ReplaceAllString(sql, "")
	if temporaryRegex.MatchString(stripped) {
		return false
	}
	return schemaChangeRegex.MatchString(stripped)
}

// BlacklistFunc returns true for tables whose schema should not be tracked at all.
type BlacklistFunc func(database, table string) bool

type Resolver struct {
	parser        *parser.Parser
	isBlacklisted BlacklistFunc
}

func NewResolver(isBlacklisted BlacklistFunc) *Resolver {
	if isBlacklisted == nil {
		isBlacklisted = func(string, string) bool { return false }
	}
	return &Resolver{parser: parser.New(), isBlacklisted: isBlacklisted}
}

// Resolve parses a DDL statement and resolves it against a copy of the given schema. Each change is applied to
// the copy as soon as it is produced so that later clauses (RENAME TABLE a TO b, b TO c) observe earlier ones.
// The passed in schema is not mutated.
func (r *Resolver) Resolve(sql string, currentDatabase string, s *schema.Schema) ([]Change, error) {
	stmts, _, err := r.parser.Parse(sql, "", "")
	if err != nil {
		return nil, fmt.Errorf("failed to parse query %q: %w", sql, err)
	}

	res := &resolution{working: s.Copy(), currentDatabase: currentDatabase}
	for _, stmt := range stmts {
		if err = r.resolveStatement(stmt, res); err != nil {
			return nil, fmt.Errorf("failed to resolve query %q: %w", sql, err)
		}
	}

	return res.changes, nil
}

type resolution struct {
	working         *schema.Schema
	currentDatabase string
	changes         []Change
}

func (r *resolution) emit(change Change) error {
	if err := change.Apply(r.working); err != nil {
		return fmt.Errorf("failed to apply %s: %w", change.Type(), err)
	}
	r.changes = append(r.changes, change)
	return nil
}

func (r *Resolver) resolveStatement(stmt ast.StmtNode, res *resolution) error {
	s := res.working
	switch castedStmt := stmt.(type) {
	case *ast.CreateDatabaseStmt:
		return r.createDatabase(castedStmt, res)
	case *ast.DropDatabaseStmt:
		if _, ok := s.FindDatabase(castedStmt.Name.O); !ok {
			if castedStmt.IfExists {
				return nil
			}
			return fmt.Errorf("database not found: %q", castedStmt.Name.O)
		}
		return res.emit(DatabaseDrop{Database: castedStmt.Name.O})
	case *ast.AlterDatabaseStmt:
		name := castedStmt.Name.O
		if castedStmt.AlterDefaultDatabase || name == "" {
			name = res.currentDatabase
		}
		db, err := s.FindDatabaseOrErr(name)
		if err != nil {
			return err
		}
		charset := databaseCharset(castedStmt.Options)
		if charset == "" || strings.EqualFold(charset, db.Charset) {
			return nil
		}
		return res.emit(DatabaseAlter{Database: db.Name, Charset: charset})
	case *ast.CreateTableStmt:
		return r.createTable(castedStmt, res)
	case *ast.DropTableStmt:
		return r.dropTables(castedStmt, res)
	case *ast.RenameTableStmt:
		for _, tt := range castedStmt.TableToTables {
			if err := r.renameTable(tt.OldTable, tt.NewTable, res); err != nil {
				return err
			}
		}
		return nil
	case *ast.AlterTableStmt:
		return r.alterTable(castedStmt, res)
	default:
		return nil
	}
}

func (r *Resolver) createDatabase(stmt *ast.CreateDatabaseStmt, res *resolution) error {
	if _, ok := res.working.FindDatabase(stmt.Name.O); ok {
		if stmt.IfNotExists {
			return nil
		}
		return fmt.Errorf("database already exists: %q", stmt.Name.O)
	}

	charset := databaseCharset(stmt.Options)
	if charset == "" {
		charset = res.working.Charset
	}
	return res.emit(DatabaseCreate{Database: stmt.Name.O, Charset: charset})
}

func (r *Resolver) createTable(stmt *ast.CreateTableStmt, res *resolution) error {
	dbName := tableDatabase(stmt.Table, res.currentDatabase)
	if r.isBlacklisted(dbName, stmt.Table.Name.O) {
		return nil
	}

	db, err := res.working.FindDatabaseOrErr(dbName)
	if err != nil {
		return err
	}

	if _, ok := db.FindTable(stmt.Table.Name.O); ok {
		if stmt.IfNotExists {
			return nil
		}
		return fmt.Errorf("table already exists: %q.%q", dbName, stmt.Table.Name.O)
	}

	if stmt.ReferTable != nil {
		// CREATE TABLE ... LIKE
		source, err := res.working.FindTableOrErr(tableDatabase(stmt.ReferTable, res.currentDatabase), stmt.ReferTable.Name.O)
		if err != nil {
			return err
		}

		def := source.Copy()
		def.Database = db.Name
		def.Name = stmt.Table.Name.O
		return res.emit(TableCreate{Def: def})
	}

	def := &schema.Table{
		Database: db.Name,
		Name:     stmt.Table.Name.O,
		Charset:  tableCharset(stmt.Options, db.Charset),
		PKs:      []string{},
	}

	for _, colDef := range stmt.Cols {
		col := buildColumn(colDef, def.Charset)
		def.Columns = append(def.Columns, col)
		if hasPrimaryKeyOption(colDef) {
			def.PKs = append(def.PKs, col.Name)
		}
	}

	for _, constraint := range stmt.Constraints {
		if constraint.Tp == ast.ConstraintPrimaryKey {
			def.PKs = constraintColumns(constraint)
		}
	}

	return res.emit(TableCreate{Def: def})
}

func (r *Resolver) dropTables(stmt *ast.DropTableStmt, res *resolution) error {
	if stmt.IsView {
		return nil
	}

	for _, tableName := range stmt.Tables {
		dbName := tableDatabase(tableName, res.currentDatabase)
		if r.isBlacklisted(dbName, tableName.Name.O) {
			continue
		}

		table, ok := res.working.FindTable(dbName, tableName.Name.O)
		if !ok {
			if stmt.IfExists {
				continue
			}
			return fmt.Errorf("table not found: %q.%q", dbName, tableName.Name.O)
		}
		if err := res.emit(TableDrop{Database: table.Database, Table: table.Name}); err != nil {
			return err
		}
	}
	return nil
}

func (r *Resolver) renameTable(from, to *ast.TableName, res *resolution) error {
	oldDB := tableDatabase(from, res.currentDatabase)
	newDB := tableDatabase(to, res.currentDatabase)
	if r.isBlacklisted(oldDB, from.Name.O) && r.isBlacklisted(newDB, to.Name.O) {
		return nil
	}

	table, err := res.working.FindTableOrErr(oldDB, from.Name.O)
	if err != nil {
		return err
	}

	db, err := res.working.FindDatabaseOrErr(newDB)
	if err != nil {
		return err
	}

	def := table.Copy()
	def.Database = db.Name
	def.Name = to.Name.O
	return res.emit(TableAlter{Database: table.Database, Table: table.Name, Old: table.Copy(), New: def})
}

func (r *Resolver) alterTable(stmt *ast.AlterTableStmt, res *resolution) error {
	dbName := tableDatabase(stmt.Table, res.currentDatabase)
	if r.isBlacklisted(dbName, stmt.Table.Name.O) {
		return nil
	}

	table, err := res.working.FindTableOrErr(dbName, stmt.Table.Name.O)
	if err != nil {
		return err
	}

	def := table.Copy()
	for _, spec := range stmt.Specs {
		if err = applySpec(def, spec, res.currentDatabase); err != nil {
			return err
		}
	}

	if !res.working.Sensitivity.Equal(def.Database, table.Database) {
		db, err := res.working.FindDatabaseOrErr(def.Database)
		if err != nil {
			return err
		}
		def.Database = db.Name
	}

	if def.Equal(table) {
		return nil
	}
	return res.emit(TableAlter{Database: table.Database, Table: table.Name, Old: table.Copy(), New: def})
}

func applySpec(def *schema.Table, spec *ast.AlterTableSpec, currentDatabase string) error {
	switch spec.Tp {
	case ast.AlterTableAddColumns:
		for i, colDef := range spec.NewColumns {
			if def.ColumnIndex(colDef.Name.Name.O) >= 0 {
				if spec.IfNotExists {
					continue
				}
				return fmt.Errorf("column already exists: %q", colDef.Name.Name.O)
			}

			col := buildColumn(colDef, def.Charset)
			position := spec.Position
			if i > 0 {
				// ADD COLUMN (a INT, b INT) only positions the first column.
				position = nil
			}
			if err := insertColumn(def, col, position); err != nil {
				return err
			}
			if hasPrimaryKeyOption(colDef) {
				def.PKs = append(def.PKs, col.Name)
			}
		}
	case ast.AlterTableDropColumn:
		name := spec.OldColumnName.Name.O
		idx := def.ColumnIndex(name)
		if idx == -1 {
			if spec.IfExists {
				return nil
			}
			return fmt.Errorf("column not found: %q", name)
		}
		def.Columns = slices.Delete(def.Columns, idx, idx+1)
		def.PKs = slices.DeleteFunc(def.PKs, func(pk string) bool { return strings.EqualFold(pk, name) })
	case ast.AlterTableModifyColumn, ast.AlterTableChangeColumn:
		colDef := spec.NewColumns[0]
		oldName := colDef.Name.Name.O
		if spec.Tp == ast.AlterTableChangeColumn {
			oldName = spec.OldColumnName.Name.O
		}

		idx := def.ColumnIndex(oldName)
		if idx == -1 {
			return fmt.Errorf("column not found: %q", oldName)
		}

		col := buildColumn(colDef, def.Charset)
		if spec.Position == nil || spec.Position.Tp == ast.ColumnPositionNone {
			def.Columns[idx] = col
		} else {
			def.Columns = slices.Delete(def.Columns, idx, idx+1)
			if err := insertColumn(def, col, spec.Position); err != nil {
				return err
			}
		}
		renamePK(def, oldName, col.Name)
		if hasPrimaryKeyOption(colDef) && !slices.ContainsFunc(def.PKs, func(pk string) bool { return strings.EqualFold(pk, col.Name) }) {
			def.PKs = append(def.PKs, col.Name)
		}
	case ast.AlterTableRenameColumn:
		oldName := spec.OldColumnName.Name.O
		col, ok := def.FindColumn(oldName)
		if !ok {
			return fmt.Errorf("column not found: %q", oldName)
		}
		col.Name = spec.NewColumnName.Name.O
		renamePK(def, oldName, col.Name)
	case ast.AlterTableRenameTable:
		def.Database = tableDatabase(spec.NewTable, currentDatabase)
		def.Name = spec.NewTable.Name.O
	case ast.AlterTableAddConstraint:
		if spec.Constraint != nil && spec.Constraint.Tp == ast.ConstraintPrimaryKey {
			pks := constraintColumns(spec.Constraint)
			for _, pk := range pks {
				if def.ColumnIndex(pk) == -1 {
					return fmt.Errorf("column not found: %q", pk)
				}
			}
			def.PKs = pks
		}
	case ast.AlterTableDropPrimaryKey:
		def.PKs = []string{}
	case ast.AlterTableOption:
		for _, opt := range spec.Options {
			if opt.Tp != ast.TableOptionCharset || opt.StrValue == "" {
				continue
			}

			charset := strings.ToLower(opt.StrValue)
			if opt.UintValue == ast.TableOptionCharsetWithConvertTo {
				// CONVERT TO CHARACTER SET rewrites every textual column.
				for _, col := range def.Columns {
					if col.Charset != "" {
						col.Charset = charset
					}
				}
			}
			def.Charset = charset
		}
	}
	return nil
}

func insertColumn(def *schema.Table, col *schema.Column, position *ast.ColumnPosition) error {
	if position == nil {
		def.Columns = append(def.Columns, col)
		return nil
	}

	switch position.Tp {
	case ast.ColumnPositionFirst:
		def.Columns = slices.Insert(def.Columns, 0, col)
	case ast.ColumnPositionAfter:
		idx := def.ColumnIndex(position.RelativeColumn.Name.O)
		if idx == -1 {
			return fmt.Errorf("column not found: %q", position.RelativeColumn.Name.O)
		}
		def.Columns = slices.Insert(def.Columns, idx+1, col)
	default:
		def.Columns = append(def.Columns, col)
	}
	return nil
}

func renamePK(def *schema.Table, oldName, newName string) {
	for i, pk := range def.PKs {
		if strings.EqualFold(pk, oldName) {
			def.PKs[i] = newName
		}
	}
}

func buildColumn(colDef *ast.ColumnDef, tableCharset string) *schema.Column {
	tp := colDef.Tp
	col := &schema.Column{
		Name: colDef.Name.Name.O,
		Type: strings.ToLower(types.TypeToStr(tp.GetType(), tp.GetCharset())),
	}

	switch tp.GetType() {
	case mysql.TypeTiny, mysql.TypeShort, mysql.TypeInt24, mysql.TypeLong, mysql.TypeLonglong,
		mysql.TypeFloat, mysql.TypeDouble, mysql.TypeNewDecimal:
		col.Signed = !mysql.HasUnsignedFlag(tp.GetFlag())
	case mysql.TypeEnum, mysql.TypeSet:
		col.EnumValues = slices.Clone(tp.GetElems())
		col.Charset = columnCharset(colDef, tableCharset)
	case mysql.TypeString, mysql.TypeVarchar, mysql.TypeVarString,
		mysql.TypeTinyBlob, mysql.TypeBlob, mysql.TypeMediumBlob, mysql.TypeLongBlob:
		if tp.GetCharset() != "binary" {
			col.Charset = columnCharset(colDef, tableCharset)
		}
	case mysql.TypeDatetime, mysql.TypeTimestamp, mysql.TypeDuration:
		col.ColumnLength = int64(max(0, tp.GetDecimal()))
	}
	return col
}

func columnCharset(colDef *ast.ColumnDef, tableCharset string) string {
	if cs := colDef.Tp.GetCharset(); cs != "" {
		return strings.ToLower(cs)
	}
	for _, opt := range colDef.Options {
		if opt.Tp == ast.ColumnOptionCollate && opt.StrValue != "" {
			return charsetFromCollation(opt.StrValue)
		}
	}
	if collation := colDef.Tp.GetCollate(); collation != "" {
		return charsetFromCollation(collation)
	}
	return tableCharset
}

func hasPrimaryKeyOption(colDef *ast.ColumnDef) bool {
	return slices.ContainsFunc(colDef.Options, func(opt *ast.ColumnOption) bool { return opt.Tp == ast.ColumnOptionPrimaryKey })
}

func constraintColumns(constraint *ast.Constraint) []string {
	var columns []string
	for _, key := range constraint.Keys {
		if key.Column != nil {
			columns = append(columns, key.Column.Name.O)
		}
	}
	return columns
}

func tableCharset(options []*ast.TableOption, fallback string) string {
	for _, opt := range options {
		if opt.Tp == ast.TableOptionCharset && opt.StrValue != "" {
			return strings.ToLower(opt.StrValue)
		}
	}
	for _, opt := range options {
		if opt.Tp == ast.TableOptionCollate && opt.StrValue != "" {
			return charsetFromCollation(opt.StrValue)
		}
	}
	return fallback
}

func databaseCharset(options []*ast.DatabaseOption) string {
	for _, opt := range options {
		if opt.Tp == ast.DatabaseOptionCharset {
			return strings.ToLower(opt.Value)
		}
	}
	for _, opt := range options {
		if opt.Tp == ast.DatabaseOptionCollate {
			return charsetFromCollation(opt.Value)
		}
	}
	return ""
}

func charsetFromCollation(collation string) string {
	charset, _, _ := strings.Cut(strings.ToLower(collation), "_")
	return charset
}

func tableDatabase(name *ast.TableName, currentDatabase string) string {
	if name.Schema.O != "" {
		return name.Schema.O
	}
	return currentDatabase
}
