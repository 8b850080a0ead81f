package scanner

import (
	"fmt"
	"slices"
	"strings"

	"github.com/artie-labs/binlogd/lib/mysql/schema"
	"github.com/artie-labs/binlogd/lib/rdbms/primary_key"
)

type buildScanTableQueryArgs struct {
	Database            string
	Table               string
	Columns             []string
	PrimaryKeys         []primary_key.Key
	Where               string
	InclusiveLowerBound bool
	Limit               uint
	// Offset is only used for tables without a primary key.
	Offset uint64
}

func buildScanTableQuery(args buildScanTableQueryArgs) (string, []any) {
	from := schema.QuoteTableName(args.Database, args.Table)
	colNames := strings.Join(schema.QuoteIdentifiers(args.Columns), ",")

	if len(args.PrimaryKeys) == 0 {
		var where string
		if args.Where != "" {
			where = fmt.Sprintf(" WHERE (%s)", args.Where)
		}
		return fmt.Sprintf("SELECT %s FROM %s%s LIMIT %d OFFSET %d", colNames, from, where, args.Limit, args.Offset), nil
	}

	var startingValues = make([]any, len(args.PrimaryKeys))
	var endingValues = make([]any, len(startingValues))
	quotedKeyNames := make([]string, len(args.PrimaryKeys))
	for i, pk := range args.PrimaryKeys {
		startingValues[i] = pk.StartingValue
		endingValues[i] = pk.EndingValue
		quotedKeyNames[i] = schema.QuoteIdentifier(pk.Name)
	}

	lowerBoundComparison := ">"
	if args.InclusiveLowerBound {
		lowerBoundComparison = ">="
	}

	var where string
	if args.Where != "" {
		where = fmt.Sprintf(" AND (%s)", args.Where)
	}

	keys := strings.Join(quotedKeyNames, ",")
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args.PrimaryKeys)), ",")
	return fmt.Sprintf(`SELECT %s FROM %s WHERE (%s) %s (%s) AND (%s) <= (%s)%s ORDER BY %s LIMIT %d`,
		// SELECT
		colNames,
		// FROM
		from,
		// WHERE (pk) > (123)
		keys, lowerBoundComparison, placeholders,
		// AND (pk) <= (456)
		keys, placeholders,
		// AND (where clause)
		where,
		// ORDER BY
		keys,
		// LIMIT
		args.Limit,
	), slices.Concat(startingValues, endingValues)
}

// buildBoundQuery selects the first (or last) primary key of the rows matching where.
func buildBoundQuery(database, table string, keys []string, where string, descending bool) string {
	quotedKeys := schema.QuoteIdentifiers(keys)
	orderBy := quotedKeys
	if descending {
		orderBy = make([]string, len(quotedKeys))
		for i, key := range quotedKeys {
			orderBy[i] = key + " DESC"
		}
	}

	var whereClause string
	if where != "" {
		whereClause = fmt.Sprintf(" WHERE (%s)", where)
	}
	return fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s LIMIT 1",
		strings.Join(quotedKeys, ","), schema.QuoteTableName(database, table), whereClause, strings.Join(orderBy, ","),
	)
}
