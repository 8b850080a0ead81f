package schema

import (
	"fmt"
	"strings"
)

func QuoteIdentifier(s string) string {
	return fmt.Sprintf("`%s`", strings.ReplaceAll(s, "`", "``"))
}

// QuoteTableName returns the database qualified, quoted name of a table.
func QuoteTableName(database, table string) string {
	return QuoteIdentifier(database) + "." + QuoteIdentifier(table)
}

func QuoteIdentifiers(names []string) []string {
	quoted := make([]string, len(names))
	for i, name := range names {
		quoted[i] = QuoteIdentifier(name)
	}
	return quoted
}
