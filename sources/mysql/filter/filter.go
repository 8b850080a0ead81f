package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/artie-labs/binlogd/sources/mysql/row"
)

type Kind string

const (
	Include   Kind = "include"
	Exclude   Kind = "exclude"
	Blacklist Kind = "blacklist"
)

// Rule matches a database and table pair, optionally narrowed to rows whose Column value matches Value.
// A nil pattern or an empty one (`*`) matches anything.
type Rule struct {
	Kind     Kind
	Database *regexp.Regexp
	Table    *regexp.Regexp
	Column   string
	Value    *regexp.Regexp
}

func (r Rule) appliesTo(database, table string) bool {
	return matches(r.Database, database) && matches(r.Table, table)
}

func (r Rule) isColumnRule() bool {
	return r.Column != ""
}

func (r Rule) matchesValue(value any) bool {
	expr := ""
	if r.Value != nil {
		expr = r.Value.String()
	}

	if strings.EqualFold(expr, "^null$") {
		return value == nil || value == "null" || value == "NULL"
	}
	if value == nil {
		// Only wildcards match a NULL.
		return expr == ""
	}
	return matches(r.Value, fmt.Sprint(value))
}

func (r Rule) String() string {
	out := fmt.Sprintf("%s: %s.%s", r.Kind, patternString(r.Database), patternString(r.Table))
	if r.isColumnRule() {
		out += fmt.Sprintf(".%s=%s", r.Column, patternString(r.Value))
	}
	return out
}

func matches(re *regexp.Regexp, s string) bool {
	return re == nil || re.MatchString(s)
}

func patternString(re *regexp.Regexp) string {
	if re == nil || re.String() == "" {
		return "*"
	}
	s := re.String()
	if strings.HasPrefix(s, "^") && strings.HasSuffix(s, "$") {
		return s[1 : len(s)-1]
	}
	return "/" + s + "/"
}

// Filter decides which tables (and rows) are replicated. Rules are evaluated in order and the last one that
// matches wins. Everything is included when no rule matches. A nil Filter includes everything.
type Filter struct {
	rules         []Rule
	storeDatabase string
}

// New parses the rules. storeDatabase is our own control database whose bootstrap and heartbeats tables always
// flow through regardless of the rules.
func New(rules string, storeDatabase string) (*Filter, error) {
	parsed, err := ParseRules(rules)
	if err != nil {
		return nil, err
	}
	return &Filter{rules: parsed, storeDatabase: storeDatabase}, nil
}

func (f *Filter) Rules() []Rule {
	if f == nil {
		return nil
	}
	return f.rules
}

// Includes evaluates the table level rules only.
func (f *Filter) Includes(database, table string) bool {
	if f == nil {
		return true
	}

	include := true
	for _, rule := range f.rules {
		if !rule.isColumnRule() && rule.appliesTo(database, table) {
			include = rule.Kind == Include
		}
	}
	return include
}

// IncludesRow evaluates table level and column value rules against the row's values.
func (f *Filter) IncludesRow(database, table string, data row.Fields) bool {
	if f == nil {
		return true
	}

	include := true
	for _, rule := range f.rules {
		if !rule.appliesTo(database, table) {
			continue
		}
		if !rule.isColumnRule() {
			include = rule.Kind == Include
			continue
		}
		if value, ok := data.Get(rule.Column); ok && rule.matchesValue(value) {
			include = rule.Kind == Include
		}
	}
	return include
}

// CouldIncludeFromColumnFilters reports whether an include rule on one of the columns might let a row through
// even though the table is excluded.
func (f *Filter) CouldIncludeFromColumnFilters(database, table string, columns []string) bool {
	if f == nil {
		return false
	}

	for _, rule := range f.rules {
		if rule.Kind != Include || !rule.isColumnRule() || !rule.appliesTo(database, table) {
			continue
		}
		for _, column := range columns {
			if strings.EqualFold(column, rule.Column) {
				return true
			}
		}
	}
	return false
}

// IsTableBlacklisted means the table's schema is not tracked at all.
func (f *Filter) IsTableBlacklisted(database, table string) bool {
	if IsSystemBlacklisted(database, table) {
		return true
	}
	if f == nil {
		return false
	}

	blacklisted := false
	for _, rule := range f.rules {
		if rule.Kind == Blacklist && rule.appliesTo(database, table) {
			blacklisted = true
		}
	}
	return blacklisted
}

func (f *Filter) IsDatabaseBlacklisted(database string) bool {
	if f == nil {
		return false
	}

	for _, rule := range f.rules {
		if rule.Kind == Blacklist && !rule.isColumnRule() && matches(rule.Database, database) && (rule.Table == nil || rule.Table.String() == "") {
			return true
		}
	}
	return false
}

// IsSystemTable is true for our own control tables that must always be read from the binlog.
func (f *Filter) IsSystemTable(database, table string) bool {
	if f == nil || f.storeDatabase == "" || database != f.storeDatabase {
		return false
	}
	return table == "bootstrap" || table == "heartbeats"
}

// IsSystemBlacklisted covers tables written by managed MySQL offerings that are never worth replicating.
func IsSystemBlacklisted(database, table string) bool {
	return database == "mysql" && (table == "ha_health_check" || strings.HasPrefix(table, "rds_heartbeat"))
}
