package bootstrap

import (
	"fmt"

	"github.com/artie-labs/binlogd/sources/mysql/position"
	"github.com/artie-labs/binlogd/sources/mysql/row"
)

// Task is one row of the `bootstrap` control table.
type Task struct {
	ID          int64
	Database    string
	Table       string
	WhereClause string
	ClientID    string
	Comment     string
	// Position is where the request was read from the binlog. It stamps the bootstrap-start and
	// bootstrap-complete rows.
	Position position.Position
}

func (t Task) String() string {
	return fmt.Sprintf("#%d %s.%s", t.ID, t.Database, t.Table)
}

// TaskFromChange reads a task from a binlog row of the control table.
func TaskFromChange(change row.Change) (Task, error) {
	task := Task{Position: change.Position}

	id, err := intField(change.Data, "id")
	if err != nil {
		return Task{}, err
	}
	task.ID = id

	for _, field := range []struct {
		name     string
		dst      *string
		required bool
	}{
		{name: "database_name", dst: &task.Database, required: true},
		{name: "table_name", dst: &task.Table, required: true},
		{name: "client_id", dst: &task.ClientID, required: true},
		{name: "where_clause", dst: &task.WhereClause},
		{name: "comment", dst: &task.Comment},
	} {
		value, _ := change.Data.Get(field.name)
		if value == nil {
			if field.required {
				return Task{}, fmt.Errorf("bootstrap row is missing %q", field.name)
			}
			continue
		}

		castValue, ok := value.(string)
		if !ok {
			return Task{}, fmt.Errorf("expected %q to be a string, got %T", field.name, value)
		}
		*field.dst = castValue
	}
	return task, nil
}

// isCompletion is true for the update that flips is_complete from 0 to 1.
func isCompletion(change row.Change) bool {
	if change.Type != row.Update {
		return false
	}

	before, ok := change.OldData.Get("is_complete")
	if !ok {
		return false
	}
	after, _ := change.Data.Get("is_complete")
	return before == int64(0) && after == int64(1)
}

func intField(fields row.Fields, name string) (int64, error) {
	value, _ := fields.Get(name)
	switch castValue := value.(type) {
	case int64:
		return castValue, nil
	case uint64:
		return int64(castValue), nil
	default:
		return 0, fmt.Errorf("expected %q to be an integer, got %T", name, value)
	}
}
