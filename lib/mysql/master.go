package mysql

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

type MasterStatus struct {
	File            string
	Position        uint64
	ExecutedGTIDSet string
}

// ShowMasterStatus reads the server's current binlog coordinates. MySQL 8.4 dropped `SHOW MASTER STATUS` in favour
// of `SHOW BINARY LOG STATUS`, which older servers do not parse.
func ShowMasterStatus(ctx context.Context, db *sqlx.DB) (MasterStatus, error) {
	status, err := showStatus(ctx, db, "SHOW MASTER STATUS")
	if IsParseError(err) {
		status, err = showStatus(ctx, db, "SHOW BINARY LOG STATUS")
	}
	return status, err
}

func showStatus(ctx context.Context, db *sqlx.DB, query string) (MasterStatus, error) {
	values := make(map[string]any)
	if err := db.QueryRowxContext(ctx, query).MapScan(values); err != nil {
		return MasterStatus{}, fmt.Errorf("failed to run %q, is binary logging enabled: %w", query, err)
	}

	file := asString(values["File"])
	if file == "" {
		return MasterStatus{}, fmt.Errorf("%q returned no binlog file, is binary logging enabled", query)
	}

	offset, err := strconv.ParseUint(asString(values["Position"]), 10, 64)
	if err != nil {
		return MasterStatus{}, fmt.Errorf("invalid binlog position: %w", err)
	}

	gtidSet := strings.ReplaceAll(asString(values["Executed_Gtid_Set"]), "\n", "")
	return MasterStatus{File: file, Position: offset, ExecutedGTIDSet: gtidSet}, nil
}

func asString(value any) string {
	switch castedValue := value.(type) {
	case nil:
		return ""
	case []byte:
		return string(castedValue)
	case string:
		return castedValue
	default:
		return fmt.Sprint(castedValue)
	}
}
