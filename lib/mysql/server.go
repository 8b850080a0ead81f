package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jmoiron/sqlx"
)

type ServerSettings struct {
	Version     string
	ServerID    uint32
	SQLMode     []string
	GTIDEnabled bool
}

func RetrieveSettings(ctx context.Context, db *sqlx.DB) (ServerSettings, error) {
	var version string
	if err := db.GetContext(ctx, &version, "SELECT VERSION()"); err != nil {
		return ServerSettings{}, fmt.Errorf("failed to retrieve MySQL version: %w", err)
	}

	serverID, err := FetchVariable(ctx, db, "server_id")
	if err != nil {
		return ServerSettings{}, err
	}
	parsedServerID, err := strconv.ParseUint(serverID, 10, 32)
	if err != nil {
		return ServerSettings{}, fmt.Errorf("invalid server_id %q: %w", serverID, err)
	}

	sqlMode, err := FetchVariable(ctx, db, "sql_mode")
	if err != nil {
		return ServerSettings{}, err
	}

	gtidEnabled, err := hasGTIDEnabled(ctx, db)
	if err != nil {
		return ServerSettings{}, fmt.Errorf("failed to check if GTID is enabled: %w", err)
	}

	return ServerSettings{
		Version:     version,
		ServerID:    uint32(parsedServerID),
		SQLMode:     strings.Split(sqlMode, ","),
		GTIDEnabled: gtidEnabled,
	}, nil
}

// FetchVariable returns [sql.ErrNoRows] (wrapped) when the server does not know the variable.
func FetchVariable(ctx context.Context, db *sqlx.DB, name string) (string, error) {
	var variableName string
	var value string
	err := db.QueryRowContext(ctx, "SHOW VARIABLES WHERE variable_name = ?", name).Scan(&variableName, &value)
	if err != nil {
		return "", fmt.Errorf("failed to query for %q variable: %w", name, err)
	} else if variableName != name {
		return "", fmt.Errorf("the variable %q was returned instead of %q", variableName, name)
	}

	return value, nil
}

func hasGTIDEnabled(ctx context.Context, db *sqlx.DB) (bool, error) {
	requiredVariables := []string{"gtid_mode", "enforce_gtid_consistency"}
	for _, requiredVariable := range requiredVariables {
		value, err := FetchVariable(ctx, db, requiredVariable)
		if errors.Is(err, sql.ErrNoRows) {
			// MariaDB and old MySQL versions.
			return false, nil
		} else if err != nil {
			return false, err
		}

		if strings.ToUpper(value) != "ON" {
			return false, nil
		}
	}

	return true, nil
}

// ValidateReplication checks that the binlog carries full row images.
func ValidateReplication(ctx context.Context, db *sqlx.DB) error {
	value, err := FetchVariable(ctx, db, "binlog_format")
	if err != nil {
		return err
	}

	if strings.ToUpper(value) != "ROW" {
		return fmt.Errorf("'binlog_format' must be set to 'ROW', current value is '%s'", value)
	}

	value, err = FetchVariable(ctx, db, "binlog_row_image")
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	} else if err != nil {
		return err
	}

	if strings.ToUpper(value) != "FULL" {
		return fmt.Errorf("'binlog_row_image' must be set to 'FULL', current value is '%s'", value)
	}

	return nil
}
