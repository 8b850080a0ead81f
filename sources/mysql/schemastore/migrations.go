package schemastore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/artie-labs/binlogd/lib/mysql/schema"
)

var controlTables = []string{
	"CREATE TABLE IF NOT EXISTS %s.`schemas` (" +
		"id int unsigned auto_increment NOT NULL PRIMARY KEY, " +
		"binlog_file varchar(255), " +
		"binlog_position int unsigned, " +
		"last_heartbeat_read bigint NULL DEFAULT 0, " +
		"gtid_set varchar(4096), " +
		"base_schema_id int unsigned NULL DEFAULT NULL, " +
		"deltas mediumtext charset 'utf8' NULL DEFAULT NULL, " +
		"server_id int unsigned, " +
		"position_sha char(40) CHARACTER SET latin1 DEFAULT NULL, " +
		"charset varchar(255), " +
		"version smallint unsigned not null default 0, " +
		"deleted tinyint(1) not null default 0, " +
		"UNIQUE KEY `position_sha` (`position_sha`)" +
		") ENGINE=InnoDB",
	"CREATE TABLE IF NOT EXISTS %s.`databases` (" +
		"id int unsigned auto_increment NOT NULL PRIMARY KEY, " +
		"schema_id int unsigned, " +
		"name varchar(255) charset 'utf8', " +
		"charset varchar(255), " +
		"index (schema_id)" +
		") ENGINE=InnoDB",
	"CREATE TABLE IF NOT EXISTS %s.`tables` (" +
		"id int unsigned auto_increment NOT NULL PRIMARY KEY, " +
		"schema_id int unsigned, " +
		"database_id int unsigned, " +
		"name varchar(255) charset 'utf8', " +
		"charset varchar(255), " +
		"pk varchar(1024) charset 'utf8', " +
		"index (schema_id), " +
		"index (database_id)" +
		") ENGINE=InnoDB",
	"CREATE TABLE IF NOT EXISTS %s.`columns` (" +
		"id int unsigned auto_increment NOT NULL PRIMARY KEY, " +
		"schema_id int unsigned, " +
		"table_id int unsigned, " +
		"name varchar(255) charset 'utf8', " +
		"charset varchar(255), " +
		"coltype varchar(255), " +
		"is_signed tinyint(1) unsigned, " +
		"enum_values text charset 'utf8', " +
		"column_length tinyint unsigned, " +
		"index (schema_id), " +
		"index (table_id)" +
		") ENGINE=InnoDB",
	"CREATE TABLE IF NOT EXISTS %s.`positions` (" +
		"server_id int unsigned not null, " +
		"binlog_file varchar(255), " +
		"binlog_position int unsigned, " +
		"gtid_set varchar(4096), " +
		"client_id varchar(255) charset latin1 not null default 'binlogd', " +
		"heartbeat_at bigint null default null, " +
		"last_heartbeat_read bigint null default null, " +
		"primary key(server_id, client_id)" +
		") ENGINE=InnoDB",
	"CREATE TABLE IF NOT EXISTS %s.`heartbeats` (" +
		"server_id int unsigned not null, " +
		"client_id varchar(255) charset latin1 not null default 'binlogd', " +
		"heartbeat bigint not null, " +
		"primary key(server_id, client_id)" +
		") ENGINE=InnoDB",
	"CREATE TABLE IF NOT EXISTS %s.`bootstrap` (" +
		"id int unsigned auto_increment NOT NULL PRIMARY KEY, " +
		"database_name varchar(255) charset 'utf8' NOT NULL, " +
		"table_name varchar(255) charset 'utf8' NOT NULL, " +
		"where_clause text default NULL, " +
		"is_complete tinyint unsigned NOT NULL default 0, " +
		"inserted_rows bigint unsigned NOT NULL default 0, " +
		"total_rows bigint unsigned NOT NULL default 0, " +
		"created_at DATETIME default NULL, " +
		"started_at DATETIME NULL default NULL, " +
		"completed_at DATETIME NULL default NULL, " +
		"binlog_file varchar(255) default NULL, " +
		"binlog_position int unsigned default 0, " +
		"client_id varchar(255) charset 'latin1' NOT NULL default 'binlogd', " +
		"comment varchar(255) charset 'utf8' default NULL" +
		") ENGINE=InnoDB",
}

// Migrate creates the store database and its control tables if they do not exist yet. db must not be bound to the
// store database since it may not exist.
func Migrate(ctx context.Context, db *sqlx.DB, storeDatabase string) error {
	quoted := schema.QuoteIdentifier(storeDatabase)
	if _, err := db.ExecContext(ctx, "CREATE DATABASE IF NOT EXISTS "+quoted); err != nil {
		return fmt.Errorf("failed to create database %q: %w", storeDatabase, err)
	}

	for _, statement := range controlTables {
		if _, err := db.ExecContext(ctx, fmt.Sprintf(statement, quoted)); err != nil {
			return fmt.Errorf("failed to create control table in %q: %w", storeDatabase, err)
		}
	}

	slog.Info("Control tables are in place", slog.String("database", storeDatabase))
	return nil
}
