package mysql

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/artie-labs/binlogd/config"
	"github.com/artie-labs/binlogd/destinations"
	"github.com/artie-labs/binlogd/lib/mtr"
	"github.com/artie-labs/binlogd/lib/mysql"
	"github.com/artie-labs/binlogd/sources/mysql/filter"
	"github.com/artie-labs/binlogd/sources/mysql/position"
	"github.com/artie-labs/binlogd/sources/mysql/replication"
	"github.com/artie-labs/binlogd/sources/mysql/schema/ddl"
	"github.com/artie-labs/binlogd/sources/mysql/schemastore"
)

const replayPollTimeout = time.Second

// loggedPositions stands in for the position store while replaying, nothing is persisted.
type loggedPositions struct{}

func (loggedPositions) SetPosition(pos position.Position) {
	slog.Debug("Replayed up to", slog.String("position", pos.String()))
}

// LoadReplay builds a daemon that reads local binlog files instead of a replication connection. Schemas are
// restored from the store but never written back, positions are not stored and bootstraps are not run.
func LoadReplay(ctx context.Context, cfg config.Settings, metrics mtr.Client, files []string, start position.Position) (*Daemon, error) {
	if len(files) == 0 {
		return nil, fmt.Errorf("no binlog files to replay")
	}

	d := &Daemon{cfg: cfg, metrics: metrics, start: start}
	if err := d.loadReplay(ctx, files); err != nil {
		if closeErr := d.Close(); closeErr != nil {
			slog.Warn("Failed to close partially loaded replay", slog.Any("err", closeErr))
		}
		return nil, err
	}
	return d, nil
}

func (d *Daemon) loadReplay(ctx context.Context, files []string) error {
	storeDatabase := d.cfg.GetStoreDatabase()

	var err error
	if d.storeDB, err = openDB(d.cfg.MySQL, storeDatabase); err != nil {
		return err
	}
	if d.replicationDB, err = openDB(d.cfg.ReplicationMySQL(), ""); err != nil {
		return err
	}
	if d.server, err = mysql.RetrieveSettings(ctx, d.replicationDB); err != nil {
		return fmt.Errorf("failed to retrieve MySQL settings: %w", err)
	}

	sensitivity, err := schemastore.ReadCaseSensitivity(ctx, d.replicationDB)
	if err != nil {
		return err
	}

	f, err := filter.New(d.cfg.Filter, storeDatabase)
	if err != nil {
		return fmt.Errorf("failed to parse filter: %w", err)
	}

	capturer := schemastore.NewCapturer(d.replicationDB, sensitivity, d.cfg.GetSchema().Databases)
	d.schemas = schemastore.New(d.storeDB, d.server.ServerID, sensitivity, ddl.NewResolver(f.IsTableBlacklisted), capturer, true)
	if _, err = d.schemas.Load(ctx, d.start); err != nil {
		return fmt.Errorf("failed to load schema: %w", err)
	}

	if d.producer, err = destinations.Load(ctx, d.cfg, loggedPositions{}, d.metrics); err != nil {
		return fmt.Errorf("failed to load producer: %w", err)
	}

	replicationCfg := d.cfg.GetReplication()
	d.assembler = replication.NewAssembler(replication.Config{
		ClientID:        d.cfg.GetClientID(),
		StoreDatabase:   storeDatabase,
		OutputDDL:       d.cfg.GetOutput().DDL,
		IgnoreDDLErrors: replicationCfg.IgnoreDDLErrors,
		MaxBufferMemory: replicationCfg.GetMaxBufferMemory(),
		SpillDir:        replicationCfg.GetSpillDir(),
	}, replication.NewFileSource(files, replayPollTimeout), d.schemas, f)

	d.initialized = true
	return nil
}
