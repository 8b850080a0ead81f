package mysql

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"golang.org/x/sync/errgroup"

	"github.com/artie-labs/binlogd/config"
	"github.com/artie-labs/binlogd/constants"
	"github.com/artie-labs/binlogd/destinations"
	"github.com/artie-labs/binlogd/lib/mtr"
	"github.com/artie-labs/binlogd/lib/mysql"
	"github.com/artie-labs/binlogd/sources/mysql/bootstrap"
	"github.com/artie-labs/binlogd/sources/mysql/filter"
	"github.com/artie-labs/binlogd/sources/mysql/position"
	"github.com/artie-labs/binlogd/sources/mysql/positionstore"
	"github.com/artie-labs/binlogd/sources/mysql/replication"
	"github.com/artie-labs/binlogd/sources/mysql/row"
	"github.com/artie-labs/binlogd/sources/mysql/schema/ddl"
	"github.com/artie-labs/binlogd/sources/mysql/schemastore"
)

// Daemon replicates one server into one producer. Everything it needs is built in [Load] and released in
// [Daemon.Close].
type Daemon struct {
	cfg     config.Settings
	metrics mtr.Client

	storeDB       *sqlx.DB
	replicationDB *sqlx.DB

	server      mysql.ServerSettings
	positions   *positionstore.Store
	thread      *positionstore.Thread
	schemas     *schemastore.Store
	compactor   *schemastore.Compactor
	assembler   *replication.Assembler
	producer    destinations.Producer
	boot        bootstrap.Bootstrapper
	start       position.Position
	initialized bool
}

func Load(ctx context.Context, cfg config.Settings, metrics mtr.Client) (*Daemon, error) {
	d := &Daemon{cfg: cfg, metrics: metrics}
	if err := d.load(ctx); err != nil {
		if closeErr := d.Close(); closeErr != nil {
			slog.Warn("Failed to close partially loaded daemon", slog.Any("err", closeErr))
		}
		return nil, err
	}
	return d, nil
}

func openDB(mysqlCfg *config.MySQL, database string) (*sqlx.DB, error) {
	db, err := sqlx.Open("mysql", mysqlCfg.ToDSN(database))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MySQL: %w", err)
	}
	return db, nil
}

func (d *Daemon) load(ctx context.Context) error {
	storeDatabase := d.cfg.GetStoreDatabase()
	replicationCfg := d.cfg.GetReplication()

	if err := migrate(ctx, d.cfg.MySQL, storeDatabase); err != nil {
		return err
	}

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
	slog.Info("Loading MySQL replication",
		slog.String("version", d.server.Version),
		slog.Any("serverID", d.server.ServerID),
		slog.Bool("gtidEnabled", d.server.GTIDEnabled),
		slog.Any("sqlMode", d.server.SQLMode),
	)
	if err = mysql.ValidateReplication(ctx, d.replicationDB); err != nil {
		return err
	}
	if replicationCfg.GTIDMode && !d.server.GTIDEnabled {
		return fmt.Errorf("gtidMode is set but GTIDs are not enabled on the server")
	}

	clientID := d.cfg.GetClientID()
	d.positions = positionstore.New(d.storeDB, d.server.ServerID, clientID)
	if d.start, err = d.initialPosition(ctx); err != nil {
		return err
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
	d.schemas = schemastore.New(d.storeDB, d.server.ServerID, sensitivity, ddl.NewResolver(f.IsTableBlacklisted), capturer, false)
	if _, err = d.schemas.Load(ctx, d.start); err != nil {
		return fmt.Errorf("failed to load schema: %w", err)
	}

	if threshold := d.cfg.GetSchema().CompactionThreshold; threshold > 0 {
		d.compactor = schemastore.NewCompactor(d.storeDB, d.server.ServerID, sensitivity, threshold, d.positions)
	}

	d.thread = positionstore.NewThread(d.positions, replicationCfg.GetHeartbeatInterval(), &d.start)
	if d.producer, err = destinations.Load(ctx, d.cfg, d.thread, d.metrics); err != nil {
		return fmt.Errorf("failed to load producer: %w", err)
	}

	source := replication.NewNetworkSource(replication.NetworkSourceConfig{
		ReplicaServerID: d.cfg.ReplicaServerID,
		Flavor:          replicationCfg.GetFlavor(),
		Host:            d.cfg.ReplicationMySQL().Host,
		Port:            uint16(d.cfg.ReplicationMySQL().Port),
		User:            d.cfg.ReplicationMySQL().Username,
		Password:        d.cfg.ReplicationMySQL().Password,
		HeartbeatPeriod: replicationCfg.GetHeartbeatInterval(),
		UseGTID:         replicationCfg.GTIDMode,
	})
	d.assembler = replication.NewAssembler(replication.Config{
		ClientID:        clientID,
		StoreDatabase:   storeDatabase,
		OutputDDL:       d.cfg.GetOutput().DDL,
		IgnoreDDLErrors: replicationCfg.IgnoreDDLErrors,
		MaxBufferMemory: replicationCfg.GetMaxBufferMemory(),
		SpillDir:        replicationCfg.GetSpillDir(),
		StallTimeout:    replicationCfg.GetStallTimeout(),
	}, source, d.schemas, f)

	d.boot = d.newBootstrapper(clientID, storeDatabase)
	d.initialized = true
	return nil
}

func migrate(ctx context.Context, mysqlCfg *config.MySQL, storeDatabase string) error {
	db, err := openDB(mysqlCfg, "")
	if err != nil {
		return err
	}
	defer db.Close()

	return schemastore.Migrate(ctx, db, storeDatabase)
}

// initialPosition is the stored position, else the configured one, else the server's current one.
func (d *Daemon) initialPosition(ctx context.Context) (position.Position, error) {
	stored, err := d.positions.Get(ctx)
	if err != nil {
		return position.Position{}, err
	} else if stored != nil {
		slog.Info("Resuming from stored position", slog.String("position", stored.String()))
		return *stored, nil
	}

	if initial := d.cfg.GetReplication().InitialPosition; initial != "" {
		pos, err := ParsePosition(initial)
		if err != nil {
			return position.Position{}, err
		}
		slog.Info("Starting from configured position", slog.String("position", pos.String()))
		return pos, nil
	}

	status, err := mysql.ShowMasterStatus(ctx, d.replicationDB)
	if err != nil {
		return position.Position{}, err
	}

	var gtidSet string
	if d.cfg.GetReplication().GTIDMode {
		gtidSet = status.ExecutedGTIDSet
	}
	pos := position.New(status.File, status.Position, gtidSet, 0)
	slog.Info("Starting from the server's current position", slog.String("position", pos.String()))
	return pos, nil
}

// ParsePosition parses `file:offset`.
func ParsePosition(value string) (position.Position, error) {
	file, offset, ok := strings.Cut(value, ":")
	if !ok || file == "" {
		return position.Position{}, fmt.Errorf("invalid position %q, expected file:offset", value)
	}

	parsedOffset, err := strconv.ParseUint(offset, 10, 64)
	if err != nil {
		return position.Position{}, fmt.Errorf("invalid offset in position %q: %w", value, err)
	}
	return position.New(file, parsedOffset, "", 0), nil
}

// lockedPusher serializes pushes from the stream and the async bootstrap worker.
type lockedPusher struct {
	mu       sync.Mutex
	producer destinations.Producer
}

func (l *lockedPusher) Push(ctx context.Context, change row.Change) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.producer.Push(ctx, change)
}

func (d *Daemon) newBootstrapper(clientID, storeDatabase string) bootstrap.Bootstrapper {
	replicationCfg := d.cfg.GetReplication()
	bootCfg := bootstrap.Config{ClientID: clientID, StoreDatabase: storeDatabase, SpillDir: replicationCfg.GetSpillDir()}
	store := bootstrap.NewStore(d.storeDB, clientID)
	runner := bootstrap.NewRunner(d.replicationDB, store, replicationCfg.ToScannerConfig(), d.server.ServerID)

	switch d.cfg.GetBootstrapper() {
	case config.BootstrapperSync:
		return bootstrap.NewSyncBootstrapper(bootCfg, store, runner, d.producer, d.schemas.GetSchema)
	case config.BootstrapperAsync:
		d.producer = &lockedProducer{lockedPusher: lockedPusher{producer: d.producer}}
		return bootstrap.NewAsyncBootstrapper(bootCfg, store, runner, d.producer, d.schemas.GetSchema)
	default:
		return nil
	}
}

type lockedProducer struct {
	lockedPusher
}

func (l *lockedProducer) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.producer.Close()
}

func (d *Daemon) Run(ctx context.Context) error {
	if !d.initialized {
		return fmt.Errorf("daemon has not been loaded")
	}

	if err := d.assembler.Start(ctx, d.start); err != nil {
		return fmt.Errorf("failed to start replication: %w", err)
	}

	return d.runTasks(ctx)
}

// runTasks keeps the position thread and the compactor going while interrupted bootstraps are resumed, then
// streams the binlog.
func (d *Daemon) runTasks(ctx context.Context) error {
	group, groupCtx := errgroup.WithContext(ctx)
	if d.thread != nil {
		group.Go(func() error {
			return d.thread.Run(groupCtx)
		})
	}
	if d.compactor != nil {
		group.Go(func() error {
			return d.compactor.Run(groupCtx)
		})
	}
	group.Go(func() error {
		if d.boot != nil {
			if err := d.boot.Resume(groupCtx); err != nil {
				return fmt.Errorf("failed to resume bootstraps: %w", err)
			}
			group.Go(func() error {
				return d.boot.Run(groupCtx)
			})
		}

		err := d.replicate(groupCtx)
		if err != nil && groupCtx.Err() != nil {
			// Stopping, whatever happened while stopping is not a failure.
			return nil
		}
		return err
	})

	return group.Wait()
}

func (d *Daemon) replicate(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		result := d.assembler.Poll(ctx)
		switch result.Kind {
		case replication.ResultEmpty:
		case replication.ResultRecoverable:
			d.metrics.Incr(constants.MetricReplicationRestarted, nil)
			slog.Warn("Replication restarted", slog.String("position", d.assembler.Position().String()), slog.Any("err", result.Err))
		case replication.ResultFatal:
			if errors.Is(result.Err, io.EOF) {
				slog.Info("Reached the end of the binlog", slog.String("position", d.assembler.Position().String()))
				return nil
			}
			return fmt.Errorf("replication failed: %w", result.Err)
		case replication.ResultRows:
			if err := d.processRows(ctx, result.Rows); err != nil {
				return err
			}
		}
	}
}

func (d *Daemon) processRows(ctx context.Context, rows replication.RowIterator) error {
	defer func() {
		if err := rows.Close(); err != nil {
			slog.Warn("Failed to close transaction buffer", slog.Any("err", err))
		}
	}()

	for {
		change, ok, err := rows.Next()
		if err != nil {
			return fmt.Errorf("failed to read buffered row: %w", err)
		} else if !ok {
			return nil
		}

		if err = d.process(ctx, change); err != nil {
			return err
		}
	}
}

func (d *Daemon) process(ctx context.Context, change row.Change) error {
	if d.boot != nil {
		if d.boot.IsControlRow(change) {
			return d.boot.HandleControlRow(ctx, change)
		}

		skip, err := d.boot.ShouldSkip(change)
		if err != nil {
			return err
		} else if skip {
			return nil
		}
	} else if change.Database == d.cfg.GetStoreDatabase() && change.Type != row.Heartbeat {
		return nil
	}

	if change.IsCommit && change.TimestampMillis > 0 {
		d.metrics.Timing(constants.MetricReplicationLag, time.Since(time.UnixMilli(change.TimestampMillis)), nil)
	}
	d.metrics.Incr(constants.MetricRowsEmitted, map[string]string{"database": change.Database, "type": string(change.Type)})
	return d.producer.Push(ctx, change)
}

// Close flushes the position and releases every resource. It is safe to call on a partially loaded daemon.
func (d *Daemon) Close() error {
	var errs []error
	if d.assembler != nil {
		d.assembler.Close()
	}
	if d.boot != nil {
		errs = append(errs, d.boot.Close())
	}
	if d.producer != nil {
		errs = append(errs, d.producer.Close())
	}
	if d.thread != nil {
		errs = append(errs, d.thread.Flush(context.Background()))
	}
	if d.schemas != nil {
		errs = append(errs, d.schemas.Save(context.Background()))
	}
	if d.storeDB != nil {
		errs = append(errs, d.storeDB.Close())
	}
	if d.replicationDB != nil {
		errs = append(errs, d.replicationDB.Close())
	}
	return errors.Join(errs...)
}
