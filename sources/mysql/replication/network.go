package replication

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"

	"github.com/artie-labs/binlogd/sources/mysql/position"
)

type NetworkSourceConfig struct {
	// ReplicaServerID is the server id we register with, it must be unique across the source's replicas.
	ReplicaServerID uint32
	Flavor          string
	Host            string
	Port            uint16
	User            string
	Password        string
	// HeartbeatPeriod asks the server to send heartbeat events while the binlog is idle.
	HeartbeatPeriod time.Duration
	// UseGTID starts from the position's GTID set instead of its file and offset, when it has one.
	UseGTID     bool
	PollTimeout time.Duration
}

// NetworkSource streams the binlog from a server as a replica.
type NetworkSource struct {
	cfg    NetworkSourceConfig
	syncer *replication.BinlogSyncer
	pump   *pump
}

func NewNetworkSource(cfg NetworkSourceConfig) *NetworkSource {
	return &NetworkSource{cfg: cfg}
}

func (n *NetworkSource) Start(ctx context.Context, pos position.Position) error {
	n.Close()

	n.syncer = replication.NewBinlogSyncer(replication.BinlogSyncerConfig{
		ServerID:        n.cfg.ReplicaServerID,
		Flavor:          n.cfg.Flavor,
		Host:            n.cfg.Host,
		Port:            n.cfg.Port,
		User:            n.cfg.User,
		Password:        n.cfg.Password,
		HeartbeatPeriod: n.cfg.HeartbeatPeriod,
		UseDecimal:      true,
	})

	var (
		streamer *replication.BinlogStreamer
		err      error
	)
	if n.cfg.UseGTID && pos.GTIDSet != "" {
		set, parseErr := pos.ToGTIDSet()
		if parseErr != nil {
			return parseErr
		}
		slog.Info("Starting binlog sync from GTID set", slog.String("gtidSet", pos.GTIDSet))
		streamer, err = n.syncer.StartSyncGTID(set)
	} else {
		slog.Info("Starting binlog sync", slog.String("position", pos.String()))
		streamer, err = n.syncer.StartSync(pos.ToMySQLPosition())
	}
	if err != nil {
		n.syncer.Close()
		n.syncer = nil
		return fmt.Errorf("failed to start sync: %w", err)
	}

	n.pump = startPump(ctx, n.cfg.PollTimeout, func(ctx context.Context, emit func(*replication.BinlogEvent) error) error {
		for {
			event, err := streamer.GetEvent(ctx)
			if err != nil {
				return fmt.Errorf("failed to get binlog event: %w", err)
			}
			if err = emit(event); err != nil {
				return err
			}
		}
	})
	return nil
}

func (n *NetworkSource) Next(ctx context.Context) (*replication.BinlogEvent, error) {
	if n.pump == nil {
		return nil, fmt.Errorf("network source has not been started")
	}
	return n.pump.next(ctx)
}

func (n *NetworkSource) Close() {
	if n.pump != nil {
		n.pump.stop()
		n.pump = nil
	}
	if n.syncer != nil {
		n.syncer.Close()
		n.syncer = nil
	}
}
