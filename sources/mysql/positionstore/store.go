package positionstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/artie-labs/binlogd/lib/mysql"
	"github.com/artie-labs/binlogd/sources/mysql/position"
)

var ErrDuplicateProcess = errors.New("another process is running with the same client id")

type positionRow struct {
	ServerID          uint32         `db:"server_id"`
	ClientID          string         `db:"client_id"`
	BinlogFile        string         `db:"binlog_file"`
	BinlogPosition    uint64         `db:"binlog_position"`
	GTIDSet           sql.NullString `db:"gtid_set"`
	LastHeartbeatRead sql.NullInt64  `db:"last_heartbeat_read"`
}

func (p positionRow) toPosition() position.Position {
	return position.New(p.BinlogFile, p.BinlogPosition, p.GTIDSet.String, p.LastHeartbeatRead.Int64)
}

// Store persists the resume position and heartbeats of one client against one server.
type Store struct {
	db       *sqlx.DB
	serverID uint32
	clientID string

	heartbeatMu   sync.Mutex
	lastHeartbeat *int64
}

func New(db *sqlx.DB, serverID uint32, clientID string) *Store {
	return &Store{db: db, serverID: serverID, clientID: clientID}
}

func (s *Store) ClientID() string {
	return s.clientID
}

func (s *Store) ServerID() uint32 {
	return s.serverID
}

// Get returns nil when nothing has been stored yet.
func (s *Store) Get(ctx context.Context) (*position.Position, error) {
	var row positionRow
	err := s.db.GetContext(ctx, &row,
		"SELECT server_id, client_id, binlog_file, binlog_position, gtid_set, last_heartbeat_read FROM `positions` WHERE server_id = ? AND client_id = ?",
		s.serverID, s.clientID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to load position: %w", err)
	}

	pos := row.toPosition()
	return &pos, nil
}

func (s *Store) Set(ctx context.Context, pos position.Position) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO `positions` (server_id, client_id, binlog_file, binlog_position, gtid_set, last_heartbeat_read) VALUES (?, ?, ?, ?, ?, ?) "+
			"ON DUPLICATE KEY UPDATE binlog_file = VALUES(binlog_file), binlog_position = VALUES(binlog_position), "+
			"gtid_set = VALUES(gtid_set), last_heartbeat_read = VALUES(last_heartbeat_read)",
		s.serverID, s.clientID, pos.File, pos.Offset,
		sql.NullString{String: pos.GTIDSet, Valid: pos.GTIDSet != ""},
		pos.LastHeartbeatRead,
	)
	if err != nil {
		return fmt.Errorf("failed to store position %s: %w", pos.String(), err)
	}

	slog.Debug("Stored position", slog.String("position", pos.String()))
	return nil
}

// ServerPositions returns every client's stored position for this server.
func (s *Store) ServerPositions(ctx context.Context) ([]position.Position, error) {
	var rows []positionRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT server_id, client_id, binlog_file, binlog_position, gtid_set, last_heartbeat_read FROM `positions` WHERE server_id = ?",
		s.serverID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load positions: %w", err)
	}

	positions := make([]position.Position, len(rows))
	for i, row := range rows {
		positions[i] = row.toPosition()
	}
	return positions, nil
}

// Heartbeat writes now (in milliseconds) to the heartbeats table. The row doubles as a lock on the client id: if
// the value we last wrote is no longer there, someone else is writing heartbeats for the same client.
func (s *Store) Heartbeat(ctx context.Context, now time.Time) (int64, error) {
	s.heartbeatMu.Lock()
	defer s.heartbeatMu.Unlock()

	heartbeat := now.UnixMilli()
	if s.lastHeartbeat == nil {
		var last int64
		err := s.db.GetContext(ctx, &last, "SELECT heartbeat FROM `heartbeats` WHERE server_id = ? AND client_id = ?", s.serverID, s.clientID)
		if errors.Is(err, sql.ErrNoRows) {
			if err = s.insertHeartbeat(ctx, heartbeat); err != nil {
				return 0, err
			}
			s.lastHeartbeat = &heartbeat
			return heartbeat, nil
		} else if err != nil {
			return 0, fmt.Errorf("failed to load heartbeat: %w", err)
		}
		s.lastHeartbeat = &last
	}

	result, err := s.db.ExecContext(ctx,
		"UPDATE `heartbeats` SET heartbeat = ? WHERE server_id = ? AND client_id = ? AND heartbeat = ?",
		heartbeat, s.serverID, s.clientID, *s.lastHeartbeat,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to write heartbeat: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected != 1 {
		return 0, fmt.Errorf("expected a heartbeat value of %d but did not find it: %w", *s.lastHeartbeat, ErrDuplicateProcess)
	}

	s.lastHeartbeat = &heartbeat
	return heartbeat, nil
}

func (s *Store) insertHeartbeat(ctx context.Context, heartbeat int64) error {
	_, err := s.db.ExecContext(ctx, "INSERT INTO `heartbeats` (server_id, client_id, heartbeat) VALUES (?, ?, ?)", s.serverID, s.clientID, heartbeat)
	if mysql.IsDuplicateKey(err) {
		return fmt.Errorf("found a heartbeat row while trying to insert one: %w", ErrDuplicateProcess)
	} else if err != nil {
		return fmt.Errorf("failed to insert heartbeat: %w", err)
	}
	return nil
}
