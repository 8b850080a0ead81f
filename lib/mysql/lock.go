package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

var ErrLockNotAcquired = errors.New("lock is held by another connection")

// Lock is a named advisory lock (GET_LOCK) held by a dedicated connection. Work that must happen under the lock
// should go through [Lock.Conn].
type Lock struct {
	conn *sqlx.Conn
	name string
}

// AcquireLock tries to take the lock without waiting. It returns [ErrLockNotAcquired] if someone else has it.
func AcquireLock(ctx context.Context, db *sqlx.DB, name string) (*Lock, error) {
	conn, err := db.Connx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get a connection: %w", err)
	}

	var locked sql.NullInt64
	if err = conn.QueryRowxContext(ctx, "SELECT GET_LOCK(?, 0)", name).Scan(&locked); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to get lock %q: %w", name, err)
	}

	if !locked.Valid || locked.Int64 != 1 {
		conn.Close()
		return nil, ErrLockNotAcquired
	}

	return &Lock{conn: conn, name: name}, nil
}

func (l *Lock) Conn() *sqlx.Conn {
	return l.conn
}

// Release gives the lock back and closes the underlying connection.
func (l *Lock) Release(ctx context.Context) error {
	defer l.conn.Close()
	if _, err := l.conn.ExecContext(ctx, "SELECT RELEASE_LOCK(?)", l.name); err != nil {
		return fmt.Errorf("failed to release lock %q: %w", l.name, err)
	}
	return nil
}
