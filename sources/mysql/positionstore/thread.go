package positionstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artie-labs/binlogd/sources/mysql/position"
)

const flushInterval = time.Second

// Thread buffers the newest durable position handed to it by producers and writes it out periodically, along with
// heartbeats.
type Thread struct {
	store             *Store
	heartbeatInterval time.Duration

	mu     sync.Mutex
	latest *position.Position
	stored *position.Position
}

func NewThread(store *Store, heartbeatInterval time.Duration, initial *position.Position) *Thread {
	return &Thread{store: store, heartbeatInterval: heartbeatInterval, latest: initial, stored: initial}
}

// SetPosition records a durable position. Older positions are ignored.
func (t *Thread) SetPosition(pos position.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()

	newer, err := pos.NewerThan(t.latest)
	if err != nil {
		slog.Warn("Unable to compare positions, keeping the latest one", slog.String("position", pos.String()), slog.Any("err", err))
		newer = true
	}
	if newer {
		t.latest = &pos
	}
}

func (t *Thread) Position() *position.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.latest
}

// Flush writes the latest position if it has not been written yet.
func (t *Thread) Flush(ctx context.Context) error {
	t.mu.Lock()
	latest := t.latest
	dirty := latest != nil && (t.stored == nil || *latest != *t.stored)
	t.mu.Unlock()

	if !dirty {
		return nil
	}

	if err := t.store.Set(ctx, *latest); err != nil {
		return err
	}

	t.mu.Lock()
	t.stored = latest
	t.mu.Unlock()
	return nil
}

// Run flushes every second and writes a heartbeat every heartbeat interval until ctx is cancelled. A final flush
// happens on the way out. A duplicate process error is returned immediately.
func (t *Thread) Run(ctx context.Context) error {
	flushTicker := time.NewTicker(flushInterval)
	defer flushTicker.Stop()

	heartbeatInterval := t.heartbeatInterval
	if heartbeatInterval <= 0 {
		heartbeatInterval = 10 * time.Second
	}
	heartbeatTicker := time.NewTicker(heartbeatInterval)
	defer heartbeatTicker.Stop()

	if _, err := t.store.Heartbeat(ctx, time.Now()); err != nil {
		return fmt.Errorf("failed to write initial heartbeat: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			if err := t.Flush(context.WithoutCancel(ctx)); err != nil {
				return fmt.Errorf("failed to flush position on shutdown: %w", err)
			}
			return nil
		case <-flushTicker.C:
			if err := t.Flush(ctx); err != nil {
				slog.Warn("Failed to flush position, will retry", slog.Any("err", err))
			}
		case <-heartbeatTicker.C:
			if _, err := t.store.Heartbeat(ctx, time.Now()); errors.Is(err, ErrDuplicateProcess) {
				return err
			} else if err != nil {
				slog.Warn("Failed to write heartbeat, will retry", slog.Any("err", err))
			}
		}
	}
}
