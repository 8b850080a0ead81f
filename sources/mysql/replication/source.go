package replication

import (
	"cmp"
	"context"
	"errors"
	"io"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"

	"github.com/artie-labs/binlogd/sources/mysql/position"
)

const (
	eventBufferSize    = 64
	defaultPollTimeout = 100 * time.Millisecond
)

// ErrNoEvent is returned by [EventSource.Next] when nothing arrived within the poll timeout.
var ErrNoEvent = errors.New("no binlog event within the poll timeout")

// EventSource produces binlog events starting at a position. Next returns [io.EOF] once a finite source is
// exhausted.
type EventSource interface {
	Start(ctx context.Context, pos position.Position) error
	Next(ctx context.Context) (*replication.BinlogEvent, error)
	Close()
}

type sourceItem struct {
	event *replication.BinlogEvent
	err   error
}

// pump moves events from a producing goroutine to [EventSource.Next] through a small bounded channel.
type pump struct {
	items       chan sourceItem
	cancel      context.CancelFunc
	done        chan struct{}
	pollTimeout time.Duration
}

func startPump(ctx context.Context, pollTimeout time.Duration, produce func(ctx context.Context, emit func(*replication.BinlogEvent) error) error) *pump {
	ctx, cancel := context.WithCancel(ctx)
	p := &pump{
		items:       make(chan sourceItem, eventBufferSize),
		cancel:      cancel,
		done:        make(chan struct{}),
		pollTimeout: cmp.Or(pollTimeout, defaultPollTimeout),
	}

	go func() {
		defer close(p.done)
		defer close(p.items)

		emit := func(event *replication.BinlogEvent) error {
			select {
			case p.items <- sourceItem{event: event}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := produce(ctx, emit); err != nil && ctx.Err() == nil {
			select {
			case p.items <- sourceItem{err: err}:
			case <-ctx.Done():
			}
		}
	}()
	return p
}

func (p *pump) next(ctx context.Context) (*replication.BinlogEvent, error) {
	timer := time.NewTimer(p.pollTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, ErrNoEvent
	case item, ok := <-p.items:
		if !ok {
			return nil, io.EOF
		}
		return item.event, item.err
	}
}

func (p *pump) stop() {
	p.cancel()
	<-p.done
}
