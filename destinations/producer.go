package destinations

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/artie-labs/binlogd/constants"
	"github.com/artie-labs/binlogd/lib/inflight"
	"github.com/artie-labs/binlogd/lib/mtr"
	"github.com/artie-labs/binlogd/sources/mysql/position"
	"github.com/artie-labs/binlogd/sources/mysql/row"
)

type Options struct {
	// IgnoreErrors logs and skips changes that could not be delivered.
	IgnoreErrors bool
	Metrics      mtr.Client
	// MaxInflight bounds the number of undelivered messages of an [AsyncProducer].
	MaxInflight int
}

func (o Options) metrics() mtr.Client {
	if o.Metrics == nil {
		return mtr.NullClient{}
	}
	return o.Metrics
}

// failed applies the delivery failure policy, returning nil when the change is skipped.
func (o Options) failed(change row.Change, err error) error {
	tags := map[string]string{"database": change.Database, "table": change.Table}
	o.metrics().Incr(constants.MetricProducerFailed, tags)
	if o.IgnoreErrors {
		slog.Warn("Failed to deliver change, skipping it",
			slog.String("type", string(change.Type)),
			slog.String("database", change.Database),
			slog.String("table", change.Table),
			slog.String("position", change.Position.String()),
			slog.Any("err", err),
		)
		return nil
	}
	return fmt.Errorf("failed to deliver %s change for %s.%s: %w", change.Type, change.Database, change.Table, err)
}

func (o Options) delivered(change row.Change) {
	o.metrics().Incr(constants.MetricProducerDelivered, map[string]string{"database": change.Database, "table": change.Table})
}

// SyncProducer sends one change at a time and marks the position as soon as a resumable change went out.
type SyncProducer struct {
	sender    Sender
	encoder   Encoder
	positions PositionSetter
	opts      Options
}

func NewSyncProducer(sender Sender, encoder Encoder, positions PositionSetter, opts Options) *SyncProducer {
	return &SyncProducer{sender: sender, encoder: encoder, positions: positions, opts: opts}
}

func (s *SyncProducer) Push(ctx context.Context, change row.Change) error {
	if change.IsDeliverable() {
		if err := s.send(ctx, change); err != nil {
			return err
		}
	}

	if change.IsResumable() {
		s.positions.SetPosition(change.Position)
	}
	return nil
}

func (s *SyncProducer) send(ctx context.Context, change row.Change) error {
	msg, err := s.encoder.Encode(change)
	if err != nil {
		return s.opts.failed(change, err)
	}

	if err = s.sender.Send(ctx, msg); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return s.opts.failed(change, err)
	}

	s.opts.delivered(change)
	return nil
}

func (s *SyncProducer) Close() error {
	return s.sender.Close()
}

// AsyncProducer keeps every pushed change in an [inflight.List] until its sender reports back, so that completions
// arriving out of order only ever move the position to the oldest change still undelivered.
type AsyncProducer struct {
	sender    AsyncSender
	encoder   Encoder
	positions PositionSetter
	opts      Options
	inflight  *inflight.List[position.Position]

	errMu sync.Mutex
	err   error
}

func NewAsyncProducer(sender AsyncSender, encoder Encoder, positions PositionSetter, opts Options) *AsyncProducer {
	return &AsyncProducer{
		sender:    sender,
		encoder:   encoder,
		positions: positions,
		opts:      opts,
		inflight:  inflight.NewList[position.Position](opts.MaxInflight),
	}
}

// Err returns the first delivery failure, after which every push fails.
func (a *AsyncProducer) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

func (a *AsyncProducer) fail(err error) {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	if a.err == nil {
		a.err = err
	}
}

func (a *AsyncProducer) Push(ctx context.Context, change row.Change) error {
	if err := a.Err(); err != nil {
		return err
	}

	var msg Message
	deliver := change.IsDeliverable()
	if deliver {
		var err error
		if msg, err = a.encoder.Encode(change); err != nil {
			if err = a.opts.failed(change, err); err != nil {
				return err
			}
			deliver = false
		}
	}

	id, err := a.inflight.Add(ctx, change.Position, change.IsResumable())
	if err != nil {
		return err
	}
	a.opts.metrics().Gauge(constants.MetricProducerInflight, float64(a.inflight.Size()), nil)

	if !deliver {
		a.complete(id)
		return nil
	}

	return a.sender.SendAsync(ctx, msg, func(sendErr error) {
		if sendErr != nil && ctx.Err() != nil {
			// Shutting down, the change stays undelivered.
			a.fail(ctx.Err())
			return
		}

		if sendErr != nil {
			if sendErr = a.opts.failed(change, sendErr); sendErr != nil {
				a.fail(sendErr)
				return
			}
		} else {
			a.opts.delivered(change)
		}
		a.complete(id)
	})
}

func (a *AsyncProducer) complete(id uint64) {
	if pos := a.inflight.Complete(id); pos != nil {
		a.positions.SetPosition(*pos)
	}
}

// Close waits for every inflight change to be reported.
func (a *AsyncProducer) Close() error {
	return errors.Join(a.sender.Close(), a.Err())
}

// pooledSender turns a [Sender] into an [AsyncSender] with a bounded number of concurrent sends.
type pooledSender struct {
	sender Sender
	group  *errgroup.Group
}

func NewPooledSender(sender Sender, workers int) AsyncSender {
	group := &errgroup.Group{}
	group.SetLimit(max(workers, 1))
	return &pooledSender{sender: sender, group: group}
}

// SendAsync blocks while every worker is busy.
func (p *pooledSender) SendAsync(ctx context.Context, msg Message, done func(err error)) error {
	p.group.Go(func() error {
		done(p.sender.Send(ctx, msg))
		return nil
	})
	return nil
}

func (p *pooledSender) Close() error {
	_ = p.group.Wait()
	return p.sender.Close()
}
