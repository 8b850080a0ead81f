package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/artie-labs/binlogd/lib/spillqueue"
	"github.com/artie-labs/binlogd/sources/mysql/row"
	"github.com/artie-labs/binlogd/sources/mysql/schema"
)

const controlTable = "bootstrap"

var (
	_ Bootstrapper = (*SyncBootstrapper)(nil)
	_ Bootstrapper = (*AsyncBootstrapper)(nil)
)

// Bootstrapper coordinates table bootstraps with the live stream. Every method but Run is called from the
// goroutine that reads the binlog.
type Bootstrapper interface {
	// IsControlRow is true for rows of the `bootstrap` control table, which are never delivered.
	IsControlRow(change row.Change) bool
	HandleControlRow(ctx context.Context, change row.Change) error
	// ShouldSkip holds back live rows of tables that are being bootstrapped. Held rows are replayed once the
	// bootstrap completes.
	ShouldSkip(change row.Change) (bool, error)
	// Resume restarts the bootstraps that never completed.
	Resume(ctx context.Context) error
	// Run works the queue of an asynchronous bootstrapper until ctx is done.
	Run(ctx context.Context) error
	Close() error
}

type Config struct {
	ClientID      string
	StoreDatabase string
	SpillDir      string
}

type skipBuffer struct {
	database string
	table    string
	queue    *spillqueue.Queue[row.Change]
}

type coordinator struct {
	cfg    Config
	store  *Store
	runner *Runner
	pusher Pusher
	schema func() *schema.Schema

	mu    sync.Mutex
	skips map[int64]*skipBuffer
}

func newCoordinator(cfg Config, store *Store, runner *Runner, pusher Pusher, currentSchema func() *schema.Schema) *coordinator {
	return &coordinator{
		cfg:    cfg,
		store:  store,
		runner: runner,
		pusher: pusher,
		schema: currentSchema,
		skips:  make(map[int64]*skipBuffer),
	}
}

func (c *coordinator) IsControlRow(change row.Change) bool {
	return change.Database == c.cfg.StoreDatabase && change.Table == controlTable
}

func (c *coordinator) ShouldSkip(change row.Change) (bool, error) {
	switch change.Type {
	case row.Insert, row.Update, row.Delete:
	default:
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, buffer := range c.skips {
		if buffer.database != change.Database || buffer.table != change.Table {
			continue
		}

		if buffer.queue == nil {
			queue, err := spillqueue.New[row.Change](c.cfg.SpillDir)
			if err != nil {
				return false, err
			}
			buffer.queue = queue
		}
		if err := buffer.queue.Push(change); err != nil {
			return false, fmt.Errorf("failed to hold back row: %w", err)
		}
		return true, nil
	}
	return false, nil
}

// prepare resolves the task's table against the current schema and starts holding back its live rows. It
// returns nil when there is nothing to run: the task is already known or its table does not exist, in which
// case it is marked complete.
func (c *coordinator) prepare(ctx context.Context, task Task) (*schema.Table, error) {
	c.mu.Lock()
	_, known := c.skips[task.ID]
	c.mu.Unlock()
	if known {
		return nil, nil
	}

	def, ok := c.schema().FindTable(task.Database, task.Table)
	if !ok {
		slog.Error("Cannot bootstrap a table that does not exist, skipping", slog.String("task", task.String()))
		return nil, c.store.MarkComplete(ctx, task.ID, 0)
	}

	c.mu.Lock()
	c.skips[task.ID] = &skipBuffer{database: def.Database, table: def.Name}
	c.mu.Unlock()
	return def.Copy(), nil
}

func (c *coordinator) replay(ctx context.Context, task Task) error {
	c.mu.Lock()
	buffer, ok := c.skips[task.ID]
	delete(c.skips, task.ID)
	c.mu.Unlock()

	if !ok || buffer.queue == nil {
		return nil
	}
	defer func() {
		if err := buffer.queue.Close(); err != nil {
			slog.Warn("Failed to release held back rows", slog.Any("err", err))
		}
	}()

	slog.Info("Replaying rows held back during bootstrap", slog.String("task", task.String()), slog.Int("rows", buffer.queue.Len()))
	for {
		change, ok, err := buffer.queue.Pop()
		if err != nil {
			return err
		} else if !ok {
			return nil
		}

		if err = c.pusher.Push(ctx, change); err != nil {
			return fmt.Errorf("failed to replay held back row: %w", err)
		}
	}
}

func (c *coordinator) handleControlRow(ctx context.Context, change row.Change, start func(ctx context.Context, task Task) error) error {
	task, err := TaskFromChange(change)
	if err != nil {
		return fmt.Errorf("failed to read bootstrap request: %w", err)
	}
	if task.ClientID != c.cfg.ClientID {
		return nil
	}

	switch {
	case change.Type == row.Insert:
		// The request may be read again after a restart from an older position.
		complete, err := c.store.IsComplete(ctx, task.ID)
		if err != nil || complete {
			return err
		}
		return start(ctx, task)
	case isCompletion(change):
		return c.replay(ctx, task)
	}
	return nil
}

func (c *coordinator) resume(ctx context.Context, start func(ctx context.Context, task Task) error) error {
	requeued, err := c.store.Requeue(ctx)
	if err != nil {
		return err
	}

	tasks, err := c.store.Pending(ctx)
	if err != nil {
		return err
	}
	if len(tasks) > 0 {
		slog.Info("Resuming incomplete bootstraps", slog.Int("tasks", len(tasks)), slog.Int64("interrupted", requeued))
	}

	for _, task := range tasks {
		if err = start(ctx, task); err != nil {
			return err
		}
	}
	return nil
}

func (c *coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for id, buffer := range c.skips {
		if buffer.queue != nil {
			errs = append(errs, buffer.queue.Close())
		}
		delete(c.skips, id)
	}
	return errors.Join(errs...)
}

// SyncBootstrapper scans inline: the binlog is not read while a table is bootstrapped.
type SyncBootstrapper struct {
	*coordinator
}

func NewSyncBootstrapper(cfg Config, store *Store, runner *Runner, pusher Pusher, currentSchema func() *schema.Schema) *SyncBootstrapper {
	return &SyncBootstrapper{coordinator: newCoordinator(cfg, store, runner, pusher, currentSchema)}
}

func (s *SyncBootstrapper) HandleControlRow(ctx context.Context, change row.Change) error {
	return s.handleControlRow(ctx, change, s.start)
}

func (s *SyncBootstrapper) Resume(ctx context.Context) error {
	return s.resume(ctx, s.start)
}

func (s *SyncBootstrapper) Run(_ context.Context) error {
	return nil
}

func (s *SyncBootstrapper) start(ctx context.Context, task Task) error {
	def, err := s.prepare(ctx, task)
	if err != nil || def == nil {
		return err
	}
	return s.runner.Run(ctx, task, def, s.pusher)
}

type queuedTask struct {
	task Task
	def  *schema.Table
}

// AsyncBootstrapper scans on its own goroutine while the stream carries on. Its pusher must be safe for
// concurrent use.
type AsyncBootstrapper struct {
	*coordinator

	queueMu sync.Mutex
	queue   []queuedTask
	wake    chan struct{}
}

func NewAsyncBootstrapper(cfg Config, store *Store, runner *Runner, pusher Pusher, currentSchema func() *schema.Schema) *AsyncBootstrapper {
	return &AsyncBootstrapper{
		coordinator: newCoordinator(cfg, store, runner, pusher, currentSchema),
		wake:        make(chan struct{}, 1),
	}
}

func (a *AsyncBootstrapper) HandleControlRow(ctx context.Context, change row.Change) error {
	return a.handleControlRow(ctx, change, a.enqueue)
}

func (a *AsyncBootstrapper) Resume(ctx context.Context) error {
	return a.resume(ctx, a.enqueue)
}

// Queued is the number of tasks waiting for the worker.
func (a *AsyncBootstrapper) Queued() int {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	return len(a.queue)
}

func (a *AsyncBootstrapper) enqueue(ctx context.Context, task Task) error {
	def, err := a.prepare(ctx, task)
	if err != nil || def == nil {
		return err
	}

	a.queueMu.Lock()
	a.queue = append(a.queue, queuedTask{task: task, def: def})
	a.queueMu.Unlock()

	select {
	case a.wake <- struct{}{}:
	default:
	}
	return nil
}

func (a *AsyncBootstrapper) next() (queuedTask, bool) {
	a.queueMu.Lock()
	defer a.queueMu.Unlock()
	if len(a.queue) == 0 {
		return queuedTask{}, false
	}
	item := a.queue[0]
	a.queue = a.queue[1:]
	return item, true
}

func (a *AsyncBootstrapper) Run(ctx context.Context) error {
	for {
		item, ok := a.next()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-a.wake:
				continue
			}
		}

		if err := a.runner.Run(ctx, item.task, item.def, a.pusher); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("bootstrap %s failed: %w", item.task, err)
		}
	}
}
