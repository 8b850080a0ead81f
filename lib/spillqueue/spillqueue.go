package spillqueue

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/cockroachdb/pebble"
	"github.com/vmihailenco/msgpack/v5"
)

// Queue is a FIFO of T that lives on disk in a throwaway pebble instance. It is not safe for concurrent use.
type Queue[T any] struct {
	db   *pebble.DB
	dir  string
	head uint64
	tail uint64
}

// New opens an empty queue in a fresh directory under baseDir, creating baseDir if needed. An empty baseDir means
// [os.TempDir].
func New[T any](baseDir string) (*Queue[T], error) {
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create spill directory %q: %w", baseDir, err)
		}
	}

	dir, err := os.MkdirTemp(baseDir, "spill-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create spill directory: %w", err)
	}

	db, err := pebble.Open(dir, &pebble.Options{
		ErrorIfExists: true,
		// Nothing spilled survives a restart, so there is nothing to recover.
		DisableWAL: true,
		Logger:     pebbleLogger{dir: dir},
	})
	if err != nil {
		_ = os.RemoveAll(dir)
		return nil, fmt.Errorf("failed to open spill store at %q: %w", dir, err)
	}

	return &Queue[T]{db: db, dir: dir}, nil
}

func (q *Queue[T]) Len() int {
	return int(q.tail - q.head)
}

func (q *Queue[T]) Push(item T) error {
	value, err := msgpack.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode spilled item: %w", err)
	}

	if err = q.db.Set(encodeKey(q.tail), value, pebble.NoSync); err != nil {
		return fmt.Errorf("failed to write spilled item: %w", err)
	}
	q.tail++
	return nil
}

// Pop removes and returns the oldest item. The boolean is false once the queue is drained.
func (q *Queue[T]) Pop() (T, bool, error) {
	var item T
	if q.head == q.tail {
		return item, false, nil
	}

	key := encodeKey(q.head)
	value, closer, err := q.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return item, false, fmt.Errorf("spilled item %d is missing", q.head)
		}
		return item, false, fmt.Errorf("failed to read spilled item: %w", err)
	}

	err = msgpack.Unmarshal(value, &item)
	_ = closer.Close()
	if err != nil {
		return item, false, fmt.Errorf("failed to decode spilled item: %w", err)
	}

	if err = q.db.Delete(key, pebble.NoSync); err != nil {
		return item, false, fmt.Errorf("failed to delete spilled item: %w", err)
	}
	q.head++
	return item, true, nil
}

// Close releases the store and removes its directory.
func (q *Queue[T]) Close() error {
	if q.db == nil {
		return nil
	}

	err := q.db.Close()
	q.db = nil
	if removeErr := os.RemoveAll(q.dir); removeErr != nil && err == nil {
		err = removeErr
	}
	if err != nil {
		return fmt.Errorf("failed to close spill store: %w", err)
	}
	return nil
}

func encodeKey(seq uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, seq)
}

type pebbleLogger struct {
	dir string
}

func (p pebbleLogger) Infof(format string, args ...any) {
	slog.Debug(fmt.Sprintf(format, args...), slog.String("dir", p.dir))
}

func (p pebbleLogger) Errorf(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...), slog.String("dir", p.dir))
}

func (p pebbleLogger) Fatalf(format string, args ...any) {
	panic(fmt.Sprintf(format, args...))
}
