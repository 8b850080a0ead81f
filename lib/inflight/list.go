package inflight

import (
	"context"
	"sync"
)

const DefaultCapacity = 10_000

type entry[P any] struct {
	id        uint64
	position  P
	resumable bool
	completed bool
}

// List tracks messages handed to an asynchronous producer. Messages may complete in any order but a position is
// only reported once every message added before it has completed.
type List[P any] struct {
	mu       sync.Mutex
	notFull  *sync.Cond
	capacity int
	nextID   uint64
	entries  []*entry[P]
	byID     map[uint64]*entry[P]
}

func NewList[P any](capacity int) *List[P] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	l := &List[P]{capacity: capacity, byID: make(map[uint64]*entry[P])}
	l.notFull = sync.NewCond(&l.mu)
	return l
}

// Add appends a message and returns its id. It blocks while the list is at capacity.
func (l *List[P]) Add(ctx context.Context, position P, resumable bool) (uint64, error) {
	stop := context.AfterFunc(ctx, func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.notFull.Broadcast()
	})
	defer stop()

	l.mu.Lock()
	defer l.mu.Unlock()

	for len(l.entries) >= l.capacity {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		l.notFull.Wait()
	}

	if err := ctx.Err(); err != nil {
		return 0, err
	}

	l.nextID++
	e := &entry[P]{id: l.nextID, position: position, resumable: resumable}
	l.entries = append(l.entries, e)
	l.byID[e.id] = e
	return e.id, nil
}

// Complete marks a message as done and drops the completed prefix of the list. It returns the position of the
// newest resumable message in that prefix, or nil when nothing new became durable.
func (l *List[P]) Complete(id uint64) *P {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.byID[id]
	if !ok {
		return nil
	}
	e.completed = true

	var durable *P
	n := 0
	for _, head := range l.entries {
		if !head.completed {
			break
		}
		if head.resumable {
			pos := head.position
			durable = &pos
		}
		delete(l.byID, head.id)
		n++
	}

	if n > 0 {
		clear(l.entries[:n])
		l.entries = l.entries[n:]
		l.notFull.Broadcast()
	}
	return durable
}

func (l *List[P]) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
