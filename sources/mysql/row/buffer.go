package row

import (
	"fmt"
	"log/slog"

	"github.com/artie-labs/binlogd/lib/spillqueue"
	"github.com/artie-labs/binlogd/sources/mysql/position"
)

const DefaultMaxMemoryBytes = 10 << 20

// Buffer holds the rows of one transaction. Once the estimated size of the rows held in memory exceeds the
// budget, everything but the newest row is moved to a disk queue. Rows come back out in insertion order and the
// newest row is always in memory.
type Buffer struct {
	maxMemory int64
	spillDir  string

	memory      []Change
	memoryBytes int64
	spill       *spillqueue.Queue[Change]

	xid       *uint64
	commitPos position.Position
	committed bool
	xoffset   int64
}

func NewBuffer(maxMemoryBytes int64, spillDir string) *Buffer {
	if maxMemoryBytes <= 0 {
		maxMemoryBytes = DefaultMaxMemoryBytes
	}
	return &Buffer{maxMemory: maxMemoryBytes, spillDir: spillDir}
}

func (b *Buffer) Len() int {
	n := len(b.memory)
	if b.spill != nil {
		n += b.spill.Len()
	}
	return n
}

func (b *Buffer) IsEmpty() bool {
	return b.Len() == 0
}

// Spilled reports whether any row went to disk.
func (b *Buffer) Spilled() bool {
	return b.spill != nil
}

func (b *Buffer) Add(change Change) error {
	b.memory = append(b.memory, change)
	b.memoryBytes += change.approxSize()

	if b.memoryBytes <= b.maxMemory || len(b.memory) < 2 {
		return nil
	}

	if b.spill == nil {
		spill, err := spillqueue.New[Change](b.spillDir)
		if err != nil {
			return err
		}
		b.spill = spill
		slog.Info("Transaction exceeded its memory budget, spilling rows to disk",
			slog.Int64("maxMemoryBytes", b.maxMemory),
			slog.Int("rows", len(b.memory)),
		)
	}

	last := b.memory[len(b.memory)-1]
	for _, c := range b.memory[:len(b.memory)-1] {
		if err := b.spill.Push(c); err != nil {
			return err
		}
	}
	b.memory = []Change{last}
	b.memoryBytes = last.approxSize()
	return nil
}

// Last returns the newest row, which is always held in memory.
func (b *Buffer) Last() (*Change, bool) {
	if len(b.memory) == 0 {
		return nil, false
	}
	return &b.memory[len(b.memory)-1], true
}

// Commit records the transaction's xid and final position. Rows handed out by [Buffer.Next] afterwards are
// stamped with the xid and their offset in the transaction, and the final row is marked as the commit.
func (b *Buffer) Commit(xid *uint64, pos position.Position) {
	b.xid = xid
	b.commitPos = pos
	b.committed = true
}

// Next pops the oldest row. The boolean is false once the buffer is drained.
func (b *Buffer) Next() (Change, bool, error) {
	var change Change
	switch {
	case b.spill != nil && b.spill.Len() > 0:
		c, ok, err := b.spill.Pop()
		if err != nil {
			return change, false, fmt.Errorf("failed to read spilled row: %w", err)
		}
		if !ok {
			return change, false, fmt.Errorf("spill queue drained early")
		}
		change = c
	case len(b.memory) > 0:
		change = b.memory[0]
		b.memory = b.memory[1:]
	default:
		return change, false, nil
	}

	if b.committed {
		change.XID = b.xid
		change.XOffset = b.xoffset
		b.xoffset++
		if b.IsEmpty() {
			change.IsCommit = true
			change.Position = b.commitPos
		}
	}
	return change, true, nil
}

// Drain pops every remaining row.
func (b *Buffer) Drain() ([]Change, error) {
	changes := make([]Change, 0, b.Len())
	for {
		change, ok, err := b.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return changes, nil
		}
		changes = append(changes, change)
	}
}

// Close releases any disk space used by the buffer. Remaining rows are discarded.
func (b *Buffer) Close() error {
	b.memory = nil
	if b.spill == nil {
		return nil
	}
	err := b.spill.Close()
	b.spill = nil
	return err
}
