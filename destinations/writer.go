package destinations

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
)

// WriterSender writes one JSON document per line.
type WriterSender struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

func NewStdoutSender() *WriterSender {
	return &WriterSender{w: os.Stdout}
}

func NewFileSender(path string) (*WriterSender, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %q: %w", path, err)
	}
	return &WriterSender{w: file, closer: file}, nil
}

func (w *WriterSender) Send(_ context.Context, msg Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line := make([]byte, 0, len(msg.Value)+1)
	line = append(line, msg.Value...)
	line = append(line, '\n')
	if _, err := w.w.Write(line); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (w *WriterSender) Close() error {
	if w.closer == nil {
		return nil
	}
	return w.closer.Close()
}
