package kafkalib

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"

	"github.com/artie-labs/binlogd/config"
	"github.com/artie-labs/binlogd/lib"
)

const (
	baseJitterMs = 300
	maxJitterMs  = 5000
	maxAttempts  = 10
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Writer is a synchronous writer that retries with jitter, reloads its connection on authorization and leadership
// errors and drops messages the broker rejects as too large.
type Writer struct {
	writer messageWriter
	cfg    config.Kafka
	reload func(ctx context.Context) (messageWriter, error)
}

func NewSyncWriter(ctx context.Context, cfg config.Kafka) (*Writer, error) {
	cfg.Async = false
	writer, err := NewWriter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	return &Writer{
		writer: writer,
		cfg:    cfg,
		reload: func(ctx context.Context) (messageWriter, error) {
			return NewWriter(ctx, cfg)
		},
	}, nil
}

func (w *Writer) reloadWriter(ctx context.Context) error {
	if err := w.writer.Close(); err != nil {
		return err
	}

	writer, err := w.reload(ctx)
	if err != nil {
		return err
	}

	w.writer = writer
	return nil
}

func (w *Writer) Write(ctx context.Context, msgs ...kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	var kafkaErr error
	for attempts := 0; attempts < maxAttempts; attempts++ {
		kafkaErr = w.writer.WriteMessages(ctx, msgs...)
		if kafkaErr == nil {
			return nil
		}

		if IsExceedMaxMessageBytesErr(kafkaErr) {
			slog.Warn("Skipping messages that exceed the broker's max message size",
				slog.String("topic", msgs[0].Topic),
				slog.Int("count", len(msgs)),
			)
			return nil
		}

		if IsRetryableError(kafkaErr) {
			if reloadErr := w.reloadWriter(ctx); reloadErr != nil {
				slog.Warn("Failed to reload kafka writer", slog.Any("err", reloadErr))
			}
		} else {
			slog.Info("Failed to publish to kafka",
				slog.Any("err", kafkaErr),
				slog.Int("attempts", attempts),
			)
			if err := lib.SleepJitter(ctx, baseJitterMs, maxJitterMs, attempts); err != nil {
				return err
			}
		}
	}

	return fmt.Errorf("failed to write message: %w", kafkaErr)
}

func (w *Writer) Close() error {
	return w.writer.Close()
}
