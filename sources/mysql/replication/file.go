package replication

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/go-mysql-org/go-mysql/replication"

	"github.com/artie-labs/binlogd/sources/mysql/position"
)

// FileSource replays local binlog files in order. Files named before the start position's file are skipped and
// the start file is read from the position's offset.
type FileSource struct {
	files       []string
	pollTimeout time.Duration
	pump        *pump
}

func NewFileSource(files []string, pollTimeout time.Duration) *FileSource {
	return &FileSource{files: files, pollTimeout: pollTimeout}
}

func (f *FileSource) Start(ctx context.Context, pos position.Position) error {
	f.Close()

	files := f.files
	f.pump = startPump(ctx, f.pollTimeout, func(ctx context.Context, emit func(*replication.BinlogEvent) error) error {
		parser := replication.NewBinlogParser()
		parser.SetUseDecimal(true)

		for _, file := range files {
			name := filepath.Base(file)
			var offset int64
			switch {
			case pos.File != "" && name < pos.File:
				slog.Debug("Skipping binlog file before the start position", slog.String("file", file))
				continue
			case name == pos.File:
				offset = int64(pos.Offset)
			}

			slog.Info("Replaying binlog file", slog.String("file", file), slog.Int64("offset", offset))
			if err := parser.ParseFile(file, offset, func(event *replication.BinlogEvent) error { return emit(event) }); err != nil {
				return fmt.Errorf("failed to parse %q: %w", file, err)
			}
			parser.Reset()
		}
		return nil
	})
	return nil
}

func (f *FileSource) Next(ctx context.Context) (*replication.BinlogEvent, error) {
	if f.pump == nil {
		return nil, fmt.Errorf("file source has not been started")
	}
	return f.pump.next(ctx)
}

func (f *FileSource) Close() {
	if f.pump != nil {
		f.pump.stop()
		f.pump = nil
	}
}
