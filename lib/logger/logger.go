package logger

import (
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
	slogsentry "github.com/samber/slog-sentry/v2"

	"github.com/artie-labs/binlogd/config"
)

var (
	terminateMu         sync.Mutex
	handlersToTerminate []func()
)

// OnTerminate registers fn to run before the process exits through [Fatal] or the returned cleanup of [NewLogger].
// The daemon uses it to flush the stored position.
func OnTerminate(fn func()) {
	terminateMu.Lock()
	defer terminateMu.Unlock()
	handlersToTerminate = append(handlersToTerminate, fn)
}

func NewLogger(settings *config.Settings, verbose bool) (*slog.Logger, func()) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.DateTime})

	if settings != nil && settings.Reporting != nil && settings.Reporting.Sentry != nil && settings.Reporting.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: settings.Reporting.Sentry.DSN}); err != nil {
			slog.New(handler).Warn("Failed to enable Sentry output", slog.Any("err", err))
		} else {
			handler = slogmulti.Fanout(
				handler,
				slogsentry.Option{Level: slog.LevelError}.NewSentryHandler(),
			)

			slog.New(handler).Info("Sentry logger enabled")
			OnTerminate(func() {
				sentry.Flush(2 * time.Second)
			})
		}
	}

	return slog.New(handler), runHandlers
}

// runHandlers runs in reverse registration order, each handler at most once.
func runHandlers() {
	terminateMu.Lock()
	handlers := handlersToTerminate
	handlersToTerminate = nil
	terminateMu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i]()
	}
}

func Fatal(msg string, args ...any) {
	slog.Error(msg, args...)
	runHandlers()
	os.Exit(1)
}

func Panic(msg string, args ...any) {
	slog.Error(msg, args...)
	runHandlers()
	panic(msg)
}
