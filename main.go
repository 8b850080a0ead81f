package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/artie-labs/binlogd/config"
	"github.com/artie-labs/binlogd/constants"
	"github.com/artie-labs/binlogd/lib/logger"
	"github.com/artie-labs/binlogd/lib/mtr"
	"github.com/artie-labs/binlogd/sources"
	"github.com/artie-labs/binlogd/sources/mysql"
	"github.com/artie-labs/binlogd/sources/mysql/bootstrap"
	"github.com/artie-labs/binlogd/sources/mysql/position"
)

type options struct {
	configFilePath string
	verbose        bool
}

// setUp reads the config and installs the logger. The returned cleanup runs the registered termination handlers.
func (o *options) setUp() (*config.Settings, mtr.Client, func()) {
	cfg, err := config.ReadConfig(o.configFilePath)
	if err != nil {
		logger.Fatal("Failed to read config file", slog.Any("err", err))
	}

	_logger, cleanUp := logger.NewLogger(cfg, o.verbose)
	slog.SetDefault(_logger)

	metrics, err := mtr.New(cfg.Metrics)
	if err != nil {
		logger.Fatal("Failed to set up metrics", slog.Any("err", err))
	}
	logger.OnTerminate(metrics.Flush)
	return cfg, metrics, cleanUp
}

func run(ctx context.Context, source sources.Source) error {
	logger.OnTerminate(func() {
		if err := source.Close(); err != nil {
			slog.Error("Failed to close", slog.Any("err", err))
		}
	})
	return source.Run(ctx)
}

func newRunCommand(o *options) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Replicate the binlog into the configured producer",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, metrics, cleanUp := o.setUp()
			defer cleanUp()

			daemon, err := mysql.Load(cmd.Context(), *cfg, metrics)
			if err != nil {
				logger.Fatal("Failed to load mysql", slog.Any("err", err))
			}
			return run(cmd.Context(), daemon)
		},
	}
}

func newBootstrapCommand(o *options) *cobra.Command {
	var req bootstrap.Request
	command := &cobra.Command{
		Use:   "bootstrap",
		Short: "Request a bootstrap of a table, the running daemon picks it up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, cleanUp := o.setUp()
			defer cleanUp()

			id, err := mysql.RequestBootstrap(cmd.Context(), *cfg, req)
			if err != nil {
				return err
			}
			slog.Info("Requested bootstrap", slog.Int64("id", id), slog.String("database", req.Database), slog.String("table", req.Table))
			return nil
		},
	}

	command.Flags().StringVar(&req.Database, "database", "", "database of the table to bootstrap")
	command.Flags().StringVar(&req.Table, "table", "", "table to bootstrap")
	command.Flags().StringVar(&req.WhereClause, "where", "", "optional condition limiting the bootstrapped rows")
	command.Flags().StringVar(&req.Comment, "comment", "", "optional comment stored with the request")
	return command
}

func newReplayCommand(o *options) *cobra.Command {
	var start string
	command := &cobra.Command{
		Use:   "replay [binlog files...]",
		Short: "Replay local binlog files into the configured producer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, files []string) error {
			var startPosition position.Position
			if start != "" {
				var err error
				if startPosition, err = mysql.ParsePosition(start); err != nil {
					return err
				}
			}

			cfg, metrics, cleanUp := o.setUp()
			defer cleanUp()

			daemon, err := mysql.LoadReplay(cmd.Context(), *cfg, metrics, files, startPosition)
			if err != nil {
				logger.Fatal("Failed to load replay", slog.Any("err", err))
			}
			return run(cmd.Context(), daemon)
		},
	}

	command.Flags().StringVar(&start, "start", "", "file:offset to start from, defaults to the beginning of the first file")
	return command
}

func newRootCommand() *cobra.Command {
	o := &options{}
	command := &cobra.Command{
		Use:           "binlogd",
		Short:         "Stream MySQL row changes as JSON",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	command.PersistentFlags().StringVar(&o.configFilePath, "config", constants.DefaultConfigPath, "path to config file")
	command.PersistentFlags().BoolVarP(&o.verbose, "verbose", "v", false, "enable debug logging")

	command.AddCommand(newRunCommand(o), newBootstrapCommand(o), newReplayCommand(o))
	return command
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		logger.Fatal(fmt.Sprintf("Failed to run %s", os.Args[0]), slog.Any("err", err))
	}
}
