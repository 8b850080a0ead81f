package mtr

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/artie-labs/transfer/lib/stringutil"

	"github.com/artie-labs/binlogd/config"
)

const defaultSamplingRate = 0.5

// agentAddress honours TELEMETRY_HOST and TELEMETRY_PORT when both are set.
func agentAddress() string {
	host, port := os.Getenv("TELEMETRY_HOST"), os.Getenv("TELEMETRY_PORT")
	if stringutil.Empty(host, port) {
		return DefaultAddr
	}
	return fmt.Sprintf("%s:%s", host, port)
}

// New returns a [NullClient] when metrics are not configured.
func New(cfg *config.Metrics) (Client, error) {
	if cfg == nil {
		return NullClient{}, nil
	}

	address := agentAddress()
	slog.Info("Creating metrics client", slog.String("address", address))
	datadogClient, err := statsd.New(address,
		statsd.WithNamespace(stringutil.Override(DefaultNamespace, cfg.Namespace)),
		statsd.WithTags(cfg.Tags),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create statsd client: %w", err)
	}
	return &statsClient{client: datadogClient, rate: defaultSamplingRate}, nil
}
