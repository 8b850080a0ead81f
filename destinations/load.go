package destinations

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/artie-labs/binlogd/config"
	"github.com/artie-labs/binlogd/lib/mtr"
)

// Load builds the producer configured in settings.
func Load(ctx context.Context, settings config.Settings, positions PositionSetter, metrics mtr.Client) (Producer, error) {
	outputCfg, err := settings.GetOutput().ToOutputConfig()
	if err != nil {
		return nil, err
	}

	producerCfg := settings.Producer
	encoder := Encoder{Output: outputCfg, PartitionBy: producerCfg.GetPartitionBy()}
	opts := Options{IgnoreErrors: producerCfg.IgnoreErrors, Metrics: metrics, MaxInflight: producerCfg.GetMaxInflight()}

	slog.Info("Producer config",
		slog.String("type", string(producerCfg.Type)),
		slog.String("partitionBy", string(encoder.PartitionBy)),
		slog.Bool("ignoreErrors", opts.IgnoreErrors),
	)

	switch producerCfg.Type {
	case config.ProducerStdout:
		return NewSyncProducer(NewStdoutSender(), encoder, positions, opts), nil
	case config.ProducerFile:
		sender, err := NewFileSender(settings.File.Path)
		if err != nil {
			return nil, err
		}
		return NewSyncProducer(sender, encoder, positions, opts), nil
	case config.ProducerKafka:
		slog.Info("Kafka config",
			slog.Bool("aws", settings.Kafka.AwsEnabled),
			slog.String("kafkaBootstrapServer", settings.Kafka.BootstrapServers),
			slog.String("topic", settings.Kafka.Topic),
			slog.Bool("async", settings.Kafka.Async),
			slog.Uint64("maxRequestSize", settings.Kafka.MaxRequestSize),
		)
		if settings.Kafka.Async {
			sender, err := NewKafkaAsyncSender(ctx, *settings.Kafka)
			if err != nil {
				return nil, err
			}
			return NewAsyncProducer(sender, encoder, positions, opts), nil
		}
		sender, err := NewKafkaSender(ctx, *settings.Kafka)
		if err != nil {
			return nil, err
		}
		return NewSyncProducer(sender, encoder, positions, opts), nil
	case config.ProducerSQS:
		sender, err := NewSQSSender(*settings.SQS)
		if err != nil {
			return nil, err
		}
		return NewAsyncProducer(NewPooledSender(sender, producerCfg.GetWorkers()), encoder, positions, opts), nil
	case config.ProducerSNS:
		sender, err := NewSNSSender(*settings.SNS)
		if err != nil {
			return nil, err
		}
		return NewAsyncProducer(NewPooledSender(sender, producerCfg.GetWorkers()), encoder, positions, opts), nil
	case config.ProducerKinesis:
		sender, err := NewKinesisSender(*settings.Kinesis)
		if err != nil {
			return nil, err
		}
		return NewAsyncProducer(NewPooledSender(sender, producerCfg.GetWorkers()), encoder, positions, opts), nil
	default:
		return nil, fmt.Errorf("invalid producer: '%s'", producerCfg.Type)
	}
}
