package destinations

import (
	"context"
	"fmt"

	"github.com/segmentio/kafka-go"

	"github.com/artie-labs/binlogd/config"
	"github.com/artie-labs/binlogd/lib/kafkalib"
)

type kafkaTopics struct {
	topic    string
	ddlTopic string
}

func (k kafkaTopics) message(msg Message, meta kafkalib.Meta) kafka.Message {
	template := k.topic
	if msg.IsDDL {
		template = k.ddlTopic
	}
	meta.PartitionKey = msg.PartitionKey
	return kafkalib.NewMessage(kafkalib.TopicName(template, msg.Database, msg.Table), msg.Key, msg.Value, meta)
}

// KafkaSender writes and waits for every message.
type KafkaSender struct {
	kafkaTopics
	writer *kafkalib.Writer
}

func NewKafkaSender(ctx context.Context, cfg config.Kafka) (*KafkaSender, error) {
	writer, err := kafkalib.NewSyncWriter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaSender{kafkaTopics: kafkaTopics{topic: cfg.Topic, ddlTopic: cfg.GetDDLTopic()}, writer: writer}, nil
}

func (k *KafkaSender) Send(ctx context.Context, msg Message) error {
	return k.writer.Write(ctx, k.message(msg, kafkalib.Meta{}))
}

func (k *KafkaSender) Close() error {
	return k.writer.Close()
}

type kafkaAsyncWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaAsyncSender lets the writer batch in the background, each message reporting back through the writer's
// completion callback. Ordering within a partition is kept by the writer.
type KafkaAsyncSender struct {
	kafkaTopics
	writer kafkaAsyncWriter
}

func NewKafkaAsyncSender(ctx context.Context, cfg config.Kafka) (*KafkaAsyncSender, error) {
	cfg.Async = true
	writer, err := kafkalib.NewWriter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &KafkaAsyncSender{kafkaTopics: kafkaTopics{topic: cfg.Topic, ddlTopic: cfg.GetDDLTopic()}, writer: writer}, nil
}

func (k *KafkaAsyncSender) SendAsync(ctx context.Context, msg Message, done func(err error)) error {
	if err := k.writer.WriteMessages(ctx, k.message(msg, kafkalib.Meta{Done: done})); err != nil {
		return fmt.Errorf("failed to enqueue kafka message: %w", err)
	}
	return nil
}

// Close flushes pending batches, completions for them run before it returns.
func (k *KafkaAsyncSender) Close() error {
	return k.writer.Close()
}
