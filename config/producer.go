package config

import (
	"cmp"
	"fmt"
	"strings"

	"github.com/samber/lo"

	"github.com/artie-labs/binlogd/lib/inflight"
	"github.com/artie-labs/binlogd/sources/mysql/row"
)

type ProducerType string

const (
	ProducerStdout  ProducerType = "stdout"
	ProducerFile    ProducerType = "file"
	ProducerKafka   ProducerType = "kafka"
	ProducerSQS     ProducerType = "sqs"
	ProducerSNS     ProducerType = "sns"
	ProducerKinesis ProducerType = "kinesis"
)

const defaultWorkers = 4

type Producer struct {
	Type        ProducerType    `yaml:"type"`
	PartitionBy row.PartitionBy `yaml:"partitionBy,omitempty"`
	// IgnoreErrors - log and skip rows that could not be delivered instead of stopping.
	IgnoreErrors bool `yaml:"ignoreErrors,omitempty"`
	// Workers - concurrent sends for the SQS, SNS and Kinesis producers.
	Workers     int `yaml:"workers,omitempty"`
	MaxInflight int `yaml:"maxInflight,omitempty"`
}

func (p *Producer) GetPartitionBy() row.PartitionBy {
	return cmp.Or(p.PartitionBy, row.PartitionByDatabase)
}

func (p *Producer) GetWorkers() int {
	return cmp.Or(p.Workers, defaultWorkers)
}

func (p *Producer) GetMaxInflight() int {
	return cmp.Or(p.MaxInflight, inflight.DefaultCapacity)
}

func (p *Producer) Validate() error {
	switch p.Type {
	case ProducerStdout, ProducerFile, ProducerKafka, ProducerSQS, ProducerSNS, ProducerKinesis:
	default:
		return fmt.Errorf("invalid producer: '%s'", p.Type)
	}

	if err := p.GetPartitionBy().Validate(); err != nil {
		return err
	}

	if p.Workers < 0 || p.MaxInflight < 0 {
		return fmt.Errorf("workers and maxInflight cannot be negative")
	}

	return nil
}

type Kafka struct {
	BootstrapServers string `yaml:"bootstrapServers"`
	// Topic - may reference `%{database}` and `%{table}`.
	Topic string `yaml:"topic"`
	// DDLTopic - defaults to Topic.
	DDLTopic       string `yaml:"ddlTopic,omitempty"`
	AwsEnabled     bool   `yaml:"awsEnabled,omitempty"`
	MaxRequestSize uint64 `yaml:"maxRequestSize,omitempty"`
	// Async - hand messages to the writer's background batching and track completion through callbacks.
	Async bool `yaml:"async,omitempty"`
}

// BootstrapAddresses returns a list of bootstrap addresses for the Kafka cluster.
func (k *Kafka) BootstrapAddresses() []string {
	return lo.FilterMap(strings.Split(k.BootstrapServers, ","), func(address string, _ int) (string, bool) {
		address = strings.TrimSpace(address)
		return address, address != ""
	})
}

func (k *Kafka) GetDDLTopic() string {
	return cmp.Or(k.DDLTopic, k.Topic)
}

func (k *Kafka) Validate() error {
	if k == nil {
		return fmt.Errorf("kafka config is nil")
	}

	if k.BootstrapServers == "" {
		return fmt.Errorf("bootstrap servers not passed in")
	}

	if k.Topic == "" {
		return fmt.Errorf("topic not passed in")
	}

	return nil
}

type AWS struct {
	AwsRegion          string `yaml:"awsRegion"`
	AwsAccessKeyID     string `yaml:"awsAccessKeyId,omitempty"`
	AwsSecretAccessKey string `yaml:"awsSecretAccessKey,omitempty"`
}

func (a AWS) validate() error {
	if a.AwsRegion == "" {
		return fmt.Errorf("aws region not passed in")
	}

	if (a.AwsAccessKeyID == "") != (a.AwsSecretAccessKey == "") {
		return fmt.Errorf("aws access key id and secret access key must be passed in together")
	}

	return nil
}

type SQS struct {
	AWS      `yaml:",inline"`
	QueueURL string `yaml:"queueURL"`
}

// IsFIFO - FIFO queues need a message group id, the partition key is used for it.
func (s *SQS) IsFIFO() bool {
	return strings.HasSuffix(s.QueueURL, ".fifo")
}

func (s *SQS) Validate() error {
	if s == nil {
		return fmt.Errorf("sqs config is nil")
	}

	if s.QueueURL == "" {
		return fmt.Errorf("queue url not passed in")
	}

	return s.AWS.validate()
}

type SNS struct {
	AWS      `yaml:",inline"`
	TopicArn string `yaml:"topicArn"`
	// MessageAttributes - attach `database` and `table` as message attributes for subscription filtering.
	MessageAttributes bool `yaml:"messageAttributes,omitempty"`
}

func (s *SNS) IsFIFO() bool {
	return strings.HasSuffix(s.TopicArn, ".fifo")
}

func (s *SNS) Validate() error {
	if s == nil {
		return fmt.Errorf("sns config is nil")
	}

	if s.TopicArn == "" {
		return fmt.Errorf("topic arn not passed in")
	}

	return s.AWS.validate()
}

type Kinesis struct {
	AWS        `yaml:",inline"`
	StreamName string `yaml:"streamName"`
}

func (k *Kinesis) Validate() error {
	if k == nil {
		return fmt.Errorf("kinesis config is nil")
	}

	if k.StreamName == "" {
		return fmt.Errorf("stream name not passed in")
	}

	return k.AWS.validate()
}

type File struct {
	Path string `yaml:"path"`
}

func (f *File) Validate() error {
	if f == nil {
		return fmt.Errorf("file config is nil")
	}

	if f.Path == "" {
		return fmt.Errorf("file path not passed in")
	}

	return nil
}
