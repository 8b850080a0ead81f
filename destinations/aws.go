package destinations

import (
	"context"
	"fmt"

	"github.com/artie-labs/transfer/lib/ptr"
	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/kinesis"
	"github.com/aws/aws-sdk-go/service/kinesis/kinesisiface"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"

	"github.com/artie-labs/binlogd/config"
)

// Kinesis rejects longer partition keys.
const maxKinesisPartitionKeyLength = 256

func newSession(cfg config.AWS) (*session.Session, error) {
	awsCfg := &aws.Config{Region: ptr.ToString(cfg.AwsRegion)}
	if cfg.AwsAccessKeyID != "" {
		awsCfg.Credentials = credentials.NewStaticCredentials(cfg.AwsAccessKeyID, cfg.AwsSecretAccessKey, "")
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return sess, nil
}

// nonEmpty - AWS rejects empty group ids and partition keys.
func nonEmpty(key string) string {
	if key == "" {
		return "none"
	}
	return key
}

type SQSSender struct {
	client   sqsiface.SQSAPI
	queueURL string
	fifo     bool
}

func NewSQSSender(cfg config.SQS) (*SQSSender, error) {
	sess, err := newSession(cfg.AWS)
	if err != nil {
		return nil, err
	}
	return &SQSSender{client: sqs.New(sess), queueURL: cfg.QueueURL, fifo: cfg.IsFIFO()}, nil
}

func (s *SQSSender) Send(ctx context.Context, msg Message) error {
	input := &sqs.SendMessageInput{
		QueueUrl:    ptr.ToString(s.queueURL),
		MessageBody: ptr.ToString(string(msg.Value)),
	}
	if s.fifo {
		input.MessageGroupId = ptr.ToString(nonEmpty(msg.PartitionKey))
	}

	if _, err := s.client.SendMessageWithContext(ctx, input); err != nil {
		return fmt.Errorf("failed to send sqs message: %w", err)
	}
	return nil
}

func (s *SQSSender) Close() error {
	return nil
}

type SNSSender struct {
	client     snsiface.SNSAPI
	topicArn   string
	fifo       bool
	attributes bool
}

func NewSNSSender(cfg config.SNS) (*SNSSender, error) {
	sess, err := newSession(cfg.AWS)
	if err != nil {
		return nil, err
	}
	return &SNSSender{client: sns.New(sess), topicArn: cfg.TopicArn, fifo: cfg.IsFIFO(), attributes: cfg.MessageAttributes}, nil
}

func stringAttribute(value string) *sns.MessageAttributeValue {
	return &sns.MessageAttributeValue{DataType: ptr.ToString("String"), StringValue: ptr.ToString(value)}
}

func (s *SNSSender) Send(ctx context.Context, msg Message) error {
	input := &sns.PublishInput{
		TopicArn: ptr.ToString(s.topicArn),
		Message:  ptr.ToString(string(msg.Value)),
	}
	if s.fifo {
		input.MessageGroupId = ptr.ToString(nonEmpty(msg.PartitionKey))
	}
	if s.attributes {
		input.MessageAttributes = map[string]*sns.MessageAttributeValue{"database": stringAttribute(nonEmpty(msg.Database))}
		if msg.Table != "" {
			input.MessageAttributes["table"] = stringAttribute(msg.Table)
		}
	}

	if _, err := s.client.PublishWithContext(ctx, input); err != nil {
		return fmt.Errorf("failed to publish sns message: %w", err)
	}
	return nil
}

func (s *SNSSender) Close() error {
	return nil
}

type KinesisSender struct {
	client     kinesisiface.KinesisAPI
	streamName string
}

func NewKinesisSender(cfg config.Kinesis) (*KinesisSender, error) {
	sess, err := newSession(cfg.AWS)
	if err != nil {
		return nil, err
	}
	return &KinesisSender{client: kinesis.New(sess), streamName: cfg.StreamName}, nil
}

func (k *KinesisSender) Send(ctx context.Context, msg Message) error {
	partitionKey := nonEmpty(msg.PartitionKey)
	if len(partitionKey) > maxKinesisPartitionKeyLength {
		partitionKey = partitionKey[:maxKinesisPartitionKeyLength]
	}

	_, err := k.client.PutRecordWithContext(ctx, &kinesis.PutRecordInput{
		StreamName:   ptr.ToString(k.streamName),
		PartitionKey: ptr.ToString(partitionKey),
		Data:         msg.Value,
	})
	if err != nil {
		return fmt.Errorf("failed to put kinesis record: %w", err)
	}
	return nil
}

func (k *KinesisSender) Close() error {
	return nil
}
