package kafkalib

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

// Meta travels with a message through the writer.
type Meta struct {
	PartitionKey string
	// Done is called once the message was acknowledged or failed, async writers only.
	Done func(err error)
}

func NewMessage(topic string, key, value []byte, meta Meta) kafka.Message {
	return kafka.Message{
		Topic:      topic,
		Key:        key,
		Value:      value,
		WriterData: meta,
	}
}

// TopicName expands `%{database}` and `%{table}` in template.
func TopicName(template, database, table string) string {
	if !strings.Contains(template, "%{") {
		return template
	}
	return strings.NewReplacer("%{database}", database, "%{table}", table).Replace(template)
}
