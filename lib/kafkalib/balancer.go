package kafkalib

import "github.com/segmentio/kafka-go"

// PartitionKeyBalancer hashes [Meta.PartitionKey] instead of the message key, which carries the full JSON key.
// Messages without one fall back to hashing their key.
type PartitionKeyBalancer struct {
	hash kafka.Hash
}

func (p *PartitionKeyBalancer) Balance(msg kafka.Message, partitions ...int) int {
	if meta, ok := msg.WriterData.(Meta); ok && meta.PartitionKey != "" {
		return p.hash.Balance(kafka.Message{Key: []byte(meta.PartitionKey)}, partitions...)
	}
	return p.hash.Balance(msg, partitions...)
}
