package kafkalib

import (
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
)

func TestPartitionKeyBalancer(t *testing.T) {
	balancer := &PartitionKeyBalancer{}
	partitions := []int{0, 1, 2, 3, 4, 5, 6, 7}

	// Same partition key, different message keys
	a := balancer.Balance(NewMessage("t", []byte("a"), nil, Meta{PartitionKey: "shop"}), partitions...)
	b := balancer.Balance(NewMessage("t", []byte("b"), nil, Meta{PartitionKey: "shop"}), partitions...)
	assert.Equal(t, a, b)

	// Without a partition key the message key is hashed
	c := balancer.Balance(kafka.Message{Key: []byte("shop")}, partitions...)
	assert.Equal(t, a, c)
}
