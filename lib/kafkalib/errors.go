package kafkalib

import (
	"errors"

	"github.com/segmentio/kafka-go"
)

// anyError checks err and, for batch writes, every per-message error.
func anyError(err error, match func(error) bool) bool {
	if err == nil {
		return false
	}

	var writeErrs kafka.WriteErrors
	if errors.As(err, &writeErrs) {
		for _, writeErr := range writeErrs {
			if writeErr != nil && match(writeErr) {
				return true
			}
		}
		return false
	}
	return match(err)
}

func IsExceedMaxMessageBytesErr(err error) bool {
	return anyError(err, func(err error) bool {
		var e kafka.MessageTooLargeError
		return errors.As(err, &e) || errors.Is(err, kafka.MessageSizeTooLarge)
	})
}

// IsRetryableError - returns true if the error is retryable
// If it's retryable, you need to reload the Kafka client.
func IsRetryableError(err error) bool {
	return anyError(err, func(err error) bool {
		return errors.Is(err, kafka.TopicAuthorizationFailed) || errors.Is(err, kafka.NotLeaderForPartition)
	})
}
