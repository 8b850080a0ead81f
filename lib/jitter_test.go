package lib

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJitterMs(t *testing.T) {
	for attempts := range 40 {
		value := JitterMs(10, 500, attempts)
		assert.GreaterOrEqual(t, value, 0)
		assert.Less(t, value, 500)
	}
	assert.Equal(t, 0, JitterMs(0, 500, 3))
}

func TestSleepJitter(t *testing.T) {
	assert.NoError(t, SleepJitter(context.Background(), 1, 2, 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, SleepJitter(ctx, 10_000, 20_000, 5), context.Canceled)
}
