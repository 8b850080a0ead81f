package lib

import (
	"context"
	"math/rand"
	"time"
)

func JitterMs(baseMs, maxMs, attempts int) int {
	// https://aws.amazon.com/blogs/architecture/exponential-backoff-and-jitter/
	// sleep = random_between(0, min(cap, base * 2 ** attempt))
	// 2 ** x == 1 << x
	ceiling := maxMs
	if attempts < 30 {
		ceiling = min(maxMs, baseMs*(1<<attempts))
	}
	if ceiling <= 0 {
		return 0
	}
	return rand.Intn(ceiling)
}

// SleepJitter sleeps for a jittered duration unless ctx is cancelled first.
func SleepJitter(ctx context.Context, baseMs, maxMs, attempts int) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	timer := time.NewTimer(time.Duration(JitterMs(baseMs, maxMs, attempts)) * time.Millisecond)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
