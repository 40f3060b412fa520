package engine

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// Retry runs fn inline until it succeeds, returns a NoRetry error, or
// opt.RetryMax retries are spent. Delays follow the worker backoff policy,
// including RetryAfter hints.
func Retry(ctx context.Context, opt TaskOptions, fn func(ctx context.Context) error) error {
	if opt.RetryMax < 0 {
		opt.RetryMax = 0
	}
	opt = opt.withDefaults(Config{})
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))

	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		var nr noRetryError
		if errors.As(err, &nr) {
			return nr.err
		}
		if attempt > opt.RetryMax {
			return err
		}
		tmr := time.NewTimer(backoffDelayWithHint(opt, attempt, err, rng))
		select {
		case <-ctx.Done():
			tmr.Stop()
			return err
		case <-tmr.C:
		}
	}
}
