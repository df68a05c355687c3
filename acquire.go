/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/acronis/go-appkit/log"
)

// errDenied marks an admission denial inside the blocking retry loop.
// It never escapes Acquire.
var errDenied = errors.New("admission denied")

// Acquire blocks until an admission for key is granted. On each denial the caller is
// suspended for exactly the wait suggested by the engine and then retries: there is no
// backoff growth and no jitter, so several waiters may wake simultaneously and
// re-contend. The loop retries denials only; store and lock errors are returned
// immediately. The context is the only bound on the loop: cancel it to stop waiting.
func (rl *RateLimiter) Acquire(ctx context.Context, key string) (granted bool, wait time.Duration, err error) {
	bo := &denialBackOff{}
	op := func() error {
		ok, w, pingErr := rl.ping(ctx, key)
		if pingErr != nil {
			return backoff.Permanent(pingErr)
		}
		if !ok {
			bo.wait = w
			rl.logger.Debug("blocking acquire sleeping",
				log.String(LogFieldKey, key), log.Duration("wait", w))
			return errDenied
		}
		return nil
	}
	if err = backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		return false, 0, err
	}
	return true, 0, nil
}

// TryAcquire attempts up to attempts independent admissions for key without waiting
// between them and short-circuits on the first denial. It reports success only after
// all attempts have been granted; this gives "reserve k units" semantics by repeated
// single-unit admission, not by one atomic multi-unit reservation. attempts below 1
// is treated as 1.
func (rl *RateLimiter) TryAcquire(ctx context.Context, key string, attempts int) (granted bool, wait time.Duration, err error) {
	if attempts < 1 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		granted, wait, err = rl.ping(ctx, key)
		if err != nil {
			return false, 0, err
		}
		if !granted {
			return false, wait, nil
		}
	}
	return granted, wait, nil
}

// denialBackOff replays the engine-computed wait of the last denial verbatim.
type denialBackOff struct {
	wait time.Duration
}

func (b *denialBackOff) Reset() {}

func (b *denialBackOff) NextBackOff() time.Duration {
	return b.wait
}
