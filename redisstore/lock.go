/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/xid"

	"github.com/acronis/go-appkit/log"

	ratelimit "github.com/acronis/go-ratelimit"
)

// releaseLockTimeout bounds the release round trip, which runs on its own context so
// that a lock is released even when the caller's context is already done.
const releaseLockTimeout = 3 * time.Second

// The lock may only be deleted by its owner: releasing after the lease expired and
// another process re-acquired the key must not delete the new owner's lock.
var releaseLockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// WithLock implements ratelimit.Store. The lock is a SET NX key holding a unique owner
// token and leased for at most lease; waiting for a held lock polls at the store's
// retry interval until the context is done.
func (s *Store) WithLock(ctx context.Context, name string, lease time.Duration, fn func(ctx context.Context) error) error {
	if lease <= 0 {
		lease = ratelimit.DefaultLockLease
	}
	token := xid.New().String()
	if err := s.acquireLock(ctx, name, token, lease); err != nil {
		return err
	}
	defer s.releaseLock(name, token)
	return fn(ctx)
}

func (s *Store) acquireLock(ctx context.Context, name, token string, lease time.Duration) error {
	op := func() error {
		ok, err := s.client.SetNX(ctx, name, token, lease).Result()
		if err != nil {
			return backoff.Permanent(fmt.Errorf("acquire lock %q: %w", name, err))
		}
		if !ok {
			return ratelimit.ErrLockNotAcquired
		}
		return nil
	}
	bo := backoff.WithContext(backoff.NewConstantBackOff(s.lockRetryInterval), ctx)
	err := backoff.Retry(op, bo)
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ratelimit.ErrLockNotAcquired, err)
	}
	return err
}

func (s *Store) releaseLock(name, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), releaseLockTimeout)
	defer cancel()
	if err := releaseLockScript.Run(ctx, s.client, []string{name}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		// The lease will reclaim the lock; losing the fast release only delays
		// other waiters.
		s.logger.Error("release rate limit lock failed", log.String("lock_key", name), log.Error(err))
	}
}
