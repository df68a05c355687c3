/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/acronis/go-appkit/log/logtest"

	ratelimit "github.com/acronis/go-ratelimit"
	"github.com/acronis/go-ratelimit/memstore"
)

func mustNewLimiter(t *testing.T, store ratelimit.Store, opts ratelimit.Opts) *ratelimit.RateLimiter {
	t.Helper()
	rl, err := ratelimit.NewWithOpts(store, "test", opts)
	require.NoError(t, err)
	return rl
}

func TestNewRequiresStore(t *testing.T) {
	_, err := ratelimit.New(nil, "test")
	require.ErrorIs(t, err, ratelimit.ErrNilStore)
}

func TestAcquireWithoutConditionsAlwaysGrants(t *testing.T) {
	rl := mustNewLimiter(t, memstore.New(), ratelimit.Opts{})

	for i := 0; i < 10; i++ {
		granted, wait, err := rl.Acquire(context.Background(), "key")
		require.NoError(t, err)
		require.True(t, granted)
		require.Equal(t, time.Duration(0), wait)
	}
}

func TestTryAcquireEnforcesCondition(t *testing.T) {
	rl := mustNewLimiter(t, memstore.New(), ratelimit.Opts{})
	require.NoError(t, rl.AddCondition(2, 300*time.Millisecond))

	ctx := context.Background()

	for i := 0; i < 2; i++ {
		granted, wait, err := rl.TryAcquire(ctx, "key", 1)
		require.NoError(t, err)
		require.True(t, granted, "grant %d should be within the limit", i+1)
		require.Equal(t, time.Duration(0), wait)
	}

	granted, wait, err := rl.TryAcquire(ctx, "key", 1)
	require.NoError(t, err)
	require.False(t, granted)
	require.Greater(t, wait, time.Duration(0))
	require.LessOrEqual(t, wait, 300*time.Millisecond)

	// Once all logged grants age out of the window, admission succeeds again.
	time.Sleep(350 * time.Millisecond)
	granted, wait, err = rl.TryAcquire(ctx, "key", 1)
	require.NoError(t, err)
	require.True(t, granted)
	require.Equal(t, time.Duration(0), wait)
}

func TestTryAcquireKeysDoNotInterfere(t *testing.T) {
	rl := mustNewLimiter(t, memstore.New(), ratelimit.Opts{})
	require.NoError(t, rl.AddCondition(1, time.Minute))

	ctx := context.Background()

	granted, _, err := rl.TryAcquire(ctx, "key-a", 1)
	require.NoError(t, err)
	require.True(t, granted)

	granted, _, err = rl.TryAcquire(ctx, "key-a", 1)
	require.NoError(t, err)
	require.False(t, granted)

	granted, _, err = rl.TryAcquire(ctx, "key-b", 1)
	require.NoError(t, err)
	require.True(t, granted, "an exhausted key must not affect other keys")
}

func TestTryAcquireBlockAllCondition(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	rl := mustNewLimiter(t, memstore.New(), ratelimit.Opts{Logger: logRecorder})
	require.NoError(t, rl.AddCondition(0, 20*time.Second))
	require.NoError(t, rl.AddCondition(5, 30*time.Second))

	for i := 0; i < 3; i++ {
		granted, wait, err := rl.TryAcquire(context.Background(), "key", 1)
		require.NoError(t, err)
		require.False(t, granted)
		require.Equal(t, 20*time.Second, wait)
	}

	_, found := logRecorder.FindEntry("hit block-all limit")
	require.True(t, found)
}

func TestTryAcquireChecksTightestConditionFirst(t *testing.T) {
	rl := mustNewLimiter(t, memstore.New(), ratelimit.Opts{})
	// Added loose-first on purpose; evaluation order is ascending by request count.
	require.NoError(t, rl.AddCondition(5, 10*time.Second))
	require.NoError(t, rl.AddCondition(1, 200*time.Millisecond))

	ctx := context.Background()

	granted, _, err := rl.TryAcquire(ctx, "key", 1)
	require.NoError(t, err)
	require.True(t, granted)

	// The 1/200ms condition denies; its wait, not the 5/10s one, is reported.
	granted, wait, err := rl.TryAcquire(ctx, "key", 1)
	require.NoError(t, err)
	require.False(t, granted)
	require.LessOrEqual(t, wait, 200*time.Millisecond)
}

func TestManualBlock(t *testing.T) {
	store := memstore.New()
	rl := mustNewLimiter(t, store, ratelimit.Opts{})
	require.NoError(t, rl.AddCondition(10, time.Minute))

	ctx := context.Background()

	// Populate the history log so the reset side effect is observable.
	granted, _, err := rl.TryAcquire(ctx, "key", 2)
	require.NoError(t, err)
	require.True(t, granted)
	_, logExists, err := store.TTL(ctx, ratelimit.HistoryLogKey("test", "key"))
	require.NoError(t, err)
	require.True(t, logExists)

	applied, err := rl.Block(ctx, "key", 300*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, 300*time.Millisecond, applied)

	remaining, blocked, err := rl.IsManualBlock(ctx, "key")
	require.NoError(t, err)
	require.True(t, blocked)
	require.Greater(t, remaining, time.Duration(0))
	require.LessOrEqual(t, remaining, 300*time.Millisecond)

	// An active manual block resets the automatic counters.
	_, logExists, err = store.TTL(ctx, ratelimit.HistoryLogKey("test", "key"))
	require.NoError(t, err)
	require.False(t, logExists)

	granted, wait, err := rl.TryAcquire(ctx, "key", 1)
	require.NoError(t, err)
	require.False(t, granted)
	require.Greater(t, wait, time.Duration(0))

	time.Sleep(350 * time.Millisecond)

	_, blocked, err = rl.IsManualBlock(ctx, "key")
	require.NoError(t, err)
	require.False(t, blocked)

	granted, _, err = rl.TryAcquire(ctx, "key", 1)
	require.NoError(t, err)
	require.True(t, granted, "the key starts with a clean window once the block expires")
}

func TestBlockDefaultsToMaxWindow(t *testing.T) {
	rl := mustNewLimiter(t, memstore.New(), ratelimit.Opts{})
	require.NoError(t, rl.AddCondition(2, 3*time.Second))
	require.NoError(t, rl.AddCondition(100, 45*time.Second))

	applied, err := rl.Block(context.Background(), "key", 0)
	require.NoError(t, err)
	require.Equal(t, 45*time.Second, applied)
}

func TestBlockWithoutConditionsIsNoOp(t *testing.T) {
	logRecorder := logtest.NewRecorder()
	rl := mustNewLimiter(t, memstore.New(), ratelimit.Opts{Logger: logRecorder})

	applied, err := rl.Block(context.Background(), "key", 0)
	require.NoError(t, err)
	require.Equal(t, time.Duration(0), applied)

	_, blocked, err := rl.IsManualBlock(context.Background(), "key")
	require.NoError(t, err)
	require.False(t, blocked)

	_, found := logRecorder.FindEntry("block called but no default block time, not blocking")
	require.True(t, found)
}

func TestBlockFor(t *testing.T) {
	rl := mustNewLimiter(t, memstore.New(), ratelimit.Opts{})
	require.NoError(t, rl.AddCondition(1, time.Second))

	applied, err := rl.BlockFor(context.Background(), "key",
		ratelimit.DurationComponents{Minutes: 1, Seconds: 30})
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, applied)
}

func TestAcquireBlocksUntilGranted(t *testing.T) {
	rl := mustNewLimiter(t, memstore.New(), ratelimit.Opts{})
	require.NoError(t, rl.AddCondition(1, 200*time.Millisecond))

	ctx := context.Background()

	granted, _, err := rl.Acquire(ctx, "key")
	require.NoError(t, err)
	require.True(t, granted)

	start := time.Now()
	granted, wait, err := rl.Acquire(ctx, "key")
	require.NoError(t, err)
	require.True(t, granted)
	require.Equal(t, time.Duration(0), wait)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond,
		"the second acquire should have waited out the window")
}

func TestAcquireHonorsContext(t *testing.T) {
	rl := mustNewLimiter(t, memstore.New(), ratelimit.Opts{})
	require.NoError(t, rl.AddCondition(1, time.Hour))

	ctx := context.Background()

	granted, _, err := rl.Acquire(ctx, "key")
	require.NoError(t, err)
	require.True(t, granted)

	waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
	defer cancel()
	granted, _, err = rl.Acquire(waitCtx, "key")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, granted)
}

func TestTryAcquireMultipleAttempts(t *testing.T) {
	rl := mustNewLimiter(t, memstore.New(), ratelimit.Opts{})
	require.NoError(t, rl.AddCondition(3, time.Minute))

	ctx := context.Background()

	granted, wait, err := rl.TryAcquire(ctx, "key", 3)
	require.NoError(t, err)
	require.True(t, granted)
	require.Equal(t, time.Duration(0), wait)

	granted, wait, err = rl.TryAcquire(ctx, "key", 1)
	require.NoError(t, err)
	require.False(t, granted)
	require.Greater(t, wait, time.Duration(0))
}

func TestTryAcquireShortCircuitsOnFirstDenial(t *testing.T) {
	store := &countingStore{next: memstore.New()}
	rl := mustNewLimiter(t, store, ratelimit.Opts{})
	require.NoError(t, rl.AddCondition(1, time.Minute))

	ctx := context.Background()

	granted, _, err := rl.TryAcquire(ctx, "key", 1)
	require.NoError(t, err)
	require.True(t, granted)

	lockCallsBefore := store.lockCalls.Load()
	granted, _, err = rl.TryAcquire(ctx, "key", 3)
	require.NoError(t, err)
	require.False(t, granted)
	require.Equal(t, int64(1), store.lockCalls.Load()-lockCallsBefore,
		"a denied multi-attempt acquire should stop after one admission check")
}

func TestConcurrentAcquiresNeverOverAdmit(t *testing.T) {
	const allowed = 5
	const callers = 40

	rl := mustNewLimiter(t, memstore.New(), ratelimit.Opts{})
	require.NoError(t, rl.AddCondition(allowed, 5*time.Second))

	var grants atomic.Int64
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			granted, _, err := rl.TryAcquire(context.Background(), "key", 1)
			if err != nil {
				errs <- err
				return
			}
			if granted {
				grants.Add(1)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, int64(allowed), grants.Load())
}

func TestStoreErrorsPropagateWithoutRetry(t *testing.T) {
	rl := mustNewLimiter(t, failingStore{}, ratelimit.Opts{})
	require.NoError(t, rl.AddCondition(1, time.Minute))

	ctx := context.Background()

	_, _, err := rl.TryAcquire(ctx, "key", 1)
	require.ErrorIs(t, err, errStoreUnavailable)

	// The blocking loop retries denials only, never errors.
	_, _, err = rl.Acquire(ctx, "key")
	require.ErrorIs(t, err, errStoreUnavailable)

	_, _, err = rl.IsManualBlock(ctx, "key")
	require.ErrorIs(t, err, errStoreUnavailable)
}

// countingStore counts lock acquisitions to observe how many admission checks ran.
type countingStore struct {
	next      ratelimit.Store
	lockCalls atomic.Int64
}

func (s *countingStore) Pipeline() ratelimit.Pipeline {
	return s.next.Pipeline()
}

func (s *countingStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	return s.next.TTL(ctx, key)
}

func (s *countingStore) Del(ctx context.Context, key string) error {
	return s.next.Del(ctx, key)
}

func (s *countingStore) WithLock(
	ctx context.Context, name string, lease time.Duration, fn func(ctx context.Context) error,
) error {
	s.lockCalls.Add(1)
	return s.next.WithLock(ctx, name, lease, fn)
}
