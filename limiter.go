/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/acronis/go-appkit/log"
)

// DefaultLockLease is the default lease of the per-key lock held for the duration of
// one admission check. It bounds worst-case contention if a lock holder crashes
// mid-check.
const DefaultLockLease = 10 * time.Second

// minBlockWait is the floor for the wait reported on a manual block denial.
// At the key-expiry boundary the store may no longer report a TTL for a block
// that is still present; reporting a zero or negative wait would make blocking
// callers spin.
const minBlockWait = 500 * time.Millisecond

// LogFieldKey is the name of the logged field that contains the admission key.
const LogFieldKey = "rate_limit_key"

// RateLimiter grants or denies admissions for caller-supplied keys against one or more
// conditions, with all state shared through a Store. All methods are safe for concurrent
// use by multiple goroutines and processes, except AddCondition, which must finish
// before the first admission call.
type RateLimiter struct {
	store      Store
	namespace  string
	logger     log.FieldLogger
	metrics    *MetricsCollector
	lockLease  time.Duration
	conditions Conditions
	maxWindow  time.Duration

	timeNow func() time.Time
}

// Opts represents options for the RateLimiter.
type Opts struct {
	// Logger is used for structured diagnostics. Defaults to a disabled logger.
	Logger log.FieldLogger

	// Metrics collects admission metrics. May be nil.
	Metrics *MetricsCollector

	// LockLease overrides DefaultLockLease when positive.
	LockLease time.Duration
}

// New creates a RateLimiter with default options.
// All persisted state is scoped by namespace, so distinct limiters sharing one store
// never collide.
func New(store Store, namespace string) (*RateLimiter, error) {
	return NewWithOpts(store, namespace, Opts{})
}

// NewWithOpts is a configurable version of New.
func NewWithOpts(store Store, namespace string, opts Opts) (*RateLimiter, error) {
	if store == nil {
		return nil, ErrNilStore
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	lockLease := opts.LockLease
	if lockLease <= 0 {
		lockLease = DefaultLockLease
	}
	return &RateLimiter{
		store:     store,
		namespace: namespace,
		logger:    logger,
		metrics:   opts.Metrics,
		lockLease: lockLease,
		timeNow:   time.Now,
	}, nil
}

// AddCondition adds a condition limiting admissions to requests per window.
// It may be called multiple times; conditions are cumulative, all of them are checked
// on every admission and duplicates are not collapsed. The resulting set is kept
// sorted ascending by request count.
//
// A negative requests or window fails with ErrInvalidCondition. A zero window is a
// benign no-op: the condition is dropped with a warning. requests == 0 with a positive
// window adds a block-all condition that denies every admission.
func (rl *RateLimiter) AddCondition(requests int, window time.Duration) error {
	c := Condition{Requests: requests, Window: window}
	if err := c.validate(); err != nil {
		return err
	}

	if c.Window == 0 {
		rl.logger.Warn("time period of 0 seconds, not adding condition",
			log.Int("requests", c.Requests))
		return nil
	}

	if c.Requests == 0 {
		rl.logger.Warn("added block-all condition",
			log.Int("requests", c.Requests), log.Duration("window", c.Window))
	} else {
		rl.logger.Debug("added condition",
			log.Int("requests", c.Requests), log.Duration("window", c.Window))
	}

	rl.conditions = append(rl.conditions, c)
	rl.conditions.sort()
	if c.Window > rl.maxWindow {
		rl.maxWindow = c.Window
	}
	return nil
}

// Conditions returns a copy of the configured condition set.
func (rl *RateLimiter) Conditions() Conditions {
	return append(Conditions{}, rl.conditions...)
}

// MaxWindow returns the largest configured window. It is the TTL of history logs and
// the default manual block duration.
func (rl *RateLimiter) MaxWindow() time.Duration {
	return rl.maxWindow
}

// Block sets a manual block for key: every admission for the key is denied until the
// block expires. A non-positive duration defaults to MaxWindow; if that is also zero
// (no conditions configured) there is nothing to block against and Block is a warning
// no-op returning 0. It returns the duration actually applied.
func (rl *RateLimiter) Block(ctx context.Context, key string, d time.Duration) (time.Duration, error) {
	if d <= 0 {
		d = rl.maxWindow
		if d <= 0 {
			rl.logger.Warn("block called but no default block time, not blocking",
				log.String(LogFieldKey, key))
			return 0, nil
		}
	}

	blockKey := ManualBlockKey(rl.namespace, key)
	pipe := rl.store.Pipeline()
	pipe.Set(blockKey, "1")
	pipe.Expire(blockKey, d)
	if err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("set manual block: %w", err)
	}

	rl.logger.Warn("manual block set",
		log.String(LogFieldKey, key), log.Duration("block_duration", d))
	rl.metrics.observeManualBlock()
	return d, nil
}

// BlockFor is a version of Block accepting a structured duration.
func (rl *RateLimiter) BlockFor(ctx context.Context, key string, dc DurationComponents) (time.Duration, error) {
	return rl.Block(ctx, key, dc.Duration())
}

// IsManualBlock reports whether key is manually blocked and the remaining block time.
// As a side effect, an active block deletes the key's history log: once the block
// expires the key starts with a clean window instead of inheriting pre-block history.
func (rl *RateLimiter) IsManualBlock(ctx context.Context, key string) (remaining time.Duration, blocked bool, err error) {
	blockKey := ManualBlockKey(rl.namespace, key)
	remaining, blocked, err = rl.store.TTL(ctx, blockKey)
	if err != nil {
		return 0, false, fmt.Errorf("read manual block: %w", err)
	}
	if blocked {
		if err = rl.store.Del(ctx, HistoryLogKey(rl.namespace, key)); err != nil {
			return 0, false, fmt.Errorf("reset history log: %w", err)
		}
	}
	return remaining, blocked, nil
}

// ping performs one admission check for key and records the grant on success.
// On denial wait is the suggested time until the next attempt may succeed.
func (rl *RateLimiter) ping(ctx context.Context, key string) (granted bool, wait time.Duration, err error) {
	// No conditions configured means nothing can deny.
	if len(rl.conditions) == 0 {
		return true, 0, nil
	}

	// Shortcut when limiting to 0 requests: no history can ever satisfy it.
	if first := rl.conditions[0]; first.Requests == 0 {
		rl.logger.Warn("hit block-all limit",
			log.String(LogFieldKey, key),
			log.Int("requests", first.Requests), log.Duration("window", first.Window))
		rl.metrics.observeDenial(denyReasonBlockAll)
		return false, first.Window, nil
	}

	logKey := HistoryLogKey(rl.namespace, key)
	blockKey := ManualBlockKey(rl.namespace, key)
	lockKey := LockKey(rl.namespace, key)

	err = rl.store.WithLock(ctx, lockKey, rl.lockLease, func(ctx context.Context) error {
		granted, wait, err = rl.pingLocked(ctx, key, logKey, blockKey)
		return err
	})
	if err != nil {
		return false, 0, err
	}
	if granted {
		rl.metrics.observeGrant()
	}
	return granted, wait, nil
}

// pingLocked is the critical section of ping. It runs under the per-key lock, which
// makes the read-evaluate-write sequence atomic with respect to other callers of the
// same key.
func (rl *RateLimiter) pingLocked(ctx context.Context, key, logKey, blockKey string) (bool, time.Duration, error) {
	pipe := rl.store.Pipeline()
	slots := make([]StringResult, len(rl.conditions))
	for i, c := range rl.conditions {
		// The timestamp of the n-th most recent grant, where n is the allowed count.
		slots[i] = pipe.LIndex(logKey, int64(c.Requests-1))
	}
	blockTTL := pipe.TTL(blockKey)
	blockVal := pipe.Get(blockKey)
	if err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("read admission state: %w", err)
	}

	if _, blocked := blockVal.Result(); blocked {
		ttl, ok := blockTTL.Result()
		if !ok || ttl < minBlockWait {
			ttl = minBlockWait
		}
		rl.logger.Warn("hit manual block",
			log.String(LogFieldKey, key), log.Duration("remaining", ttl))
		rl.metrics.observeDenial(denyReasonManualBlock)
		return false, ttl, nil
	}

	now := timestampSeconds(rl.timeNow())

	for i, c := range rl.conditions {
		slot, ok := slots[i].Result()
		if !ok {
			// Fewer than the allowed number of grants logged; this condition
			// cannot be limiting yet.
			continue
		}
		boundary, err := strconv.ParseFloat(slot, 64)
		if err != nil {
			return false, 0, fmt.Errorf("malformed history log entry %q: %w", slot, err)
		}
		if allowAt := boundary + c.Window.Seconds(); allowAt > now {
			wait := secondsToDuration(allowAt - now)
			rl.logger.Warn("hit limit",
				log.String(LogFieldKey, key),
				log.Int("requests", c.Requests), log.Duration("window", c.Window),
				log.Duration("time_to_allow", wait))
			rl.metrics.observeDenial(denyReasonLimit)
			return false, wait, nil
		}
	}

	pipe = rl.store.Pipeline()
	pipe.LPush(logKey, formatTimestamp(now))
	pipe.LTrim(logKey, 0, int64(rl.conditions.maxRequests()-1))
	// If the key is never used again, the log falls out of the store once the
	// largest window has passed.
	pipe.Expire(logKey, rl.maxWindow)
	if err := pipe.Exec(ctx); err != nil {
		return false, 0, fmt.Errorf("record grant: %w", err)
	}
	return true, 0, nil
}

// History log entries are float unix seconds rendered as strings. The format is shared
// with every existing deployment of the limiter and must not change.
func formatTimestamp(seconds float64) string {
	return strconv.FormatFloat(seconds, 'f', 6, 64)
}

func timestampSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}
