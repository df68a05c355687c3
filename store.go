/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Store is the contract the limiter requires from a shared storage backend:
// ordered per-key lists, TTL-bound key/value entries, batched command execution,
// and a mutual-exclusion lock shared by all processes using the store.
//
// Atomicity of the limiter's check-then-write sequence relies on WithLock,
// not on command batching.
type Store interface {
	// Pipeline returns a new batch of commands that will be sent in one round trip
	// on Exec. Queued reads are resolved only after Exec returns.
	Pipeline() Pipeline

	// TTL reports the remaining time to live of a key.
	// ok is false if the key does not exist or has no expiration.
	TTL(ctx context.Context, key string) (ttl time.Duration, ok bool, err error)

	// Del removes a key. Removing a missing key is not an error.
	Del(ctx context.Context, key string) error

	// WithLock runs fn while holding the named lock. The lock is leased for at most
	// lease to bound the hold time if the caller crashes mid-critical-section.
	// If the lock cannot be acquired, fn is not called and an error
	// (wrapping ErrLockNotAcquired where detectable) is returned.
	WithLock(ctx context.Context, name string, lease time.Duration, fn func(ctx context.Context) error) error
}

// Pipeline batches store commands. Commands are queued by the methods below and sent
// in a single round trip by Exec. A Pipeline is single-use and not safe for
// concurrent use.
type Pipeline interface {
	// LIndex queues a read of the element at index in the list stored at key
	// (0 is the head, i.e. the most recently pushed element).
	LIndex(key string, index int64) StringResult

	// LPush queues a push of value to the head of the list stored at key.
	LPush(key, value string)

	// LTrim queues trimming of the list stored at key to the range [start, stop].
	LTrim(key string, start, stop int64)

	// Get queues a read of the string value stored at key.
	Get(key string) StringResult

	// Set queues a write of value at key; any existing expiration is cleared.
	Set(key, value string)

	// TTL queues a read of the remaining time to live of key.
	TTL(key string) DurationResult

	// Expire queues setting the time to live of key.
	Expire(key string, ttl time.Duration)

	// Exec sends all queued commands. After a nil return, every queued result
	// is resolved.
	Exec(ctx context.Context) error
}

// StringResult is a handle to a queued string read. Result must be called only
// after the owning Pipeline's Exec has returned nil; ok is false if the requested
// key or list element does not exist.
type StringResult interface {
	Result() (value string, ok bool)
}

// DurationResult is a handle to a queued TTL read. Result must be called only
// after the owning Pipeline's Exec has returned nil; ok is false if the key does
// not exist or has no expiration.
type DurationResult interface {
	Result() (ttl time.Duration, ok bool)
}

// Key naming is shared with every deployment of the limiter, regardless of the
// implementation language, and must not change.
const (
	historyKeyPrefix = "rate"
	blockKeyPrefix   = "block"
	lockKeyPrefix    = "lock"
)

// HistoryLogKey returns the store key of the grant timestamp log for key in namespace.
func HistoryLogKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s:%s", historyKeyPrefix, namespace, key)
}

// ManualBlockKey returns the store key of the manual block flag for key in namespace.
func ManualBlockKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s:%s", blockKeyPrefix, namespace, key)
}

// LockKey returns the name of the per-key mutex for key in namespace.
func LockKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s:%s", lockKeyPrefix, namespace, key)
}
