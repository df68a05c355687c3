/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package ratelimit provides a sliding-window-log rate limiter whose state is shared
// between many independent processes through a common store (typically Redis).
//
// A RateLimiter is configured with one or more conditions, each capping admissions to
// N requests per window. Admission for a key is decided against the key's log of past
// grant timestamps under a per-key distributed lock, so concurrent callers on different
// hosts never over-admit. Manual, TTL-bound blocks may be set per key and unconditionally
// deny admission until they expire.
//
// The store is abstracted behind the Store interface; the redisstore subpackage
// implements it on top of go-redis, and the memstore subpackage provides an in-memory
// implementation for tests and single-process use.
package ratelimit
