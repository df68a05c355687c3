/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

package ratelimit

import "errors"

// ErrInvalidCondition is returned when a condition with a negative request count
// or a negative window is added. Invalid conditions fail fast and are never clamped.
var ErrInvalidCondition = errors.New("invalid rate limit condition")

// ErrNilStore is returned by constructors when no store is provided.
var ErrNilStore = errors.New("store is required")

// ErrLockNotAcquired is returned by Store implementations when the per-key lock
// cannot be acquired within the caller's context. It is an infrastructure error:
// the admission check never started and no state was modified.
var ErrLockNotAcquired = errors.New("rate limit lock not acquired")
