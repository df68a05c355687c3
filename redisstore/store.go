/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package redisstore implements the ratelimit.Store interface on top of Redis using
// the go-redis client. Commands batched through a pipeline are sent as one MULTI/EXEC
// round trip; the per-key lock is a leased SET NX key released by a compare-and-delete
// script.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/acronis/go-appkit/log"

	ratelimit "github.com/acronis/go-ratelimit"
)

// DefaultLockRetryInterval is the default interval between attempts to acquire a lock
// that is currently held by another process.
const DefaultLockRetryInterval = 50 * time.Millisecond

// Store is a Redis-backed ratelimit.Store.
type Store struct {
	client            redis.UniversalClient
	logger            log.FieldLogger
	lockRetryInterval time.Duration
}

var _ ratelimit.Store = (*Store)(nil)

// Opts represents options for the Store.
type Opts struct {
	// Logger is used for structured diagnostics. Defaults to a disabled logger.
	Logger log.FieldLogger

	// LockRetryInterval overrides DefaultLockRetryInterval when positive.
	LockRetryInterval time.Duration
}

// New creates a Store on top of an existing go-redis client.
func New(client redis.UniversalClient) (*Store, error) {
	return NewWithOpts(client, Opts{})
}

// NewWithOpts is a configurable version of New.
func NewWithOpts(client redis.UniversalClient, opts Opts) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	lockRetryInterval := opts.LockRetryInterval
	if lockRetryInterval <= 0 {
		lockRetryInterval = DefaultLockRetryInterval
	}
	return &Store{
		client:            client,
		logger:            logger,
		lockRetryInterval: lockRetryInterval,
	}, nil
}

// Pipeline implements ratelimit.Store.
func (s *Store) Pipeline() ratelimit.Pipeline {
	return &pipeline{pipe: s.client.TxPipeline()}
}

// TTL implements ratelimit.Store.
func (s *Store) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	d, err := s.client.TTL(ctx, key).Result()
	if err != nil {
		return 0, false, fmt.Errorf("ttl %q: %w", key, err)
	}
	// Negative values are the Redis sentinels for a missing key (-2)
	// and a key without expiration (-1).
	if d < 0 {
		return 0, false, nil
	}
	return d, true, nil
}

// Del implements ratelimit.Store.
func (s *Store) Del(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %q: %w", key, err)
	}
	return nil
}

type pipeline struct {
	pipe redis.Pipeliner
}

type stringCmdResult struct {
	cmd *redis.StringCmd
}

func (r stringCmdResult) Result() (string, bool) {
	v, err := r.cmd.Result()
	if err != nil {
		return "", false
	}
	return v, true
}

type durationCmdResult struct {
	cmd *redis.DurationCmd
}

func (r durationCmdResult) Result() (time.Duration, bool) {
	d, err := r.cmd.Result()
	if err != nil || d < 0 {
		return 0, false
	}
	return d, true
}

func (p *pipeline) LIndex(key string, index int64) ratelimit.StringResult {
	return stringCmdResult{p.pipe.LIndex(context.Background(), key, index)}
}

func (p *pipeline) LPush(key, value string) {
	p.pipe.LPush(context.Background(), key, value)
}

func (p *pipeline) LTrim(key string, start, stop int64) {
	p.pipe.LTrim(context.Background(), key, start, stop)
}

func (p *pipeline) Get(key string) ratelimit.StringResult {
	return stringCmdResult{p.pipe.Get(context.Background(), key)}
}

func (p *pipeline) Set(key, value string) {
	p.pipe.Set(context.Background(), key, value, 0)
}

func (p *pipeline) TTL(key string) ratelimit.DurationResult {
	return durationCmdResult{p.pipe.TTL(context.Background(), key)}
}

func (p *pipeline) Expire(key string, ttl time.Duration) {
	p.pipe.Expire(context.Background(), key, ttl)
}

func (p *pipeline) Exec(ctx context.Context) error {
	// redis.Nil from queued reads is not a pipeline failure; it resolves to a
	// missing result on the corresponding handle.
	if _, err := p.pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("exec pipeline: %w", err)
	}
	return nil
}
