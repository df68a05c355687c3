/*
Copyright © 2024 Acronis International GmbH.

Released under MIT license.
*/

// Package memstore provides an in-memory implementation of the ratelimit.Store
// interface. Locks are real process-local mutexes, so it is suitable for tests and for
// single-process use, but not for sharing limiter state between processes.
package memstore

import (
	"context"
	"sync"
	"time"

	ratelimit "github.com/acronis/go-ratelimit"
)

// Store is an in-memory ratelimit.Store. The zero value is not usable; use New.
type Store struct {
	mu          sync.Mutex
	lists       map[string][]string
	values      map[string]string
	expirations map[string]time.Time

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	timeNow func() time.Time
}

var _ ratelimit.Store = (*Store)(nil)

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		lists:       make(map[string][]string),
		values:      make(map[string]string),
		expirations: make(map[string]time.Time),
		locks:       make(map[string]*sync.Mutex),
		timeNow:     time.Now,
	}
}

// SetTimeNowFunc overrides the store's clock. Intended for tests.
func (s *Store) SetTimeNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeNow = now
}

// Pipeline implements ratelimit.Store. All commands queued on the returned pipeline
// are applied atomically by Exec.
func (s *Store) Pipeline() ratelimit.Pipeline {
	return &pipeline{store: s}
}

// TTL implements ratelimit.Store.
func (s *Store) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ttl, ok := s.ttlLocked(key, s.timeNow())
	return ttl, ok, nil
}

// Del implements ratelimit.Store.
func (s *Store) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleteLocked(key)
	return nil
}

// WithLock implements ratelimit.Store. The lock is a per-name sync.Mutex; the lease is
// ignored because a process-local lock holder cannot crash without releasing.
func (s *Store) WithLock(ctx context.Context, name string, _ time.Duration, fn func(ctx context.Context) error) error {
	mu := s.lockByName(name)
	mu.Lock()
	defer mu.Unlock()
	return fn(ctx)
}

func (s *Store) lockByName(name string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	mu, ok := s.locks[name]
	if !ok {
		mu = &sync.Mutex{}
		s.locks[name] = mu
	}
	return mu
}

func (s *Store) purgeLocked(key string, now time.Time) {
	if exp, ok := s.expirations[key]; ok && !now.Before(exp) {
		s.deleteLocked(key)
	}
}

func (s *Store) deleteLocked(key string) {
	delete(s.lists, key)
	delete(s.values, key)
	delete(s.expirations, key)
}

func (s *Store) existsLocked(key string) bool {
	if _, ok := s.values[key]; ok {
		return true
	}
	_, ok := s.lists[key]
	return ok
}

func (s *Store) ttlLocked(key string, now time.Time) (time.Duration, bool) {
	s.purgeLocked(key, now)
	if !s.existsLocked(key) {
		return 0, false
	}
	exp, ok := s.expirations[key]
	if !ok {
		return 0, false
	}
	return exp.Sub(now), true
}

type pipeline struct {
	store *Store
	ops   []func(now time.Time)
	done  bool
}

type stringResult struct {
	val string
	ok  bool
}

func (r *stringResult) Result() (string, bool) { return r.val, r.ok }

type durationResult struct {
	ttl time.Duration
	ok  bool
}

func (r *durationResult) Result() (time.Duration, bool) { return r.ttl, r.ok }

func (p *pipeline) LIndex(key string, index int64) ratelimit.StringResult {
	res := &stringResult{}
	p.ops = append(p.ops, func(now time.Time) {
		p.store.purgeLocked(key, now)
		list := p.store.lists[key]
		if index >= 0 && index < int64(len(list)) {
			res.val, res.ok = list[index], true
		}
	})
	return res
}

func (p *pipeline) LPush(key, value string) {
	p.ops = append(p.ops, func(now time.Time) {
		p.store.purgeLocked(key, now)
		p.store.lists[key] = append([]string{value}, p.store.lists[key]...)
	})
}

func (p *pipeline) LTrim(key string, start, stop int64) {
	p.ops = append(p.ops, func(now time.Time) {
		p.store.purgeLocked(key, now)
		list, ok := p.store.lists[key]
		if !ok {
			return
		}
		if start < 0 {
			start = 0
		}
		if start >= int64(len(list)) || stop < start {
			delete(p.store.lists, key)
			return
		}
		if stop >= int64(len(list)) {
			stop = int64(len(list)) - 1
		}
		p.store.lists[key] = list[start : stop+1]
	})
}

func (p *pipeline) Get(key string) ratelimit.StringResult {
	res := &stringResult{}
	p.ops = append(p.ops, func(now time.Time) {
		p.store.purgeLocked(key, now)
		res.val, res.ok = p.store.values[key]
	})
	return res
}

func (p *pipeline) Set(key, value string) {
	p.ops = append(p.ops, func(now time.Time) {
		p.store.values[key] = value
		delete(p.store.expirations, key)
	})
}

func (p *pipeline) TTL(key string) ratelimit.DurationResult {
	res := &durationResult{}
	p.ops = append(p.ops, func(now time.Time) {
		res.ttl, res.ok = p.store.ttlLocked(key, now)
	})
	return res
}

func (p *pipeline) Expire(key string, ttl time.Duration) {
	p.ops = append(p.ops, func(now time.Time) {
		p.store.purgeLocked(key, now)
		if !p.store.existsLocked(key) {
			return
		}
		p.store.expirations[key] = now.Add(ttl)
	})
}

func (p *pipeline) Exec(_ context.Context) error {
	if p.done {
		panic("memstore: pipeline executed twice")
	}
	p.done = true

	p.store.mu.Lock()
	defer p.store.mu.Unlock()
	now := p.store.timeNow()
	for _, op := range p.ops {
		op(now)
	}
	return nil
}
