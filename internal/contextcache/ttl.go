// Package contextcache holds the TTL caches used around context
// injection (fetched history, computed relevant context, injection
// markers) and the Injector that decides what, if anything, to write into
// an assistant thread before a turn.
package contextcache

import (
	"sync"
	"time"

	"github.com/nextlevelbuilder/goconcierge/internal/clock"
)

type entry[T any] struct {
	value     T
	writtenAt time.Time
	ttl       time.Duration
}

func (e entry[T]) expired(now time.Time) bool {
	return now.Sub(e.writtenAt) >= e.ttl
}

// TTLCache is a mutex-guarded map whose entries expire after a fixed TTL.
// Get never returns an expired entry; expired entries are removed lazily
// on access and eagerly by CleanupExpired.
type TTLCache[T any] struct {
	mu      sync.Mutex
	clock   clock.Clock
	ttl     time.Duration
	entries map[string]entry[T]
}

// NewTTLCache creates a cache with the given TTL.
func NewTTLCache[T any](clk clock.Clock, ttl time.Duration) *TTLCache[T] {
	return &TTLCache[T]{clock: clk, ttl: ttl, entries: make(map[string]entry[T])}
}

// Get returns the value for key if present and fresh.
func (c *TTLCache[T]) Get(key string) (T, bool) {
	v, _, ok := c.GetWithAge(key)
	return v, ok
}

// GetWithAge is Get plus the entry age.
func (c *TTLCache[T]) GetWithAge(key string) (T, time.Duration, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	e, ok := c.entries[key]
	if !ok {
		return zero, 0, false
	}
	now := c.clock.Now()
	if e.expired(now) {
		delete(c.entries, key)
		return zero, 0, false
	}
	return e.value, now.Sub(e.writtenAt), true
}

// Set stores value under key with the cache TTL.
func (c *TTLCache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[T]{value: value, writtenAt: c.clock.Now(), ttl: c.ttl}
}

// SetIfAbsent stores value unless a fresh entry exists. Returns true if
// the value was stored.
func (c *TTLCache[T]) SetIfAbsent(key string, value T) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if e, ok := c.entries[key]; ok && !e.expired(now) {
		return false
	}
	c.entries[key] = entry[T]{value: value, writtenAt: now, ttl: c.ttl}
	return true
}

// Delete removes key.
func (c *TTLCache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// SetTTL changes the TTL applied to new writes.
func (c *TTLCache[T]) SetTTL(ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ttl = ttl
}

// CleanupExpired drops expired entries and returns how many were removed.
func (c *TTLCache[T]) CleanupExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored entries, including expired ones not
// yet cleaned up.
func (c *TTLCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
