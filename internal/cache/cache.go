// Package cache provides the short-lived lookup caches placed in front of the
// authorization data providers.
package cache

import (
	"context"
	"time"
)

// Cache stores encoded lookup results under opaque keys.
type Cache interface {
	// Get returns the value stored for key. ok is false on a miss or when
	// the entry has expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key. A non-positive ttl stores without expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Flush drops every entry owned by this cache.
	Flush(ctx context.Context) error
}

// Noop is a Cache that never stores anything.
type Noop struct{}

var _ Cache = Noop{}

// Get always misses.
func (Noop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }

// Set discards the value.
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }

// Flush does nothing.
func (Noop) Flush(context.Context) error { return nil }
