package cache

import (
	"context"
	"sync"
	"time"
)

// DefaultSweepInterval is how often Set evicts expired entries.
const DefaultSweepInterval = time.Minute

// Memory is an in-process Cache with per-entry expiry. Expired entries are
// dropped when read and swept from the whole map on Set at most once per
// sweep interval.
type Memory struct {
	mu            sync.Mutex
	entries       map[string]memoryEntry
	now           func() time.Time
	sweepInterval time.Duration
	lastSweep     time.Time
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
	hasExpiry bool
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{
		entries:       make(map[string]memoryEntry),
		now:           time.Now,
		sweepInterval: DefaultSweepInterval,
	}
}

var _ Cache = (*Memory)(nil)

func (c *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if c == nil {
		return nil, false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if entry.hasExpiry && c.now().After(entry.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (c *Memory) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if now.Sub(c.lastSweep) >= c.sweepInterval {
		c.sweep(now)
	}
	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.hasExpiry = true
		entry.expiresAt = now.Add(ttl)
	}
	c.entries[key] = entry
	return nil
}

// sweep removes expired entries. c.mu must be held.
func (c *Memory) sweep(now time.Time) {
	for key, entry := range c.entries {
		if entry.hasExpiry && now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}
	c.lastSweep = now
}

func (c *Memory) Flush(ctx context.Context) error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
	return nil
}

// Len returns the number of stored entries, including expired ones not yet
// evicted.
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
