package wards

import (
	"context"
	"sync"
	"time"
)

// LocalCounter implements Counter as a process-local fixed-window counter
// per (tenant, capability), mirroring RedisCounter's INCR+EXPIRE contract
// without needing Redis: each (tenant, capability) tracks the window key it
// last saw and a monotone count for that window, reset to zero whenever a
// new window key arrives. This is the "acceptable substitution" spec.md
// §4.3 permits for a process-local baseline, since it preserves the exact
// same decision contract (a count that can exceed the limit) as the
// distributed counter.
type LocalCounter struct {
	mu      sync.Mutex
	buckets map[bucketKey]*window
}

type bucketKey struct {
	tenant     string
	capability string
}

type window struct {
	key   int64
	count int64
}

// NewLocalCounter constructs an empty LocalCounter.
func NewLocalCounter() *LocalCounter {
	return &LocalCounter{buckets: make(map[bucketKey]*window)}
}

// Increment records one call against the (tenant, capability) window
// identified by windowKey, lazily creating it on first use and resetting it
// whenever windowKey advances past the one currently tracked. windowTTL is
// unused locally (there is no external store to expire); RedisCounter uses
// it to bound the key's lifetime in Redis.
func (c *LocalCounter) Increment(ctx context.Context, tenant, capability string, windowKey int64, windowTTL time.Duration) (int64, error) {
	key := bucketKey{tenant: tenant, capability: capability}

	c.mu.Lock()
	defer c.mu.Unlock()

	w, ok := c.buckets[key]
	if !ok || w.key != windowKey {
		w = &window{key: windowKey}
		c.buckets[key] = w
	}
	w.count++
	return w.count, nil
}
