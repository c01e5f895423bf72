package wards

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter implements Counter as a distributed INCR+EXPIRE counter,
// following the teacher's use of go-redis as the cross-process coordination
// primitive for adaptive rate limiting. Each (tenant, capability, window)
// triple gets its own key so unrelated windows never collide. INCR and
// EXPIRE run in one transaction on every increment, so each call resets
// the key's TTL to windowTTL.
type RedisCounter struct {
	client *redis.Client
	prefix string
}

// NewRedisCounter constructs a RedisCounter. prefix namespaces keys, e.g.
// "demon:wards".
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "demon:wards"
	}
	return &RedisCounter{client: client, prefix: prefix}
}

func (c *RedisCounter) key(tenant, capability string, windowKey int64) string {
	return fmt.Sprintf("%s:%s:%s:%d", c.prefix, tenant, capability, windowKey)
}

func (c *RedisCounter) Increment(ctx context.Context, tenant, capability string, windowKey int64, windowTTL time.Duration) (int64, error) {
	key := c.key(tenant, capability, windowKey)

	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, windowTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("wards redis counter: %w", err)
	}

	return incr.Val(), nil
}
