package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisDeduper stores in-flight recalculation keys in Redis so a project
// recalc already queued is not queued again by another instance.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and
// TTL. The TTL bounds how long a crashed worker can block re-enqueueing.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

func (r *RedisDeduper) key(k string) string {
	return "dedupe:" + k
}

// Add records the key if it does not already exist. It returns true when
// the key was newly added.
func (r *RedisDeduper) Add(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, r.key(key), 1, r.ttl).Result()
}

// Remove deletes a previously recorded key once the job completed or
// failed, so the project can be queued again.
func (r *RedisDeduper) Remove(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.key(key)).Err()
}
