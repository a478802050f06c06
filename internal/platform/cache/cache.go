// Package cache wraps the Redis client for the narrow set of things the
// form-sender surface needs from it: a dedup lock so a retried CreateTask
// request doesn't launch a second cloud job for the same targeting/run, and
// a per-targeting daily success counter (IncrDailyCount), which no caller in
// this repository uses.
package cache

import (
	"context"
	"strconv"
	"time"

	"github.com/andreypavlenko/formsender/internal/platform/redis"
)

type Cache struct {
	client *redis.Client
}

func New(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// TryLock acquires a dedup lock for key, held for ttl. It returns false
// without error when another request already holds the lock.
func (c *Cache) TryLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, "1", ttl).Result()
}

// Unlock releases a dedup lock early, once the execution it guarded has
// been durably recorded in Postgres and no longer needs the fast-path check.
func (c *Cache) Unlock(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// IncrDailyCount increments targetingID's success counter for the given
// day and returns the new total, expiring the key well past midnight so a
// crashed orchestrator doesn't leave a stale counter pinning the quota.
func (c *Cache) IncrDailyCount(ctx context.Context, targetingID int64, day string) (int64, error) {
	key := dailyCountKey(targetingID, day)
	count, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		c.client.Expire(ctx, key, 36*time.Hour)
	}
	return count, nil
}

func dailyCountKey(targetingID int64, day string) string {
	return "formsender:daily_count:" + day + ":" + strconv.FormatInt(targetingID, 10)
}
