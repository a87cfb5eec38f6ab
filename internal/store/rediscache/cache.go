// Package rediscache implements the job status cache on Redis. Each job is one
// JSON value under "job:<id>"; pending keys never expire.
package rediscache

import (
	"context"
	"errors"
	"time"

	"sitespeed/internal/core/job"
	rds "sitespeed/internal/platform/redis"
)

type Cache struct {
	redis  *rds.Service
	prefix string
}

func New(r *rds.Service) *Cache { return &Cache{redis: r, prefix: "job:"} }

// WithPrefix returns a cache writing under a different key namespace.
func (c *Cache) WithPrefix(p string) *Cache { return &Cache{redis: c.redis, prefix: p} }

func (c *Cache) key(id string) string { return c.prefix + id }

func (c *Cache) Get(ctx context.Context, jobID string) (job.CacheEntry, bool, error) {
	var e job.CacheEntry
	err := c.redis.CacheGet(ctx, c.key(jobID), &e)
	if errors.Is(err, rds.ErrMiss) {
		return job.CacheEntry{}, false, nil
	}
	if err != nil {
		return job.CacheEntry{}, false, err
	}
	return e, true, nil
}

func (c *Cache) Set(ctx context.Context, jobID string, e job.CacheEntry, ttl time.Duration) error {
	return c.redis.CacheSet(ctx, c.key(jobID), e, ttl)
}

func (c *Cache) Expire(ctx context.Context, jobID string, ttl time.Duration) error {
	if ttl <= 0 {
		return c.redis.Del(ctx, c.key(jobID))
	}
	return c.redis.Expire(ctx, c.key(jobID), ttl)
}

func (c *Cache) Delete(ctx context.Context, jobID string) error {
	return c.redis.Del(ctx, c.key(jobID))
}

// TTL exposes the remaining lifetime of a job key.
func (c *Cache) TTL(ctx context.Context, jobID string) (time.Duration, error) {
	return c.redis.TTL(ctx, c.key(jobID))
}
