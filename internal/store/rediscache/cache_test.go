package rediscache

import (
	"context"
	"os"
	"testing"
	"time"

	"sitespeed/internal/core/job"
	rds "sitespeed/internal/platform/redis"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis connects to REDIS_ADDR (default localhost:6379) on DB 15
// and skips the test when Redis is not reachable.
func setupTestRedis(t *testing.T) *Cache {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	svc, err := rds.New(ctx, rds.Options{Addr: addr, DB: 15})
	if err != nil {
		t.Skipf("Redis not available for testing at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = svc.Close() })

	return New(svc).WithPrefix("test:" + uuid.NewString() + ":")
}

func TestCacheRoundTrip(t *testing.T) {
	c := setupTestRedis(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "j1", job.CacheEntry{Status: job.StatusPending}, 0))
	e, ok, err := c.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, job.StatusPending, e.Status)

	ttl, err := c.TTL(ctx, "j1")
	require.NoError(t, err)
	assert.Less(t, ttl, time.Duration(0), "pending keys have no expiry")

	at := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, c.Set(ctx, "j1", job.CacheEntry{Status: job.StatusFailed, Error: "timeout", FinalizedAt: &at}, time.Minute))
	e, ok, err = c.Get(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "timeout", e.Error)
	require.NotNil(t, e.FinalizedAt)
	assert.True(t, at.Equal(*e.FinalizedAt))

	require.NoError(t, c.Expire(ctx, "j1", 10*time.Second))
	ttl, err = c.TTL(ctx, "j1")
	require.NoError(t, err)
	assert.LessOrEqual(t, ttl, 10*time.Second)
	assert.Greater(t, ttl, time.Duration(0))

	require.NoError(t, c.Delete(ctx, "j1"))
	_, ok, err = c.Get(ctx, "j1")
	require.NoError(t, err)
	assert.False(t, ok)
}
