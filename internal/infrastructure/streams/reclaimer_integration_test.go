//go:build integration
// +build integration

package streams

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// TestReclaimer_Autoclaim_ReclaimsIdlePendingEntry exercises XAUTOCLAIM
// against a real Redis instance (TEST_REDIS_ADDR), since miniredis's
// stream support does not implement it.
func TestReclaimer_Autoclaim_ReclaimsIdlePendingEntry(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("Skipping integration test: TEST_REDIS_ADDR not set")
	}

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()

	cfg := DefaultConfig()
	cfg.StreamName = "xraypipe_test:" + uuid.NewString()
	cfg.GroupName = "xraypipe_test_group"
	cfg.DLQStream = cfg.StreamName + ":dlq"
	cfg.IdleTimeout = 10 * time.Millisecond
	defer rdb.Del(ctx, cfg.StreamName, cfg.DLQStream)

	c := NewConsumer(rdb, cfg, nil, zerolog.Nop())
	require.NoError(t, c.EnsureGroup(ctx))

	key := cfg.KeyPrefix + uuid.NewString()
	_, err := rdb.XAdd(ctx, &redis.XAddArgs{Stream: cfg.StreamName, Values: map[string]any{"event": "hset", "key": key}}).Result()
	require.NoError(t, err)

	// Claim the entry under a different consumer name and never ack it,
	// so it sits idle and becomes eligible for autoclaim.
	stuck := NewConsumer(rdb, cfg, nil, zerolog.Nop())
	_, err = rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group: cfg.GroupName, Consumer: stuck.name, Streams: []string{cfg.StreamName, ">"}, Count: 1,
	}).Result()
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)

	r := NewReclaimer(rdb, cfg, c, zerolog.Nop())
	msgs, _, err := r.autoclaim(ctx, "0-0")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, key, msgs[0].Values["key"])
}
