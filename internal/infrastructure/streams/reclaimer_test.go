package streams

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// newTestReclaimer builds a Reclaimer against a miniredis instance
// already carrying a consumer group. XAutoClaim's pending-entry
// semantics are exercised separately in the integration-tagged suite
// against real Redis (miniredis's stream support doesn't cover it);
// this file drives the narrower pieces (DLQ write, ack, pending-count
// read) that miniredis does support directly.
func newTestReclaimer(t *testing.T) (*Reclaimer, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := DefaultConfig()

	c := &Consumer{rdb: rdb, cfg: cfg, name: "reclaimer-test", log: zerolog.Nop()}
	require.NoError(t, c.EnsureGroup(context.Background()))

	r := NewReclaimer(rdb, cfg, c, zerolog.Nop())
	return r, mr
}

func TestReclaimer_ToDLQ_WritesOriginalIDAndBody(t *testing.T) {
	r, mr := newTestReclaimer(t)
	defer mr.Close()

	msg := redis.XMessage{ID: "5-0", Values: map[string]any{"event": "hset", "key": r.cfg.KeyPrefix + uuid.NewString()}}
	require.NoError(t, r.toDLQ(context.Background(), msg))

	entries, err := r.rdb.XRange(context.Background(), r.cfg.DLQStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "5-0", entries[0].Values["original_id"])
	require.NotEmpty(t, entries[0].Values["body"])
}

func TestReclaimer_Ack_RemovesFromPending(t *testing.T) {
	r, mr := newTestReclaimer(t)
	defer mr.Close()
	ctx := context.Background()

	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.cfg.StreamName,
		Values: map[string]any{"event": "hset", "key": r.cfg.KeyPrefix + uuid.NewString()},
	}).Result()
	require.NoError(t, err)

	_, err = r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.cfg.GroupName,
		Consumer: r.c.name,
		Streams:  []string{r.cfg.StreamName, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)

	require.NoError(t, r.ack(ctx, id))

	n, err := r.deliveryCount(ctx, id)
	require.NoError(t, err)
	require.Zero(t, n, "acked entry should no longer be pending")
}

func TestReclaimer_DeliveryCount_ReflectsRetryCount(t *testing.T) {
	r, mr := newTestReclaimer(t)
	defer mr.Close()
	ctx := context.Background()

	id, err := r.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: r.cfg.StreamName,
		Values: map[string]any{"event": "hset", "key": r.cfg.KeyPrefix + uuid.NewString()},
	}).Result()
	require.NoError(t, err)

	_, err = r.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    r.cfg.GroupName,
		Consumer: r.c.name,
		Streams:  []string{r.cfg.StreamName, ">"},
		Count:    1,
	}).Result()
	require.NoError(t, err)

	n, err := r.deliveryCount(ctx, id)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, int64(1))
}
