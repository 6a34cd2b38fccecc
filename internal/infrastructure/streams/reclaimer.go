package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/baechuer/xraypipe/internal/metrics"
)

// Reclaimer is the pending-entry sweep described in spec.md §4.7. One
// instance runs per process, separate from the live Consumer loop.
type Reclaimer struct {
	rdb *redis.Client
	cfg Config
	c   *Consumer
	log zerolog.Logger
}

func NewReclaimer(rdb *redis.Client, cfg Config, c *Consumer, log zerolog.Logger) *Reclaimer {
	return &Reclaimer{rdb: rdb, cfg: cfg, c: c, log: log.With().Str("component", "reclaimer").Logger()}
}

// Run sweeps idle pending entries until ctx is cancelled. Each step
// (autoclaim, xpending, dlq xadd, xack) is individually retried with
// backoff+jitter; a step that exhausts retries is logged critically
// and its entry is skipped (for autoclaim, the whole round is skipped)
// — the reclaimer never crashes the process
// (spec.md §4.7 final bullet).
func (r *Reclaimer) Run(ctx context.Context) {
	cursor := "0-0"
	for {
		if ctx.Err() != nil {
			return
		}

		msgs, next, err := r.autoclaim(ctx, cursor)
		if err != nil {
			r.log.Error().Err(err).Msg("autoclaim exhausted retries, skipping round")
			time.Sleep(r.cfg.Pause)
			continue
		}
		cursor = next

		if len(msgs) == 0 {
			time.Sleep(r.cfg.Pause)
			continue
		}

		for _, msg := range msgs {
			r.reclaimOne(ctx, msg)
		}
	}
}

func (r *Reclaimer) autoclaim(ctx context.Context, cursor string) ([]redis.XMessage, string, error) {
	var (
		msgs []redis.XMessage
		next string
		err  error
	)
	retryWithBackoff(ctx, 5, func() error {
		msgs, next, err = r.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   r.cfg.StreamName,
			Group:    r.cfg.GroupName,
			Consumer: r.c.name,
			MinIdle:  r.cfg.IdleTimeout,
			Start:    cursor,
			Count:    r.cfg.BatchSize,
		}).Result()
		return err
	})
	return msgs, next, err
}

func (r *Reclaimer) reclaimOne(ctx context.Context, msg redis.XMessage) {
	deliveries, err := r.deliveryCount(ctx, msg.ID)
	if err != nil {
		r.log.Error().Err(err).Str("msg_id", msg.ID).Msg("xpending exhausted retries")
		return
	}

	if deliveries > r.cfg.MaxRetry {
		if err := r.toDLQ(ctx, msg); err != nil {
			r.log.Error().Err(err).Str("msg_id", msg.ID).Msg("dlq xadd exhausted retries, leaving pending")
			return
		}
		metrics.DLQMessagesTotal.WithLabelValues("max_retries").Inc()
		if err := r.ack(ctx, msg.ID); err != nil {
			r.log.Error().Err(err).Str("msg_id", msg.ID).Msg("ack after dlq exhausted retries")
		}
		return
	}

	metrics.RetryAttemptsTotal.WithLabelValues("ingress_reclaim").Inc()
	if err := r.c.dispatch(ctx, msg.ID, msg.Values); err != nil {
		r.log.Warn().Err(err).Str("msg_id", msg.ID).Msg("reclaimed handler failed, leaving pending")
		return
	}
	if err := r.ack(ctx, msg.ID); err != nil {
		r.log.Error().Err(err).Str("msg_id", msg.ID).Msg("ack exhausted retries")
	}
}

func (r *Reclaimer) deliveryCount(ctx context.Context, msgID string) (int64, error) {
	var count int64
	err := retryWithBackoff(ctx, 5, func() error {
		ext, err := r.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: r.cfg.StreamName,
			Group:  r.cfg.GroupName,
			Start:  msgID,
			End:    msgID,
			Count:  1,
		}).Result()
		if err != nil {
			return err
		}
		if len(ext) == 0 {
			count = 0
			return nil
		}
		count = ext[0].RetryCount
		return nil
	})
	return count, err
}

func (r *Reclaimer) toDLQ(ctx context.Context, msg redis.XMessage) error {
	body, err := json.Marshal(msg.Values)
	if err != nil {
		return fmt.Errorf("reclaimer: marshal dlq body: %w", err)
	}
	return retryWithBackoff(ctx, 5, func() error {
		return r.rdb.XAdd(ctx, &redis.XAddArgs{
			Stream: r.cfg.DLQStream,
			Values: map[string]any{
				"original_id": msg.ID,
				"body":        string(body),
			},
		}).Err()
	})
}

func (r *Reclaimer) ack(ctx context.Context, msgID string) error {
	return retryWithBackoff(ctx, 5, func() error {
		return r.rdb.XAck(ctx, r.cfg.StreamName, r.cfg.GroupName, msgID).Err()
	})
}

// retryWithBackoff runs fn up to attempts times with exponential
// backoff (base 100ms, capped at 2s) plus up to 50ms of jitter.
func retryWithBackoff(ctx context.Context, attempts int, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		backoff := time.Duration(1<<uint(i)) * 100 * time.Millisecond
		if backoff > 2*time.Second {
			backoff = 2 * time.Second
		}
		jitter := time.Duration(rand.Intn(50)) * time.Millisecond
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff + jitter):
		}
	}
	return err
}
