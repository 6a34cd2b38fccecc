// Package streams implements the Redis consumer-group ingress and the
// pending-entry reclaimer (spec.md §4.7), grounded on join-service's
// infrastructure/redis.Cache wrapper style generalized from a simple
// cache client to the Streams API.
package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/baechuer/xraypipe/internal/domain"
	"github.com/baechuer/xraypipe/internal/metrics"
	"github.com/baechuer/xraypipe/internal/service"
)

// Config carries the canonical defaults from spec.md §4.7.
type Config struct {
	StreamName string
	GroupName  string
	DLQStream  string
	KeyPrefix  string

	IdleTimeout time.Duration
	BatchSize   int64
	Pause       time.Duration
	MaxRetry    int64
}

func DefaultConfig() Config {
	return Config{
		StreamName:  "engine_events",
		GroupName:   "xraypipe",
		DLQStream:   "engine_events:dlq",
		KeyPrefix:   "xrayEngines:",
		IdleTimeout: 60 * time.Second,
		BatchSize:   100,
		Pause:       5 * time.Second,
		MaxRetry:    2,
	}
}

// entryPayload is the hset payload decoded for upsert calls.
type entryPayload struct {
	ID      string `json:"id"`
	Created string `json:"created"`
	Running bool   `json:"running"`
	UUID    string `json:"uuid"`
	Addr    string `json:"addr"`
}

// Consumer is the live, at-least-once ingress reader. One instance runs
// per process; its consumer name is unique per process so restarts
// don't inherit stale pending ownership.
type Consumer struct {
	rdb  *redis.Client
	cfg  Config
	svc  *service.EngineService
	name string
	log  zerolog.Logger
}

func NewConsumer(rdb *redis.Client, cfg Config, svc *service.EngineService, log zerolog.Logger) *Consumer {
	host, _ := os.Hostname()
	name := fmt.Sprintf("%s-%d", host, rand.Intn(1_000_000))
	return &Consumer{rdb: rdb, cfg: cfg, svc: svc, name: name, log: log.With().Str("component", "ingress_consumer").Str("consumer", name).Logger()}
}

// EnsureGroup creates the consumer group (and stream, via MKSTREAM) if
// it doesn't already exist yet. Idempotent across restarts.
func (c *Consumer) EnsureGroup(ctx context.Context) error {
	err := c.rdb.XGroupCreateMkStream(ctx, c.cfg.StreamName, c.cfg.GroupName, "$").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("ingress: ensure group: %w", err)
	}
	return nil
}

// Run reads the consumer-group stream forever until ctx is cancelled.
// Each delivered message is dispatched, then acked on success or left
// pending on failure (spec.md §4.7 step 4).
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		res, err := c.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    c.cfg.GroupName,
			Consumer: c.name,
			Streams:  []string{c.cfg.StreamName, ">"},
			Count:    c.cfg.BatchSize,
			Block:    2 * time.Second,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
				continue
			}
			c.log.Error().Err(err).Msg("xreadgroup failed")
			time.Sleep(time.Second)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				c.handle(ctx, msg)
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg redis.XMessage) {
	if err := c.dispatch(ctx, msg.ID, msg.Values); err != nil {
		c.log.Warn().Err(err).Str("msg_id", msg.ID).Msg("handler failed, leaving pending")
		return
	}
	if err := c.rdb.XAck(ctx, c.cfg.StreamName, c.cfg.GroupName, msg.ID).Err(); err != nil {
		c.log.Error().Err(err).Str("msg_id", msg.ID).Msg("ack failed")
	}
}

// dispatch implements spec.md §4.7 steps 1-3. It is also reused
// verbatim by the reclaimer for redelivered entries.
func (c *Consumer) dispatch(ctx context.Context, msgID string, values map[string]any) error {
	event, _ := values["event"].(string)

	key, _ := values["key"].(string)
	if !strings.HasPrefix(key, c.cfg.KeyPrefix) {
		c.log.Warn().Str("key", key).Msg("malformed key, dropping")
		metrics.IngressMessagesTotal.WithLabelValues(event, "dropped_malformed_key").Inc()
		return nil
	}
	engineIDStr := strings.TrimPrefix(key, c.cfg.KeyPrefix)
	engineID, err := uuid.Parse(engineIDStr)
	if err != nil {
		c.log.Warn().Str("key", key).Msg("key is not a uuid, dropping")
		metrics.IngressMessagesTotal.WithLabelValues(event, "dropped_bad_uuid").Inc()
		return nil
	}

	version, err := domain.ParseVersion(msgID)
	if err != nil {
		metrics.IngressMessagesTotal.WithLabelValues(event, "failed").Inc()
		return fmt.Errorf("ingress: %w", err)
	}
	causedBy := fmt.Sprintf("%s:%s", c.cfg.StreamName, msgID)

	switch event {
	case "expired":
		err := c.svc.MarkDead(ctx, engineID, causedBy, version)
		if errors.Is(err, domain.ErrEngineNotExist) {
			c.log.Warn().Str("engine_id", engineID.String()).Msg("mark_dead on absent aggregate, treating as success")
			metrics.IngressMessagesTotal.WithLabelValues(event, "acked_absent").Inc()
			return nil
		}
		metrics.IngressMessagesTotal.WithLabelValues(event, outcomeLabel(err)).Inc()
		return err
	case "hset":
		raw, _ := values["payload"].(string)
		var p entryPayload
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			metrics.IngressMessagesTotal.WithLabelValues(event, "failed").Inc()
			return fmt.Errorf("ingress: decode hset payload: %w", err)
		}
		created, err := time.Parse(time.RFC3339, p.Created)
		if err != nil {
			metrics.IngressMessagesTotal.WithLabelValues(event, "failed").Inc()
			return fmt.Errorf("ingress: decode created timestamp: %w", err)
		}
		info := service.EngineInfo{
			ID:      engineID,
			Created: created,
			Running: p.Running,
			UUID:    p.UUID,
			Addr:    p.Addr,
		}
		err = c.svc.Upsert(ctx, info, causedBy, version)
		metrics.IngressMessagesTotal.WithLabelValues(event, outcomeLabel(err)).Inc()
		return err
	default:
		c.log.Warn().Str("event", event).Msg("unknown event kind, skipping")
		metrics.IngressMessagesTotal.WithLabelValues(event, "dropped_unknown_event").Inc()
		return nil
	}
}

func outcomeLabel(err error) string {
	if err != nil {
		return "failed"
	}
	return "processed"
}
