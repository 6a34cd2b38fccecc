// Package relay implements the outbox relay and fan-out planner
// (spec.md §4.9), grounded on join-service's outbox_worker.go
// claim-inside-a-tx shape, replacing its RabbitMQ publish step with
// in-transaction fan-out planning into delivery_tasks.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/baechuer/xraypipe/internal/audit"
	"github.com/baechuer/xraypipe/internal/domain"
	"github.com/baechuer/xraypipe/internal/metrics"
)

type Config struct {
	BatchSize   int
	MaxAttempts int
	Pause       time.Duration
}

func DefaultConfig() Config {
	return Config{BatchSize: 50, MaxAttempts: 12, Pause: 200 * time.Millisecond}
}

// engineDeliveryTypes is the partition of event types the fan-out
// planner knows how to route (spec.md §4.9 step 3).
var engineDeliveryTypes = map[domain.EventType]struct{}{
	domain.EventEngineDead:     {},
	domain.EventEngineUpdated:  {},
	domain.EventEngineRestored: {},
}

// Relay is the daemon driving claim -> plan -> mark loop.
type Relay struct {
	uow   domain.UnitOfWork
	cfg   Config
	log   zerolog.Logger
	audit *audit.Logger
}

func New(uow domain.UnitOfWork, cfg Config, log zerolog.Logger) *Relay {
	return &Relay{uow: uow, cfg: cfg, log: log.With().Str("component", "outbox_relay").Logger(), audit: audit.New(log)}
}

// Run loops forever until ctx is cancelled, pacing itself with cfg.Pause
// between empty rounds. Panics in the loop body are not recovered here;
// the composition root's supervisor wraps this call to satisfy spec.md
// §4.10's "catches all exceptions, logs critically, continues" rule.
func (r *Relay) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		empty, err := r.iteration(ctx)
		if err != nil {
			r.log.Error().Err(err).Msg("relay iteration failed")
		}
		if empty {
			time.Sleep(r.cfg.Pause)
		}
	}
}

func (r *Relay) iteration(ctx context.Context) (empty bool, err error) {
	start := time.Now()
	var unhandledErr error
	var batchLen int

	txErr := r.uow.WithTx(ctx, func(ctx context.Context, gw domain.Gateways) error {
		records, err := gw.Outbox.ClaimBatch(ctx, r.cfg.BatchSize, r.cfg.MaxAttempts)
		if err != nil {
			return fmt.Errorf("relay: claim batch: %w", err)
		}
		batchLen = len(records)
		if len(records) == 0 {
			empty = true
			return nil
		}

		var engineDelivery, unhandled []domain.OutboxRecord
		for _, rec := range records {
			if _, ok := engineDeliveryTypes[rec.Body.EventType]; ok {
				engineDelivery = append(engineDelivery, rec)
			} else {
				unhandled = append(unhandled, rec)
			}
		}

		planErr := planFanout(ctx, gw, engineDelivery)
		if planErr != nil {
			for _, rec := range engineDelivery {
				if err := gw.Outbox.MarkFailed(ctx, rec.ID, computeOutboxBackoff(rec.Attempts)); err != nil {
					return fmt.Errorf("relay: mark failed %s: %w", rec.ID, err)
				}
				metrics.RetryAttemptsTotal.WithLabelValues("relay").Inc()
				if rec.Attempts+1 >= r.cfg.MaxAttempts {
					r.audit.OutboxDead(ctx, rec.ID, rec.Attempts+1)
				}
			}
		} else {
			for _, rec := range engineDelivery {
				if err := gw.Outbox.MarkFannedOut(ctx, rec.ID); err != nil {
					return fmt.Errorf("relay: mark fanned out %s: %w", rec.ID, err)
				}
			}
		}

		if len(unhandled) > 0 {
			unhandledErr = fmt.Errorf("relay: %d unhandled event(s), first type %q", len(unhandled), unhandled[0].Body.EventType)
		}
		return nil
	})
	metrics.RecordBatch("relay", batchLen, time.Since(start))
	if txErr != nil {
		return false, txErr
	}
	if unhandledErr != nil {
		return empty, unhandledErr
	}
	return empty, nil
}

// planFanout implements the FanoutPlanner (spec.md §4.9 step 4):
// match subscriptions per record, build CreateBotDeliveryTask rows, and
// bulk-store them. A record with zero matching subscribers still
// counts as successfully planned (zero tasks, still "fanned out").
func planFanout(ctx context.Context, gw domain.Gateways, records []domain.OutboxRecord) error {
	if len(records) == 0 {
		return nil
	}

	var tasks []domain.CreateBotDeliveryTask
	for _, rec := range records {
		subIDs, err := gw.Subscriptions.MatchSubscriptions(ctx, rec.Body.EventType, rec.Body.AggregateID)
		if err != nil {
			return fmt.Errorf("fanout: match subscriptions for %s: %w", rec.ID, err)
		}
		for _, subID := range subIDs {
			tasks = append(tasks, domain.CreateBotDeliveryTask{OutboxID: rec.ID, SubscriptionID: subID})
		}
	}

	if len(tasks) == 0 {
		return nil
	}
	if err := gw.Tasks.Store(ctx, tasks); err != nil {
		return fmt.Errorf("fanout: store tasks: %w", err)
	}
	return nil
}

// computeOutboxBackoff is a local copy of the postgres package's
// ComputeOutboxBackoff quadratic schedule; both compute the same curve.
func computeOutboxBackoff(attempts int) time.Time {
	return time.Now().Add(time.Duration((attempts+1)*(attempts+1)) * time.Second)
}
