// Package delivery implements the delivery worker daemon (spec.md
// §4.10): claim delivery tasks, resolve events and recipients, publish
// through the bot transport, and mark results — paired by task
// identity rather than slice position (spec.md §9 Open Question).
package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/baechuer/xraypipe/internal/audit"
	"github.com/baechuer/xraypipe/internal/domain"
	"github.com/baechuer/xraypipe/internal/infrastructure/bot"
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

type Worker struct {
	uow   domain.UnitOfWork
	pub   bot.Publisher
	cfg   Config
	log   zerolog.Logger
	audit *audit.Logger
}

func New(uow domain.UnitOfWork, pub bot.Publisher, cfg Config, log zerolog.Logger) *Worker {
	return &Worker{uow: uow, pub: pub, cfg: cfg, log: log.With().Str("component", "delivery_worker").Logger(), audit: audit.New(log)}
}

// Run loops forever until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		empty, err := w.iteration(ctx)
		if err != nil {
			w.log.Error().Err(err).Msg("delivery iteration failed")
		}
		if empty {
			time.Sleep(w.cfg.Pause)
		}
	}
}

func (w *Worker) iteration(ctx context.Context) (empty bool, err error) {
	start := time.Now()
	var batchLen int
	txErr := w.uow.WithTx(ctx, func(ctx context.Context, gw domain.Gateways) error {
		tasks, err := gw.Tasks.ClaimBatch(ctx, w.cfg.BatchSize, w.cfg.MaxAttempts)
		if err != nil {
			return fmt.Errorf("delivery: claim batch: %w", err)
		}
		batchLen = len(tasks)
		if len(tasks) == 0 {
			empty = true
			return nil
		}

		outboxIDs := make([]uuid.UUID, len(tasks))
		subIDs := make([]uuid.UUID, len(tasks))
		for i, t := range tasks {
			outboxIDs[i] = t.OutboxID
			subIDs[i] = t.SubscriptionID
		}

		events, err := gw.Outbox.ExtractEvents(ctx, outboxIDs)
		if err != nil {
			return fmt.Errorf("delivery: extract events: %w", err)
		}
		telegramIDs, err := gw.Subscriptions.GetTelegramIDsForSubscriptions(ctx, subIDs)
		if err != nil {
			return fmt.Errorf("delivery: resolve recipients: %w", err)
		}

		var (
			publishable []domain.PublishBotDeliveryTask
			taskByID    []domain.BotDeliveryTask
		)
		for _, t := range tasks {
			ev, hasEvent := events[t.OutboxID]
			telegramID, hasRecipient := telegramIDs[t.SubscriptionID]
			if !hasEvent || !hasRecipient {
				w.log.Warn().Str("task_id", t.ID.String()).Bool("has_event", hasEvent).Bool("has_recipient", hasRecipient).Msg("missing lookup, skipping for retry")
				continue
			}
			publishable = append(publishable, domain.PublishBotDeliveryTask{TaskID: t.ID, Event: ev, TelegramID: telegramID})
			taskByID = append(taskByID, t)
		}

		if len(publishable) == 0 {
			return nil
		}

		results := w.pub.PublishBatch(ctx, publishable)
		if len(results) != len(publishable) {
			return fmt.Errorf("delivery: publisher returned %d results for %d tasks", len(results), len(publishable))
		}

		for i, p := range publishable {
			// Pair by task identity, not slice position: taskByID[i]
			// corresponds to publishable[i] by construction above, but
			// we still assert on p.TaskID to guard against a future
			// reordering of either slice.
			t := taskByID[i]
			if t.ID != p.TaskID {
				return fmt.Errorf("delivery: task/result identity mismatch: %s != %s", t.ID, p.TaskID)
			}
			if results[i] {
				if err := gw.Tasks.MarkPublished(ctx, t.ID); err != nil {
					return fmt.Errorf("delivery: mark published %s: %w", t.ID, err)
				}
			} else {
				if err := gw.Tasks.MarkFailed(ctx, t.ID, computeTaskBackoff(t.Attempts)); err != nil {
					return fmt.Errorf("delivery: mark failed %s: %w", t.ID, err)
				}
				metrics.RetryAttemptsTotal.WithLabelValues("delivery").Inc()
				if t.Attempts+1 >= w.cfg.MaxAttempts {
					w.audit.TaskDead(ctx, t.ID, t.Attempts+1)
				}
			}
		}
		return nil
	})
	metrics.RecordBatch("delivery", batchLen, time.Since(start))
	return empty, txErr
}

func computeTaskBackoff(attempts int) time.Time {
	return time.Now().Add(time.Duration(attempts*attempts) * time.Second)
}
