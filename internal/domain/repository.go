package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OutboxRecord is a row written inside the same transaction as engine
// state, drained asynchronously by the outbox relay.
type OutboxRecord struct {
	ID            uuid.UUID
	CausedBy      string
	Body          DomainEvent
	FannedOut     bool
	Attempts      int
	CreatedAt     time.Time
	FannedOutAt   *time.Time
	NextAttemptAt time.Time
}

// CreateBotDeliveryTask is the planner's output: one per (outbox row,
// matching subscriber).
type CreateBotDeliveryTask struct {
	OutboxID       uuid.UUID
	SubscriptionID uuid.UUID
}

// BotDeliveryTask is a per-subscriber delivery unit fanned out from one
// outbox row.
type BotDeliveryTask struct {
	ID             uuid.UUID
	OutboxID       uuid.UUID
	SubscriptionID uuid.UUID
	Published      bool
	Attempts       int
	CreatedAt      time.Time
	PublishedAt    *time.Time
	NextAttemptAt  time.Time
}

// Subscription is reference data: a user wants to hear about one event
// type on one engine.
type Subscription struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	EngineID      uuid.UUID
	EventTypeName EventType
}

// PublishBotDeliveryTask is what the delivery worker hands to the bot
// publisher for one task.
type PublishBotDeliveryTask struct {
	TaskID     uuid.UUID
	Event      DomainEvent
	TelegramID int64
}

// EngineRepository is the contract in spec.md §4.4.
type EngineRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*Engine, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Engine, error)
	Save(ctx context.Context, e *Engine) (bool, error)
	RemoveDead(ctx context.Context) (int64, error)
}

// OutboxRepository is the contract in spec.md §4.5.
type OutboxRepository interface {
	Store(ctx context.Context, events []DomainEvent, causedBy string) error
	ClaimBatch(ctx context.Context, n int, maxAttempts int) ([]OutboxRecord, error)
	MarkFannedOut(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) error
	ExtractEvents(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]DomainEvent, error)
}

// BotDeliveryTaskRepository is the contract in spec.md §4.6.
type BotDeliveryTaskRepository interface {
	Store(ctx context.Context, tasks []CreateBotDeliveryTask) error
	ClaimBatch(ctx context.Context, n int, maxAttempts int) ([]BotDeliveryTask, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) error
}

// SubscriptionsRepository backs the fan-out planner and the delivery
// worker's recipient lookup.
type SubscriptionsRepository interface {
	MatchSubscriptions(ctx context.Context, eventType EventType, aggregateID uuid.UUID) ([]uuid.UUID, error)
	GetTelegramIDsForSubscriptions(ctx context.Context, subscriptionIDs []uuid.UUID) (map[uuid.UUID]int64, error)
}

// Gateways is the subset of repositories a transactional UoW exposes;
// callers compose the fields they need (spec.md §4.3).
type Gateways struct {
	Engines       EngineRepository
	Outbox        OutboxRepository
	Tasks         BotDeliveryTaskRepository
	Subscriptions SubscriptionsRepository
}

// UnitOfWork opens a per-request transaction boundary and hands the
// caller a set of repository gateways bound to it. fn's return error
// rolls the transaction back; a nil return commits. Commit/rollback/
// close are cancellation-shielded (see internal/infrastructure/postgres.UoW).
type UnitOfWork interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, gw Gateways) error) error
}
