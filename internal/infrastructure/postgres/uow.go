package postgres

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/baechuer/xraypipe/internal/domain"
)

// UoW opens a per-call transaction and hands the caller repository
// gateways bound to it (spec.md §4.3). Commit/rollback are shielded
// from the caller's cancellation: once the transaction body returns,
// finalization always runs to completion so a session is never left
// half-closed.
type UoW struct {
	pool *pgxpool.Pool
}

// NewUoW wraps a transactional connection pool.
func NewUoW(pool *pgxpool.Pool) *UoW {
	return &UoW{pool: pool}
}

func (u *UoW) WithTx(ctx context.Context, fn func(ctx context.Context, gw domain.Gateways) error) error {
	tx, err := u.pool.Begin(ctx)
	if err != nil {
		return err
	}

	gw := domain.Gateways{
		Engines:       &EngineRepository{q: tx},
		Outbox:        &OutboxRepository{q: tx},
		Tasks:         &TaskRepository{q: tx},
		Subscriptions: &SubscriptionRepository{q: tx},
	}

	fnErr := fn(ctx, gw)

	// Cancellation-shielded finalize: the transaction must be fully
	// committed or rolled back even if the caller's context was
	// cancelled while fn ran.
	finalizeCtx := context.WithoutCancel(ctx)
	if fnErr != nil {
		_ = tx.Rollback(finalizeCtx)
		return fnErr
	}
	if err := tx.Commit(finalizeCtx); err != nil {
		_ = tx.Rollback(finalizeCtx)
		return err
	}
	return nil
}

// PlainGateways builds repository gateways bound directly to the pool
// (autocommit), for read-only lookups and single-statement writes that
// don't need a transaction boundary.
func PlainGateways(pool *pgxpool.Pool) domain.Gateways {
	return domain.Gateways{
		Engines:       &EngineRepository{q: pool},
		Outbox:        &OutboxRepository{q: pool},
		Tasks:         &TaskRepository{q: pool},
		Subscriptions: &SubscriptionRepository{q: pool},
	}
}
