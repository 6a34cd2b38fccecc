//go:build integration
// +build integration

package postgres_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/xraypipe/internal/domain"
	"github.com/baechuer/xraypipe/internal/infrastructure/postgres"
)

// setupPool truncates every table this package's repositories touch
// and returns a fresh pool, grounded on join-service's
// repository_test.go setupRepo helper (TEST_DB_DSN env var, skip if
// unset, RESTART IDENTITY CASCADE between tests).
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("Skipping integration test: TEST_DB_DSN not set")
	}
	pool, err := pgxpool.New(context.Background(), dsn)
	require.NoError(t, err)

	_, err = pool.Exec(context.Background(),
		"TRUNCATE TABLE delivery_tasks, outbox, engine_subscriptions, users, engines RESTART IDENTITY CASCADE")
	require.NoError(t, err)

	return pool
}

func TestEngineRepository_Save_FirstInsert(t *testing.T) {
	pool := setupPool(t)
	defer pool.Close()
	repo := postgres.NewEngineRepository(pool)
	ctx := context.Background()

	e := domain.NewEngine(uuid.New(), domain.EngineReady, time.Now(), "10.0.0.1:9000", domain.Version{})
	e.Update(true, uuid.NewString(), domain.Version{TS: 1, Seq: 0}, time.Now())

	changed, err := repo.Save(ctx, e)
	require.NoError(t, err)
	require.True(t, changed)

	got, err := repo.Get(ctx, e.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, e.UUID, got.UUID)
	require.Equal(t, domain.EngineStatus("ACTIVE"), got.Status)
}

func TestEngineRepository_Save_StaleVersionRejected(t *testing.T) {
	pool := setupPool(t)
	defer pool.Close()
	repo := postgres.NewEngineRepository(pool)
	ctx := context.Background()

	id := uuid.New()
	e := domain.NewEngine(id, domain.EngineReady, time.Now(), "10.0.0.1:9000", domain.Version{})
	e.Update(true, "uuid-a", domain.Version{TS: 5, Seq: 0}, time.Now())
	changed, err := repo.Save(ctx, e)
	require.NoError(t, err)
	require.True(t, changed)

	// A replay carrying the same or an older version must be a no-op.
	stale := domain.NewEngine(id, domain.EngineReady, time.Now(), "10.0.0.1:9000", domain.Version{})
	stale.Update(true, "uuid-b", domain.Version{TS: 5, Seq: 0}, time.Now())
	changed, err = repo.Save(ctx, stale)
	require.NoError(t, err)
	require.False(t, changed)

	got, err := repo.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "uuid-a", got.UUID)
}

func TestEngineRepository_RemoveDead(t *testing.T) {
	pool := setupPool(t)
	defer pool.Close()
	repo := postgres.NewEngineRepository(pool)
	ctx := context.Background()

	alive := domain.NewEngine(uuid.New(), domain.EngineReady, time.Now(), "a", domain.Version{})
	alive.Update(true, "u1", domain.Version{TS: 1}, time.Now())
	_, err := repo.Save(ctx, alive)
	require.NoError(t, err)

	dead := domain.NewEngine(uuid.New(), domain.EngineReady, time.Now(), "b", domain.Version{})
	dead.MarkDead(domain.Version{TS: 2}, time.Now())
	_, err = repo.Save(ctx, dead)
	require.NoError(t, err)

	n, err := repo.RemoveDead(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := repo.Get(ctx, alive.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	got, err = repo.Get(ctx, dead.ID)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestOutboxRepository_StoreClaimMark(t *testing.T) {
	pool := setupPool(t)
	defer pool.Close()
	repo := postgres.NewOutboxRepository(pool)
	ctx := context.Background()

	ev := domain.NewDomainEvent(domain.EventEngineUpdated, uuid.New(), domain.Version{TS: 1}, map[string]any{"running": true}, time.Now())
	require.NoError(t, repo.Store(ctx, []domain.DomainEvent{ev}, "stream:10-0"))

	// Storing the same (caused_by, event id) pair twice must be idempotent.
	require.NoError(t, repo.Store(ctx, []domain.DomainEvent{ev}, "stream:10-0"))

	batch, err := repo.ClaimBatch(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	require.Equal(t, "stream:10-0", batch[0].CausedBy)

	events, err := repo.ExtractEvents(ctx, []uuid.UUID{batch[0].ID})
	require.NoError(t, err)
	require.Equal(t, ev.ID, events[batch[0].ID].ID)

	require.NoError(t, repo.MarkFannedOut(ctx, batch[0].ID))

	batch, err = repo.ClaimBatch(ctx, 10, 5)
	require.NoError(t, err)
	require.Empty(t, batch)
}

func TestOutboxRepository_MarkFailed_RespectsMaxAttempts(t *testing.T) {
	pool := setupPool(t)
	defer pool.Close()
	repo := postgres.NewOutboxRepository(pool)
	ctx := context.Background()

	ev := domain.NewDomainEvent(domain.EventEngineDead, uuid.New(), domain.Version{TS: 1}, nil, time.Now())
	require.NoError(t, repo.Store(ctx, []domain.DomainEvent{ev}, "stream:20-0"))

	batch, err := repo.ClaimBatch(ctx, 10, 1)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// next_attempt_at in the past so it is immediately reclaimable.
	require.NoError(t, repo.MarkFailed(ctx, batch[0].ID, time.Now().Add(-time.Second)))

	batch, err = repo.ClaimBatch(ctx, 10, 1)
	require.NoError(t, err, "attempts (1) is no longer < maxAttempts (1), row should be excluded")
	require.Empty(t, batch)
}

func TestTaskRepository_StoreClaimMark(t *testing.T) {
	pool := setupPool(t)
	defer pool.Close()
	outboxRepo := postgres.NewOutboxRepository(pool)
	taskRepo := postgres.NewTaskRepository(pool)
	ctx := context.Background()

	ev := domain.NewDomainEvent(domain.EventEngineRestored, uuid.New(), domain.Version{TS: 1}, nil, time.Now())
	require.NoError(t, outboxRepo.Store(ctx, []domain.DomainEvent{ev}, "stream:30-0"))
	outboxBatch, err := outboxRepo.ClaimBatch(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, outboxBatch, 1)

	userID := uuid.New()
	_, err = pool.Exec(ctx, `INSERT INTO users (id, telegram_id) VALUES ($1, $2)`, userID, int64(123))
	require.NoError(t, err)
	subID := uuid.New()
	_, err = pool.Exec(ctx, `
		INSERT INTO engine_subscriptions (id, user_id, engine_id, event_type_name)
		VALUES ($1, $2, $3, $4)`,
		subID, userID, ev.AggregateID, string(ev.EventType))
	require.NoError(t, err)

	require.NoError(t, taskRepo.Store(ctx, []domain.CreateBotDeliveryTask{
		{OutboxID: outboxBatch[0].ID, SubscriptionID: subID},
	}))
	// Idempotent on (outbox_id, subscription_id).
	require.NoError(t, taskRepo.Store(ctx, []domain.CreateBotDeliveryTask{
		{OutboxID: outboxBatch[0].ID, SubscriptionID: subID},
	}))

	taskBatch, err := taskRepo.ClaimBatch(ctx, 10, 5)
	require.NoError(t, err)
	require.Len(t, taskBatch, 1)
	require.Equal(t, subID, taskBatch[0].SubscriptionID)

	require.NoError(t, taskRepo.MarkPublished(ctx, taskBatch[0].ID))

	taskBatch, err = taskRepo.ClaimBatch(ctx, 10, 5)
	require.NoError(t, err)
	require.Empty(t, taskBatch)
}

func TestSubscriptionRepository_MatchAndResolveTelegramIDs(t *testing.T) {
	pool := setupPool(t)
	defer pool.Close()
	repo := postgres.NewSubscriptionRepository(pool)
	ctx := context.Background()

	userID := uuid.New()
	_, err := pool.Exec(ctx, `INSERT INTO users (id, telegram_id) VALUES ($1, $2)`, userID, int64(555000111))
	require.NoError(t, err)

	engineID := uuid.New()
	subID := uuid.New()
	_, err = pool.Exec(ctx, `
		INSERT INTO engine_subscriptions (id, user_id, engine_id, event_type_name)
		VALUES ($1, $2, $3, $4)`,
		subID, userID, engineID, string(domain.EventEngineDead))
	require.NoError(t, err)

	matched, err := repo.MatchSubscriptions(ctx, domain.EventEngineDead, engineID)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{subID}, matched)

	// A different event type on the same engine must not match.
	matched, err = repo.MatchSubscriptions(ctx, domain.EventEngineUpdated, engineID)
	require.NoError(t, err)
	require.Empty(t, matched)

	ids, err := repo.GetTelegramIDsForSubscriptions(ctx, []uuid.UUID{subID})
	require.NoError(t, err)
	require.Equal(t, int64(555000111), ids[subID])
}

func TestUoW_WithTx_RollsBackOnError(t *testing.T) {
	pool := setupPool(t)
	defer pool.Close()
	uow := postgres.NewUoW(pool)
	plain := postgres.PlainGateways(pool)
	ctx := context.Background()

	id := uuid.New()
	err := uow.WithTx(ctx, func(ctx context.Context, gw domain.Gateways) error {
		e := domain.NewEngine(id, domain.EngineReady, time.Now(), "x", domain.Version{})
		e.Update(true, "u", domain.Version{TS: 1}, time.Now())
		if _, err := gw.Engines.Save(ctx, e); err != nil {
			return err
		}
		return context.DeadlineExceeded
	})
	require.Error(t, err)

	got, err := plain.Engines.Get(ctx, id)
	require.NoError(t, err)
	require.Nil(t, got, "rolled-back transaction must not leave the row behind")
}
