package postgres

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/baechuer/xraypipe/internal/domain"
)

// taskNamespace seeds delivery task row ids.
var taskNamespace = uuid.MustParse("2d8f6a10-5c3e-4b8a-9a2e-4e9d1b6c7a21")

func taskRowID(outboxID, subscriptionID uuid.UUID) uuid.UUID {
	return uuid.NewSHA1(taskNamespace, []byte(outboxID.String()+":"+subscriptionID.String()))
}

// TaskRepository implements domain.BotDeliveryTaskRepository. Mirrors
// OutboxRepository's shape (spec.md §4.6).
type TaskRepository struct {
	q querier
}

func NewTaskRepository(q querier) *TaskRepository { return &TaskRepository{q: q} }

func (r *TaskRepository) Store(ctx context.Context, tasks []domain.CreateBotDeliveryTask) error {
	for _, t := range tasks {
		id := taskRowID(t.OutboxID, t.SubscriptionID)
		_, err := r.q.Exec(ctx, `
			INSERT INTO delivery_tasks (id, outbox_id, subscription_id, created_at, next_attempt_at)
			VALUES ($1, $2, $3, now(), now())
			ON CONFLICT (outbox_id, subscription_id) DO NOTHING`,
			id, t.OutboxID, t.SubscriptionID,
		)
		if err != nil {
			return err
		}
	}
	return nil
}

func (r *TaskRepository) ClaimBatch(ctx context.Context, n int, maxAttempts int) ([]domain.BotDeliveryTask, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, outbox_id, subscription_id, published, attempts, created_at, published_at, next_attempt_at
		FROM delivery_tasks
		WHERE published = false
		  AND attempts < $2
		  AND next_attempt_at <= now()
		ORDER BY next_attempt_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED`,
		n, maxAttempts,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.BotDeliveryTask
	for rows.Next() {
		var t domain.BotDeliveryTask
		if err := rows.Scan(&t.ID, &t.OutboxID, &t.SubscriptionID, &t.Published, &t.Attempts, &t.CreatedAt, &t.PublishedAt, &t.NextAttemptAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *TaskRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	_, err := r.q.Exec(ctx, `
		UPDATE delivery_tasks
		SET published = true, published_at = now(), attempts = attempts + 1
		WHERE id = $1`, id)
	return err
}

func (r *TaskRepository) MarkFailed(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) error {
	_, err := r.q.Exec(ctx, `
		UPDATE delivery_tasks
		SET attempts = attempts + 1, next_attempt_at = $2
		WHERE id = $1`, id, nextAttemptAt)
	return err
}

// ComputeTaskBackoff implements the spec's delivery-task schedule:
// next_attempt_at = now + seconds(attempts^2) — deliberately distinct
// from the outbox's (attempts+1)^2 so operators can tell the two
// backoff curves apart (spec.md §4.9 design note).
func ComputeTaskBackoff(attempts int) time.Time {
	return time.Now().Add(time.Duration(attempts*attempts) * time.Second)
}
