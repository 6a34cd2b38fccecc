package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/baechuer/xraypipe/internal/domain"
)

// outboxNamespace seeds the deterministic outbox row id
// uuid5(ns, "{caused_by}:{event.id}") (spec.md §3).
var outboxNamespace = uuid.MustParse("1c9c9a3e-2b8e-4a34-9f3a-7a6a2b6e9d40")

// OutboxRepository implements domain.OutboxRepository, grounded on
// join-service's outbox_worker.go claim-then-process shape.
type OutboxRepository struct {
	q querier
}

func NewOutboxRepository(q querier) *OutboxRepository { return &OutboxRepository{q: q} }

func OutboxRowID(causedBy string, eventID uuid.UUID) uuid.UUID {
	name := fmt.Sprintf("%s:%s", causedBy, eventID)
	return uuid.NewSHA1(outboxNamespace, []byte(name))
}

func (r *OutboxRepository) Store(ctx context.Context, events []domain.DomainEvent, causedBy string) error {
	for _, ev := range events {
		id := OutboxRowID(causedBy, ev.ID)
		body, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("outbox: marshal event %s: %w", ev.ID, err)
		}
		_, err = r.q.Exec(ctx, `
			INSERT INTO outbox (id, caused_by, body, created_at, next_attempt_at)
			VALUES ($1, $2, $3, now(), now())
			ON CONFLICT (id) DO NOTHING`,
			id, causedBy, body,
		)
		if err != nil {
			return fmt.Errorf("outbox: store %s: %w", id, err)
		}
	}
	return nil
}

func (r *OutboxRepository) ClaimBatch(ctx context.Context, n int, maxAttempts int) ([]domain.OutboxRecord, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id, caused_by, body, fanned_out, attempts, created_at, fanned_out_at, next_attempt_at
		FROM outbox
		WHERE fanned_out = false
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

	var out []domain.OutboxRecord
	for rows.Next() {
		var (
			rec  domain.OutboxRecord
			body []byte
		)
		if err := rows.Scan(&rec.ID, &rec.CausedBy, &body, &rec.FannedOut, &rec.Attempts, &rec.CreatedAt, &rec.FannedOutAt, &rec.NextAttemptAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(body, &rec.Body); err != nil {
			return nil, fmt.Errorf("outbox: decode row %s: %w", rec.ID, err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (r *OutboxRepository) MarkFannedOut(ctx context.Context, id uuid.UUID) error {
	_, err := r.q.Exec(ctx, `
		UPDATE outbox
		SET fanned_out = true, fanned_out_at = now(), attempts = attempts + 1
		WHERE id = $1`, id)
	return err
}

func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) error {
	_, err := r.q.Exec(ctx, `
		UPDATE outbox
		SET attempts = attempts + 1, next_attempt_at = $2
		WHERE id = $1`, id, nextAttemptAt)
	return err
}

func (r *OutboxRepository) ExtractEvents(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.DomainEvent, error) {
	out := make(map[uuid.UUID]domain.DomainEvent, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rows, err := r.q.Query(ctx, `SELECT id, body FROM outbox WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id   uuid.UUID
			body []byte
		)
		if err := rows.Scan(&id, &body); err != nil {
			return nil, err
		}
		var ev domain.DomainEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			return nil, fmt.Errorf("outbox: decode row %s: %w", id, err)
		}
		out[id] = ev
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ComputeOutboxBackoff implements the quadratic schedule from spec.md
// §4.9: next_attempt_at = now + seconds((attempts+1)^2).
func ComputeOutboxBackoff(attempts int) time.Time {
	return time.Now().Add(time.Duration((attempts+1)*(attempts+1)) * time.Second)
}
