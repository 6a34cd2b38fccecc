package postgres

import (
	"context"

	"github.com/google/uuid"

	"github.com/baechuer/xraypipe/internal/domain"
)

// SubscriptionRepository implements domain.SubscriptionsRepository
// against the engine_subscriptions / users reference tables.
type SubscriptionRepository struct {
	q querier
}

func NewSubscriptionRepository(q querier) *SubscriptionRepository {
	return &SubscriptionRepository{q: q}
}

func (r *SubscriptionRepository) MatchSubscriptions(ctx context.Context, eventType domain.EventType, aggregateID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := r.q.Query(ctx, `
		SELECT id FROM engine_subscriptions
		WHERE engine_id = $1 AND event_type_name = $2`,
		aggregateID, string(eventType),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (r *SubscriptionRepository) GetTelegramIDsForSubscriptions(ctx context.Context, subscriptionIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64, len(subscriptionIDs))
	if len(subscriptionIDs) == 0 {
		return out, nil
	}

	rows, err := r.q.Query(ctx, `
		SELECT s.id, u.telegram_id
		FROM engine_subscriptions s
		JOIN users u ON u.id = s.user_id
		WHERE s.id = ANY($1)`,
		subscriptionIDs,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			subID      uuid.UUID
			telegramID int64
		)
		if err := rows.Scan(&subID, &telegramID); err != nil {
			return nil, err
		}
		out[subID] = telegramID
	}
	return out, rows.Err()
}
