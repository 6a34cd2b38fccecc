package delivery

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baechuer/xraypipe/internal/domain"
)

// fakeGateways is the in-memory stand-in for domain.Gateways this
// package's tests exercise the claim/extract/resolve/mark loop against.
type fakeGateways struct {
	outbox map[uuid.UUID]domain.DomainEvent
	tele   map[uuid.UUID]int64
	tasks  map[uuid.UUID]*domain.BotDeliveryTask
}

func newFakeGateways() *fakeGateways {
	return &fakeGateways{
		outbox: map[uuid.UUID]domain.DomainEvent{},
		tele:   map[uuid.UUID]int64{},
		tasks:  map[uuid.UUID]*domain.BotDeliveryTask{},
	}
}

func (f *fakeGateways) gateways() domain.Gateways {
	return domain.Gateways{
		Outbox:        &fakeOutbox{f},
		Tasks:         &fakeTasks{f},
		Subscriptions: &fakeSubs{f},
	}
}

type fakeOutbox struct{ f *fakeGateways }

func (o *fakeOutbox) Store(ctx context.Context, events []domain.DomainEvent, causedBy string) error {
	return nil
}
func (o *fakeOutbox) ClaimBatch(ctx context.Context, n int, maxAttempts int) ([]domain.OutboxRecord, error) {
	return nil, nil
}
func (o *fakeOutbox) MarkFannedOut(ctx context.Context, id uuid.UUID) error { return nil }
func (o *fakeOutbox) MarkFailed(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) error {
	return nil
}
func (o *fakeOutbox) ExtractEvents(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]domain.DomainEvent, error) {
	out := make(map[uuid.UUID]domain.DomainEvent, len(ids))
	for _, id := range ids {
		if ev, ok := o.f.outbox[id]; ok {
			out[id] = ev
		}
	}
	return out, nil
}

type fakeTasks struct{ f *fakeGateways }

func (t *fakeTasks) Store(ctx context.Context, tasks []domain.CreateBotDeliveryTask) error { return nil }
func (t *fakeTasks) ClaimBatch(ctx context.Context, n int, maxAttempts int) ([]domain.BotDeliveryTask, error) {
	var out []domain.BotDeliveryTask
	for _, task := range t.f.tasks {
		if task.Published {
			continue
		}
		out = append(out, *task)
	}
	return out, nil
}
func (t *fakeTasks) MarkPublished(ctx context.Context, id uuid.UUID) error {
	t.f.tasks[id].Published = true
	return nil
}
func (t *fakeTasks) MarkFailed(ctx context.Context, id uuid.UUID, nextAttemptAt time.Time) error {
	t.f.tasks[id].Attempts++
	t.f.tasks[id].NextAttemptAt = nextAttemptAt
	return nil
}

type fakeSubs struct{ f *fakeGateways }

func (s *fakeSubs) MatchSubscriptions(ctx context.Context, eventType domain.EventType, aggregateID uuid.UUID) ([]uuid.UUID, error) {
	return nil, nil
}
func (s *fakeSubs) GetTelegramIDsForSubscriptions(ctx context.Context, subscriptionIDs []uuid.UUID) (map[uuid.UUID]int64, error) {
	out := make(map[uuid.UUID]int64, len(subscriptionIDs))
	for _, id := range subscriptionIDs {
		if tid, ok := s.f.tele[id]; ok {
			out[id] = tid
		}
	}
	return out, nil
}

type fakeUoW struct{ gw *fakeGateways }

func (u *fakeUoW) WithTx(ctx context.Context, fn func(ctx context.Context, gw domain.Gateways) error) error {
	return fn(ctx, u.gw.gateways())
}

// fakePublisher returns a caller-configured outcome per TaskID, in the
// same order as the tasks it is given, so a test fails if the worker
// marks a task with another task's outcome.
type fakePublisher struct {
	outcomes map[uuid.UUID]bool
}

func (p *fakePublisher) PublishBatch(ctx context.Context, tasks []domain.PublishBotDeliveryTask) []bool {
	out := make([]bool, len(tasks))
	for i, t := range tasks {
		out[i] = p.outcomes[t.TaskID]
	}
	return out
}

func TestDelivery_Iteration_MarksPublishedAndFailedByIdentity(t *testing.T) {
	gw := newFakeGateways()

	taskOK := &domain.BotDeliveryTask{ID: uuid.New(), OutboxID: uuid.New(), SubscriptionID: uuid.New()}
	taskFail := &domain.BotDeliveryTask{ID: uuid.New(), OutboxID: uuid.New(), SubscriptionID: uuid.New()}
	gw.tasks[taskOK.ID] = taskOK
	gw.tasks[taskFail.ID] = taskFail

	ev := domain.NewDomainEvent(domain.EventEngineDead, uuid.New(), domain.Version{TS: 1}, nil, time.Now())
	gw.outbox[taskOK.OutboxID] = ev
	gw.outbox[taskFail.OutboxID] = ev
	gw.tele[taskOK.SubscriptionID] = 111
	gw.tele[taskFail.SubscriptionID] = 222

	pub := &fakePublisher{outcomes: map[uuid.UUID]bool{taskOK.ID: true, taskFail.ID: false}}

	w := New(&fakeUoW{gw}, pub, DefaultConfig(), zerolog.Nop())
	empty, err := w.iteration(context.Background())
	require.NoError(t, err)
	assert.False(t, empty)

	assert.True(t, gw.tasks[taskOK.ID].Published)
	assert.False(t, gw.tasks[taskFail.ID].Published)
	assert.Equal(t, 1, gw.tasks[taskFail.ID].Attempts)
}

func TestDelivery_Iteration_SkipsTaskMissingEventOrRecipient(t *testing.T) {
	gw := newFakeGateways()

	orphan := &domain.BotDeliveryTask{ID: uuid.New(), OutboxID: uuid.New(), SubscriptionID: uuid.New()}
	gw.tasks[orphan.ID] = orphan
	// No matching outbox event and no telegram id registered.

	pub := &fakePublisher{outcomes: map[uuid.UUID]bool{}}
	w := New(&fakeUoW{gw}, pub, DefaultConfig(), zerolog.Nop())

	_, err := w.iteration(context.Background())
	require.NoError(t, err)

	assert.False(t, gw.tasks[orphan.ID].Published)
	assert.Equal(t, 0, gw.tasks[orphan.ID].Attempts)
}

func TestDelivery_Iteration_EmptyBatchReportsEmpty(t *testing.T) {
	gw := newFakeGateways()
	w := New(&fakeUoW{gw}, &fakePublisher{outcomes: map[uuid.UUID]bool{}}, DefaultConfig(), zerolog.Nop())
	empty, err := w.iteration(context.Background())
	require.NoError(t, err)
	assert.True(t, empty)
}
