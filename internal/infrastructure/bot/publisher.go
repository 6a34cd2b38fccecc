// Package bot implements the delivery worker's outbound transport:
// formatting a DomainEvent as a chat message and publishing a batch of
// per-recipient notifications concurrently. Grounded on
// zkoranges-go-claw's TelegramChannel, narrowed from a full two-way
// chat integration down to the one-way notification fan-out the
// delivery worker needs.
package bot

import (
	"context"
	"fmt"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"github.com/baechuer/xraypipe/internal/domain"
)

// Publisher is the bot-transport contract the delivery worker depends
// on (spec.md §4.10 step 6).
type Publisher interface {
	PublishBatch(ctx context.Context, tasks []domain.PublishBotDeliveryTask) []bool
}

// TelegramPublisher sends one message per delivery task, fanning out
// concurrently within a batch so a slow recipient never blocks others.
type TelegramPublisher struct {
	bot *tgbotapi.BotAPI
	log zerolog.Logger
}

func NewTelegramPublisher(token string, log zerolog.Logger) (*TelegramPublisher, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("bot: init failed: %w", err)
	}
	return &TelegramPublisher{bot: bot, log: log.With().Str("component", "telegram_publisher").Logger()}, nil
}

func (p *TelegramPublisher) PublishBatch(ctx context.Context, tasks []domain.PublishBotDeliveryTask) []bool {
	results := make([]bool, len(tasks))

	var wg sync.WaitGroup
	for i, t := range tasks {
		wg.Add(1)
		go func(i int, t domain.PublishBotDeliveryTask) {
			defer wg.Done()
			results[i] = p.publishOne(ctx, t)
		}(i, t)
	}
	wg.Wait()

	return results
}

func (p *TelegramPublisher) publishOne(ctx context.Context, t domain.PublishBotDeliveryTask) bool {
	if ctx.Err() != nil {
		return false
	}
	text := formatEvent(t.Event)
	msg := tgbotapi.NewMessage(t.TelegramID, text)
	if _, err := p.bot.Send(msg); err != nil {
		p.log.Warn().Err(err).Int64("telegram_id", t.TelegramID).Str("task_id", t.TaskID.String()).Msg("send failed")
		return false
	}
	return true
}

func formatEvent(ev domain.DomainEvent) string {
	switch ev.EventType {
	case domain.EventEngineUpdated:
		return fmt.Sprintf("engine %s updated (version %s)", ev.AggregateID, ev.Version)
	case domain.EventEngineDead:
		return fmt.Sprintf("engine %s is down (version %s)", ev.AggregateID, ev.Version)
	case domain.EventEngineRestored:
		return fmt.Sprintf("engine %s restored (version %s)", ev.AggregateID, ev.Version)
	default:
		return fmt.Sprintf("engine %s: %s (version %s)", ev.AggregateID, ev.EventType, ev.Version)
	}
}
