// Package audit logs business-significant aggregate transitions,
// grounded on join-service's internal/audit/logger.go.
package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/baechuer/xraypipe/internal/domain"
)

type Logger struct {
	log zerolog.Logger
}

func New(log zerolog.Logger) *Logger {
	return &Logger{log: log.With().Bool("audit", true).Logger()}
}

func (l *Logger) EngineUpdated(ctx context.Context, id uuid.UUID, status domain.EngineStatus, causedBy string) {
	l.log.Info().
		Str("action", "engine_updated").
		Str("engine_id", id.String()).
		Str("status", string(status)).
		Str("caused_by", causedBy).
		Str("trace_id", traceID(ctx)).
		Msg("engine updated")
}

func (l *Logger) EngineDead(ctx context.Context, id uuid.UUID, causedBy string) {
	l.log.Warn().
		Str("action", "engine_dead").
		Str("engine_id", id.String()).
		Str("caused_by", causedBy).
		Str("trace_id", traceID(ctx)).
		Msg("engine marked dead")
}

func (l *Logger) EngineRestored(ctx context.Context, id uuid.UUID, status domain.EngineStatus, causedBy string) {
	l.log.Info().
		Str("action", "engine_restored").
		Str("engine_id", id.String()).
		Str("status", string(status)).
		Str("caused_by", causedBy).
		Str("trace_id", traceID(ctx)).
		Msg("engine restored")
}

func (l *Logger) OutboxDead(ctx context.Context, outboxID uuid.UUID, attempts int) {
	l.log.Error().
		Str("action", "outbox_dead").
		Str("outbox_id", outboxID.String()).
		Int("attempts", attempts).
		Msg("outbox row parked at max attempts")
}

func (l *Logger) TaskDead(ctx context.Context, taskID uuid.UUID, attempts int) {
	l.log.Error().
		Str("action", "task_dead").
		Str("task_id", taskID.String()).
		Int("attempts", attempts).
		Msg("delivery task parked at max attempts")
}

func traceID(ctx context.Context) string {
	if v := ctx.Value(traceIDKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

type traceIDKey struct{}

// WithTraceID attaches a correlation id to ctx for audit log lines.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey{}, id)
}
