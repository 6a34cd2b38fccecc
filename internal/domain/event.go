package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType is a registered domain event name. The registry in this
// file is the explicit substitute for the source's auto-registration
// by class name (see DESIGN.md).
type EventType string

const (
	EventEngineUpdated  EventType = "EngineUpdated"
	EventEngineDead     EventType = "EngineDead"
	EventEngineRestored EventType = "EngineRestored"
)

// eventNamespace seeds every deterministic uuid5 derived in this
// package. It is a fixed, arbitrary UUID — changing it would change
// every id this service has ever produced.
var eventNamespace = uuid.MustParse("6f1b1f0a-9b1a-4c9e-8f1a-2b6d9c5a7e10")

// registeredEvents is the explicit name -> exists table. Deserializing
// an envelope whose event_type is not in this table fails loudly
// rather than silently accepting unknown payload shapes.
var registeredEvents = map[EventType]struct{}{
	EventEngineUpdated:  {},
	EventEngineDead:     {},
	EventEngineRestored: {},
}

// IsRegisteredEventType reports whether name is a known event type.
func IsRegisteredEventType(name EventType) bool {
	_, ok := registeredEvents[name]
	return ok
}

// DomainEvent is the immutable envelope emitted by aggregates and
// persisted into the outbox.
type DomainEvent struct {
	EventType    EventType
	AggregateID  uuid.UUID
	Version      Version
	ID           uuid.UUID
	OccurredAt   time.Time
	Payload      map[string]any
}

// NewDomainEvent builds an event with a deterministic id derived from
// "{aggregate_id}:{version}:{event_type}", so replays of the identical
// (aggregate, version, type) tuple always produce the identical id.
func NewDomainEvent(eventType EventType, aggregateID uuid.UUID, version Version, payload map[string]any, occurredAt time.Time) DomainEvent {
	name := fmt.Sprintf("%s:%s:%s", aggregateID, version, eventType)
	return DomainEvent{
		EventType:   eventType,
		AggregateID: aggregateID,
		Version:     version,
		ID:          uuid.NewSHA1(eventNamespace, []byte(name)),
		OccurredAt:  occurredAt.UTC(),
		Payload:     payload,
	}
}

// eventEnvelope is the wire/JSON shape written to the outbox body.
type eventEnvelope struct {
	EventType   EventType      `json:"event_type"`
	ID          uuid.UUID      `json:"id"`
	AggregateID uuid.UUID      `json:"aggregate_id"`
	Version     string         `json:"version"`
	OccurredAt  time.Time      `json:"occurred_at"`
	Payload     map[string]any `json:"payload"`
}

// MarshalJSON renders the canonical outbound envelope.
func (e DomainEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(eventEnvelope{
		EventType:   e.EventType,
		ID:          e.ID,
		AggregateID: e.AggregateID,
		Version:     e.Version.String(),
		OccurredAt:  e.OccurredAt,
		Payload:     e.Payload,
	})
}

// UnmarshalJSON parses an envelope previously produced by MarshalJSON.
// Unknown event types fail loudly, per the explicit registration table.
func (e *DomainEvent) UnmarshalJSON(data []byte) error {
	var env eventEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	if !IsRegisteredEventType(env.EventType) {
		return fmt.Errorf("domain event: unregistered event_type %q", env.EventType)
	}
	version, err := ParseVersion(env.Version)
	if err != nil {
		return fmt.Errorf("domain event: %w", err)
	}
	e.EventType = env.EventType
	e.ID = env.ID
	e.AggregateID = env.AggregateID
	e.Version = version
	e.OccurredAt = env.OccurredAt
	e.Payload = env.Payload
	return nil
}

// EngineUpdatedPayload returns the payload map for an EngineUpdated event.
func EngineUpdatedPayload(newUUID string, newStatus EngineStatus) map[string]any {
	return map[string]any{"new_uuid": newUUID, "new_status": string(newStatus)}
}

// EngineRestoredPayload returns the payload map for an EngineRestored event.
func EngineRestoredPayload(uuid string, status EngineStatus) map[string]any {
	return map[string]any{"uuid": uuid, "status": string(status)}
}
