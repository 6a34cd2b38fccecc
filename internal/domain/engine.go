package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// EngineStatus is the lifecycle state of an Engine aggregate.
type EngineStatus string

const (
	EngineActive EngineStatus = "ACTIVE"
	EngineReady  EngineStatus = "READY"
	EngineDead   EngineStatus = "DEAD"
)

var (
	ErrEngineNotExist = errors.New("engine does not exist")
	ErrEngineDead     = errors.New("engine is dead")
)

// UUIDMismatchError is returned when a restart reply's uuid does not
// match the uuid that was sent.
type UUIDMismatchError struct {
	Expected string
	Received string
}

func (e *UUIDMismatchError) Error() string {
	return "restart rpc: uuid mismatch: expected " + e.Expected + ", got " + e.Received
}

// Engine is the aggregate root for one fleet member. Status only moves
// via the methods below; Version is non-decreasing; Addr and Created
// are immutable after insert.
type Engine struct {
	ID      uuid.UUID
	UUID    string
	Status  EngineStatus
	Created time.Time
	Addr    string
	Version Version

	events []DomainEvent
}

// NewEngine constructs a brand new aggregate in the given status at
// the given version, with no buffered events (the caller — EngineService
// — decides whether a creation event is warranted).
func NewEngine(id uuid.UUID, status EngineStatus, created time.Time, addr string, version Version) *Engine {
	return &Engine{
		ID:      id,
		Status:  status,
		Created: created,
		Addr:    addr,
		Version: version,
	}
}

// PullEvents returns and clears the events buffered since the last
// call.
func (e *Engine) PullEvents() []DomainEvent {
	out := e.events
	e.events = nil
	return out
}

func (e *Engine) record(ev DomainEvent) {
	e.events = append(e.events, ev)
}

// Update applies an hset-derived observation: running decides
// ACTIVE/READY, uuid may rotate the access key. A no-op update (same
// status and uuid at a newer version) still advances Version but emits no
// event, to avoid event spam from duplicate hset notifications.
func (e *Engine) Update(running bool, uuid string, version Version, now time.Time) bool {
	if !e.versionAdvances(version) {
		return false
	}

	newStatus := EngineReady
	if running {
		newStatus = EngineActive
	}

	noop := newStatus == e.Status && uuid == e.UUID
	e.Status = newStatus
	e.UUID = uuid
	e.Version = version

	if !noop {
		e.record(NewDomainEvent(EventEngineUpdated, e.ID, version, EngineUpdatedPayload(uuid, newStatus), now))
	}
	return true
}

// Create applies the first-observed hset for a previously-absent
// aggregate: status is always READY regardless of the incoming running
// flag (a brand-new engine is conservatively assumed not yet confirmed
// active), while uuid and version still advance and EngineUpdated is
// still emitted.
func (e *Engine) Create(uuid string, version Version, now time.Time) bool {
	if !e.versionAdvances(version) {
		return false
	}
	e.Status = EngineReady
	e.UUID = uuid
	e.Version = version
	e.record(NewDomainEvent(EventEngineUpdated, e.ID, version, EngineUpdatedPayload(uuid, EngineReady), now))
	return true
}

// MarkDead transitions the aggregate to DEAD and always emits
// EngineDead (no no-op suppression — a dead transition is always
// notable).
func (e *Engine) MarkDead(version Version, now time.Time) bool {
	if !e.versionAdvances(version) {
		return false
	}
	e.Status = EngineDead
	e.Version = version
	e.record(NewDomainEvent(EventEngineDead, e.ID, version, map[string]any{}, now))
	return true
}

// Restore moves a DEAD engine back to ACTIVE/READY and emits
// EngineRestored.
func (e *Engine) Restore(running bool, uuid string, version Version, now time.Time) bool {
	if !e.versionAdvances(version) {
		return false
	}
	newStatus := EngineReady
	if running {
		newStatus = EngineActive
	}
	e.Status = newStatus
	e.UUID = uuid
	e.Version = version
	e.record(NewDomainEvent(EventEngineRestored, e.ID, version, EngineRestoredPayload(uuid, newStatus), now))
	return true
}

// versionAdvances is the shared "incoming.version > self.version"
// guard used by Update, Create, MarkDead and Restore.
func (e *Engine) versionAdvances(version Version) bool {
	return e.Version.Less(version)
}
