// Package service orchestrates the two reconciliation use-cases and
// the restart control action on top of the domain aggregate and the
// Unit of Work (spec.md §4.8).
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/baechuer/xraypipe/internal/audit"
	"github.com/baechuer/xraypipe/internal/domain"
)

// EngineInfo is the hset-payload DTO the ingress consumer decodes
// before calling Upsert.
type EngineInfo struct {
	ID      uuid.UUID
	Created time.Time
	Running bool
	UUID    string
	Addr    string
}

// RestartClient is the synchronous restart RPC contract (spec.md §4.11).
type RestartClient interface {
	Restart(ctx context.Context, uuid string, addr string) error
}

// EngineService is the application service: it reconciles the engine
// aggregate and appends outbox events atomically, and drives the
// restart/GC control actions.
type EngineService struct {
	uow     domain.UnitOfWork
	plain   domain.Gateways
	restart RestartClient
	log     zerolog.Logger
	audit   *audit.Logger
}

func NewEngineService(uow domain.UnitOfWork, plain domain.Gateways, restart RestartClient, log zerolog.Logger) *EngineService {
	return &EngineService{
		uow:     uow,
		plain:   plain,
		restart: restart,
		log:     log.With().Str("component", "engine_service").Logger(),
		audit:   audit.New(log),
	}
}

// MarkDead implements spec.md §4.8 "mark_dead".
func (s *EngineService) MarkDead(ctx context.Context, id uuid.UUID, causedBy string, version domain.Version) error {
	var changed bool
	txErr := s.uow.WithTx(ctx, func(ctx context.Context, gw domain.Gateways) error {
		e, err := gw.Engines.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if e == nil {
			return domain.ErrEngineNotExist
		}

		e.MarkDead(version, time.Now())

		changed, err = gw.Engines.Save(ctx, e)
		if err != nil {
			return err
		}
		if !changed {
			return nil
		}
		events := e.PullEvents()
		if len(events) == 0 {
			return nil
		}
		return gw.Outbox.Store(ctx, events, causedBy)
	})
	if txErr != nil {
		return txErr
	}
	if changed {
		s.audit.EngineDead(ctx, id, causedBy)
	}
	return nil
}

// Upsert implements spec.md §4.8 "upsert". A missing aggregate is
// created fresh in READY status regardless of the incoming running
// flag (initial-state conservatism); a DEAD aggregate is restored;
// anything else is a plain update.
func (s *EngineService) Upsert(ctx context.Context, info EngineInfo, causedBy string, version domain.Version) error {
	var changed bool
	var wasRestore bool
	var finalStatus domain.EngineStatus

	txErr := s.uow.WithTx(ctx, func(ctx context.Context, gw domain.Gateways) error {
		e, err := gw.Engines.GetForUpdate(ctx, info.ID)
		if err != nil {
			return err
		}

		now := time.Now()
		if e == nil {
			e = domain.NewEngine(info.ID, domain.EngineReady, info.Created, info.Addr, domain.Version{})
			e.Create(info.UUID, version, now)
		} else if e.Status == domain.EngineDead {
			e.Restore(info.Running, info.UUID, version, now)
			wasRestore = true
		} else {
			e.Update(info.Running, info.UUID, version, now)
		}

		changed, err = gw.Engines.Save(ctx, e)
		if err != nil {
			return err
		}
		finalStatus = e.Status
		if !changed {
			return nil
		}
		events := e.PullEvents()
		if len(events) == 0 {
			return nil
		}
		return gw.Outbox.Store(ctx, events, causedBy)
	})
	if txErr != nil {
		return txErr
	}
	if changed {
		if wasRestore {
			s.audit.EngineRestored(ctx, info.ID, finalStatus, causedBy)
		} else {
			s.audit.EngineUpdated(ctx, info.ID, finalStatus, causedBy)
		}
	}
	return nil
}

// Restart implements spec.md §4.8 "restart": a read-only precondition
// check followed by the synchronous RPC call.
func (s *EngineService) Restart(ctx context.Context, id uuid.UUID, uuid string) error {
	e, err := s.plain.Engines.Get(ctx, id)
	if err != nil {
		return err
	}
	if e == nil {
		return domain.ErrEngineNotExist
	}
	if e.Status == domain.EngineDead {
		return domain.ErrEngineDead
	}
	return s.restart.Restart(ctx, uuid, e.Addr)
}

// RemoveDead implements the admin GC control action (spec.md §6).
func (s *EngineService) RemoveDead(ctx context.Context) (int64, error) {
	return s.plain.Engines.RemoveDead(ctx)
}
