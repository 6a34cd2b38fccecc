// Package gc schedules the dead-engine garbage collection sweep on a
// cron expression, grounded on zkoranges-go-claw's internal/cron
// scheduler Start/Stop shape, generalized from a tick-and-poll loop to
// robfig/cron/v3's schedule table since GC has a single fixed job
// rather than a store of many user-defined schedules.
package gc

import (
	"context"

	cronlib "github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// EngineService is the subset of service.EngineService the sweep needs.
type EngineService interface {
	RemoveDead(ctx context.Context) (int64, error)
}

// Scheduler runs EngineService.RemoveDead on a cron schedule.
type Scheduler struct {
	cron *cronlib.Cron
	svc  EngineService
	log  zerolog.Logger
}

// New builds a scheduler for the given cron expression (standard
// 5-field form, e.g. the canonical "0 * * * *" default).
func New(spec string, svc EngineService, log zerolog.Logger) (*Scheduler, error) {
	log = log.With().Str("component", "gc_scheduler").Logger()
	c := cronlib.New()
	s := &Scheduler{cron: c, svc: svc, log: log}

	_, err := c.AddFunc(spec, func() {
		n, err := svc.RemoveDead(context.Background())
		if err != nil {
			log.Error().Err(err).Msg("remove_dead sweep failed")
			return
		}
		log.Info().Int64("removed", n).Msg("remove_dead sweep complete")
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Scheduler) Start() { s.cron.Start() }

func (s *Scheduler) Stop() { <-s.cron.Stop().Done() }
