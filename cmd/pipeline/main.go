// Command pipeline is the composition root for the ingress consumer,
// pending-entry reclaimer, outbox relay, delivery worker, and the
// dead-engine GC cron, all sharing one process (spec.md §5; SPEC_FULL §0).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/baechuer/xraypipe/internal/bootstrap"
	"github.com/baechuer/xraypipe/internal/pkg/logger"
)

func main() {
	logger.Init()

	app, cleanup, err := bootstrap.NewApp()
	if err != nil {
		logger.Logger.Fatal().Err(err).Msg("failed to start pipeline")
	}
	defer cleanup()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx); err != nil {
		logger.Logger.Error().Err(err).Msg("pipeline exited with error")
		os.Exit(1)
	}
}
