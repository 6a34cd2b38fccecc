// Package bootstrap is the composition root, grounded on
// email-service's internal/bootstrap/wire.go NewApp() (*App, func(),
// error) shape: explicit construction of every dependency, no service
// locator.
package bootstrap

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/baechuer/xraypipe/internal/config"
	"github.com/baechuer/xraypipe/internal/delivery"
	"github.com/baechuer/xraypipe/internal/domain"
	"github.com/baechuer/xraypipe/internal/gc"
	"github.com/baechuer/xraypipe/internal/infrastructure/bot"
	"github.com/baechuer/xraypipe/internal/infrastructure/postgres"
	"github.com/baechuer/xraypipe/internal/infrastructure/restart"
	"github.com/baechuer/xraypipe/internal/infrastructure/streams"
	"github.com/baechuer/xraypipe/internal/metrics"
	"github.com/baechuer/xraypipe/internal/relay"
	"github.com/baechuer/xraypipe/internal/service"
)

// App wires every long-running component of cmd/pipeline.
type App struct {
	cfg *config.Config

	txPool      *pgxpool.Pool
	plainPool   *pgxpool.Pool
	rdb         *redis.Client
	restartPool *restart.Pool

	consumer  *streams.Consumer
	reclaimer *streams.Reclaimer
	relay     *relay.Relay
	delivery  *delivery.Worker
	gc        *gc.Scheduler

	EngineService *service.EngineService
}

func NewApp() (*App, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}

	ctx := context.Background()

	// Two dedicated pools per spec.md §5: one backs the transactional
	// UoW, the other backs the plain/autocommit reads (EngineService's
	// precondition checks, admin CLI lookups). Neither pre-pings on
	// checkout; both recycle connections after PoolMaxConnLifetime.
	txPool, err := newPgxPool(ctx, cfg.DBDSN, cfg.PoolMaxConnLifetime)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: transactional postgres pool: %w", err)
	}
	plainPool, err := newPgxPool(ctx, cfg.DBDSN, cfg.PoolMaxConnLifetime)
	if err != nil {
		txPool.Close()
		return nil, nil, fmt.Errorf("bootstrap: plain postgres pool: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPass, DB: cfg.RedisDB})

	uow := postgres.NewUoW(txPool)
	plain := postgres.PlainGateways(plainPool)

	restartPool := restart.NewPool(restart.Config{
		Insecure:    cfg.RestartInsecure,
		CAFile:      cfg.RestartCAFile,
		CallTimeout: cfg.RestartCallTimeout,
		MaxAttempts: cfg.RestartMaxAttempts,
	})
	restartClient := restart.NewClient(restartPool, restart.Config{CallTimeout: cfg.RestartCallTimeout, MaxAttempts: cfg.RestartMaxAttempts})

	engineSvc := service.NewEngineService(uow, plain, restartClient, log.Logger)

	streamCfg := streams.Config{
		StreamName:  cfg.StreamName,
		GroupName:   cfg.GroupName,
		DLQStream:   cfg.DLQStream,
		KeyPrefix:   cfg.KeyPrefix,
		IdleTimeout: cfg.IdleMS,
		BatchSize:   cfg.StreamBatch,
		Pause:       cfg.StreamPause,
		MaxRetry:    cfg.MaxRetry,
	}
	consumer := streams.NewConsumer(rdb, streamCfg, engineSvc, log.Logger)
	reclaimer := streams.NewReclaimer(rdb, streamCfg, consumer, log.Logger)

	outboxRelay := relay.New(uow, relay.Config{
		BatchSize:   cfg.RelayBatchSize,
		MaxAttempts: cfg.RelayMaxAttempts,
		Pause:       cfg.RelayPause,
	}, log.Logger)

	var publisher bot.Publisher
	if cfg.BotToken != "" {
		tgPublisher, err := bot.NewTelegramPublisher(cfg.BotToken, log.Logger)
		if err != nil {
			return nil, nil, fmt.Errorf("bootstrap: telegram publisher: %w", err)
		}
		publisher = tgPublisher
	} else {
		log.Warn().Msg("TELEGRAM_BOT_TOKEN unset; delivery worker will fail every publish")
		publisher = noopPublisher{}
	}

	deliveryWorker := delivery.New(uow, publisher, delivery.Config{
		BatchSize:   cfg.DeliveryBatchSize,
		MaxAttempts: cfg.DeliveryMaxAttempts,
		Pause:       cfg.DeliveryPause,
	}, log.Logger)

	gcScheduler, err := gc.New(cfg.GCCron, engineSvc, log.Logger)
	if err != nil {
		return nil, nil, fmt.Errorf("bootstrap: gc scheduler: %w", err)
	}

	app := &App{
		cfg:           cfg,
		txPool:        txPool,
		plainPool:     plainPool,
		rdb:           rdb,
		restartPool:   restartPool,
		consumer:      consumer,
		reclaimer:     reclaimer,
		relay:         outboxRelay,
		delivery:      deliveryWorker,
		gc:            gcScheduler,
		EngineService: engineSvc,
	}

	cleanup := func() {
		log.Info().Msg("bootstrap: tearing down resources")
		_ = restartPool.Close()
		_ = rdb.Close()
		txPool.Close()
		plainPool.Close()
	}

	return app, cleanup, nil
}

// newPgxPool builds a pool configured with the given connection
// lifetime; pre-ping on checkout is intentionally left disabled
// (spec.md §5 "pool_pre_ping=false").
func newPgxPool(ctx context.Context, dsn string, maxConnLifetime time.Duration) (*pgxpool.Pool, error) {
	pgxCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pgxCfg.MaxConnLifetime = maxConnLifetime
	return pgxpool.NewWithConfig(ctx, pgxCfg)
}

// Run starts every background component and blocks until ctx is
// cancelled (spec.md §4.9-§4.10: "launched by a supervisor ... stopped
// by cancelling the task on shutdown").
func (a *App) Run(ctx context.Context) error {
	if err := a.consumer.EnsureGroup(ctx); err != nil {
		return err
	}

	a.gc.Start()
	defer a.gc.Stop()

	go supervise(ctx, "ingress", a.consumer.Run)
	go supervise(ctx, "reclaimer", func(ctx context.Context) error { a.reclaimer.Run(ctx); return nil })
	go supervise(ctx, "relay", func(ctx context.Context) error { a.relay.Run(ctx); return nil })
	go supervise(ctx, "delivery", func(ctx context.Context) error { a.delivery.Run(ctx); return nil })

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics listener failed")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	return nil
}

// supervise runs fn in a loop, catching any error it returns or panic
// it raises, logging critically, and restarting — mirroring the
// "supervisor catches all exceptions in the loop body" rule from
// spec.md §4.10.
func supervise(ctx context.Context, name string, fn func(context.Context) error) {
	for {
		if ctx.Err() != nil {
			return
		}
		err := func() (err error) {
			defer func() {
				if p := recover(); p != nil {
					err = fmt.Errorf("panic: %v", p)
				}
			}()
			return fn(ctx)
		}()
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Str("loop", name).Msg("loop exited with error, restarting")
			time.Sleep(time.Second)
		}
	}
}

type noopPublisher struct{}

func (noopPublisher) PublishBatch(ctx context.Context, tasks []domain.PublishBotDeliveryTask) []bool {
	return make([]bool, len(tasks))
}
