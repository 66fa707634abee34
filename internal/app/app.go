// Package app owns the trade engine lifecycle. It wires the configured
// infrastructure, builds the trade service and its settlement scheduler, and
// runs the HTTP server and background workers until the context is cancelled.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/syntrade/trade-engine/internal/config"
	"github.com/syntrade/trade-engine/internal/ledger"
	"github.com/syntrade/trade-engine/internal/pricefeed"
	"github.com/syntrade/trade-engine/internal/product"
	"github.com/syntrade/trade-engine/internal/retry"
	"github.com/syntrade/trade-engine/internal/scheduler"
	"github.com/syntrade/trade-engine/internal/trade"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Engine is the assembled trade engine: the service, its scheduler and the
// hub that streams lifecycle events.
type Engine struct {
	Service   *trade.Service
	Wallet    *ledger.Wallet
	Scheduler *scheduler.Scheduler
	Hub       *trade.WSHub
}

// Build assembles the engine on top of already wired dependencies.
func Build(cfg *config.Config, deps *Dependencies, logger *slog.Logger) *Engine {
	policy := retry.Policy{
		Attempts:   cfg.Retry.Attempts,
		Delay:      cfg.Retry.Delay.Duration,
		Multiplier: cfg.Retry.Multiplier,
		MaxDelay:   cfg.Retry.MaxDelay.Duration,
	}

	wallet := ledger.NewWallet(deps.Store,
		ledger.WithAlerter(deps.Notifier),
		ledger.WithCompensationPolicy(policy),
		ledger.WithLogger(logger),
	)

	sched := scheduler.New(deps.Store, deps.Locker, deps.Notifier, scheduler.Config{
		Grace:              cfg.Engine.SettlementGrace.Duration,
		SweepInterval:      cfg.Scheduler.SweepInterval.Duration,
		RetryDelay:         cfg.Scheduler.RetryDelay.Duration,
		MaxRetryDelay:      cfg.Scheduler.MaxRetryDelay.Duration,
		AlertAfterAttempts: cfg.Scheduler.AlertAfterAttempts,
		LockTTL:            cfg.Scheduler.LockTTL.Duration,
		FireTimeout:        cfg.Scheduler.FireTimeout.Duration,
	}, logger)

	hub := trade.NewWSHub(logger)

	svc := trade.NewService(trade.Deps{
		Store:     deps.Store,
		Wallet:    wallet,
		Prices:    pricefeed.NewReader(deps.Prices, policy, logger),
		Payouts:   deps.Payouts,
		Scheduler: sched,
		Hub:       hub,
		Logger:    logger,
	}, trade.Config{
		TickInterval:   cfg.Engine.TickInterval.Duration,
		FeedLag:        cfg.Engine.FeedLag.Duration,
		MinWager:       config.Decimal(cfg.Engine.MinWager),
		InitialBalance: config.Decimal(cfg.Engine.InitialBalance),
		MaxTicks:       cfg.Engine.MaxTicks,
	})

	return &Engine{Service: svc, Wallet: wallet, Scheduler: sched, Hub: hub}
}

// Run wires all dependencies, starts the engine and blocks until ctx is
// cancelled or a worker fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting trade engine",
		slog.String("log_level", a.cfg.LogLevel),
		slog.Int("port", a.cfg.Server.Port),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	eng := Build(a.cfg, deps, a.logger)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return eng.Hub.Run(ctx) })
	g.Go(func() error { return eng.Scheduler.Run(ctx, eng.Service.Settle) })

	if a.cfg.Simulator.Enabled {
		sim := pricefeed.NewSimulator(deps.Prices, product.Instruments(),
			a.cfg.Simulator.Start, a.cfg.Simulator.Interval.Duration, a.cfg.Simulator.Seed, a.logger)
		g.Go(func() error { return sim.Run(ctx) })
		a.logger.InfoContext(ctx, "price simulator enabled",
			slog.Duration("interval", a.cfg.Simulator.Interval.Duration))
	}

	if deps.Archiver != nil {
		g.Go(func() error { return deps.Archiver.Run(ctx, a.cfg.S3.ArchiveEvery.Duration) })
		a.logger.InfoContext(ctx, "statement export enabled",
			slog.String("bucket", a.cfg.S3.Bucket),
			slog.Duration("every", a.cfg.S3.ArchiveEvery.Duration))
	}

	a.startHTTPServer(ctx, g, NewRouter(a.cfg, eng))

	return g.Wait()
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
