// Package app provides the top-level application lifecycle: it wires
// together stores, caches, services and background loops, runs them under
// one errgroup, and tears everything down on shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okabelanger/streambid/internal/auction"
	"github.com/okabelanger/streambid/internal/billing"
	s3blob "github.com/okabelanger/streambid/internal/blob/s3"
	"github.com/okabelanger/streambid/internal/config"
	"github.com/okabelanger/streambid/internal/coordinator"
	"github.com/okabelanger/streambid/internal/discovery"
	"github.com/okabelanger/streambid/internal/domain"
	"github.com/okabelanger/streambid/internal/server"
	"github.com/okabelanger/streambid/internal/server/handler"
	"github.com/okabelanger/streambid/internal/server/ws"
	"github.com/okabelanger/streambid/internal/session"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
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

// Run is the main entry point. It wires all dependencies, starts the server
// and background loops, and blocks until the context is cancelled or a
// component fails. On return it runs all registered cleanup functions.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	// Core services.
	events := coordinator.NewBusSink(deps.SignalBus)
	slots := auction.NewSessionLocks()

	billingSvc := billing.NewService(
		deps.Billing,
		deps.Sessions,
		deps.Gateway,
		deps.Notifier,
		billing.Config{
			Policy:      domain.ChargePolicy(strings.ToLower(a.cfg.Billing.ChargePolicy)),
			MinBillable: a.cfg.Billing.MinBillable.Duration,
		},
		a.logger,
	)

	auctions := auction.NewRegistry(
		deps.Bids,
		deps.Sessions,
		billingSvc,
		events,
		slots,
		domain.TieBreak(strings.ToLower(a.cfg.Auction.TieBreak)),
		a.logger,
	)

	sessions := session.NewManager(
		deps.Sessions,
		deps.Presence,
		deps.LockManager,
		auctions,
		billingSvc,
		events,
		slots,
		deps.Notifier,
		session.Config{
			MaxDuration:      a.cfg.Session.MaxDuration.Duration,
			DisconnectGrace:  a.cfg.Session.DisconnectGrace.Duration,
			WatchdogInterval: a.cfg.Session.WatchdogInterval.Duration,
		},
		a.logger,
	)

	ranker := discovery.NewRanker(deps.Influencers, deps.Sessions, deps.Presence, a.logger)

	coord := coordinator.New(
		sessions,
		auctions,
		billingSvc,
		ranker,
		deps.RateLimiter,
		coordinator.Config{
			BidRateLimit:  a.cfg.Auction.BidRateLimit,
			BidRateWindow: a.cfg.Auction.BidRateWindow.Duration,
		},
		a.logger,
	)

	reconciler := billing.NewReconciler(
		deps.Billing,
		deps.Sessions,
		deps.Gateway,
		a.cfg.Billing.RetryInterval.Duration,
		a.logger,
	)

	hub := ws.NewHub(deps.SignalBus, deps.Presence, coord, a.logger)

	probes := make(map[string]handler.Probe, len(deps.Probes))
	for name, fn := range deps.Probes {
		probes[name] = fn
	}

	srv := server.NewServer(
		server.Config{
			Port:          a.cfg.Server.Port,
			CORSOrigins:   a.cfg.Server.CORSOrigins,
			AuthSecret:    a.cfg.Server.AuthSecret,
			APIRateLimit:  a.cfg.Server.APIRateLimit,
			APIRateWindow: a.cfg.Server.APIRateWindow.Duration,
		},
		server.Handlers{
			Health:    handler.NewHealthHandler(probes, a.logger),
			Discovery: handler.NewDiscoveryHandler(ranker, a.logger),
			Billing:   handler.NewBillingHandler(billingSvc, a.logger),
		},
		hub,
		deps.RateLimiter,
		a.logger,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return hub.Run(gctx)
	})
	g.Go(func() error {
		return sessions.RunWatchdog(gctx)
	})
	g.Go(func() error {
		return reconciler.Run(gctx)
	})
	if a.cfg.Archive.Enabled && deps.BlobWriter != nil {
		archiver := s3blob.NewArchiver(
			deps.BlobWriter,
			deps.Sessions,
			deps.Billing,
			s3blob.ArchiverConfig{
				Retention: a.cfg.Archive.Retention.Duration,
				Interval:  a.cfg.Archive.Interval.Duration,
				Prune:     a.cfg.Archive.Prune,
			},
			a.logger,
		)
		g.Go(func() error {
			return archiver.Run(gctx)
		})
	}
	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return err
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
