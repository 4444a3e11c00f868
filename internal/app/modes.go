package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/optionbook/internal/crypto"
	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/alanyoungcy/optionbook/internal/server"
	"github.com/alanyoungcy/optionbook/internal/server/handler"
	"github.com/alanyoungcy/optionbook/internal/server/ws"
	"github.com/alanyoungcy/optionbook/internal/service"
)

// archiveLockKey is shared by every instance serving the same pair, so only
// one of them exports at a time.
const archiveLockKey = "archive"

// ServerMode runs the HTTP API, the websocket hub, the event workers and the
// custody auditor.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startEventWorkers(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// ArchiveMode periodically exports terminal records to object storage.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startArchiver(ctx, g, deps); err != nil {
		return fmt.Errorf("archive mode: %w", err)
	}
	return g.Wait()
}

// FullMode runs the server and, when object storage is configured, the
// archiver.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startEventWorkers(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps)

	if deps.Archiver != nil {
		if err := a.startArchiver(ctx, g, deps); err != nil {
			return fmt.Errorf("full mode: %w", err)
		}
	} else {
		a.logger.InfoContext(ctx, "archiver not configured, terminal records stay in the store only")
	}

	return g.Wait()
}

// startEventWorkers drains the notification queue and audits custody.
func (a *App) startEventWorkers(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Publisher.Run(ctx)
	})

	var alerter service.Alerter
	if deps.Notifier.Enabled() {
		alerter = deps.Notifier
	}
	auditor := service.NewCustodyAuditor(deps.Engine, deps.Metrics, alerter,
		a.cfg.Custody.AuditInterval.Duration, a.logger)
	g.Go(func() error {
		return auditor.Run(ctx)
	})
}

// startHTTPServer adds the HTTP server and websocket hub goroutines to the
// given errgroup. The server is shut down gracefully when the context is
// cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.SignalBus, ws.Config{
		Pair:           a.cfg.Pair.Name(),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
		StartedAt:      time.Now().UTC(),
	}, a.logger)
	if deps.SignalBus == nil {
		// Without a bus the hub only hears this instance's events.
		deps.Publisher.WithBroadcaster(hub)
	}
	g.Go(func() error {
		return hub.Run(ctx)
	})

	pair := deps.PairInfo()
	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Health, a.logger),
		Options: handler.NewOptionHandler(deps.Engine, pair, a.logger),
		Ledger:  handler.NewLedgerHandler(deps.Ledger, pair, a.logger),
		Fees:    handler.NewFeeHandler(deps.Fees, deps.FeeAdmin, pair, a.logger),
		Metrics: deps.Metrics.Handler(),
	}
	if deps.AuditStore != nil {
		handlers.Audit = handler.NewAuditHandler(deps.AuditStore, a.logger)
	}
	if deps.SignalBus != nil {
		handlers.Events = handler.NewEventsHandler(deps.SignalBus, a.logger)
	}
	if deps.BlobReader != nil {
		root := fmt.Sprintf("archive/%s/options/", a.cfg.Pair.Name())
		handlers.Archive = handler.NewArchiveHandler(deps.BlobReader, root, a.logger)
	}

	verifier := crypto.Verifier{MaxSkew: a.cfg.Server.SignatureMaxSkew.Duration}
	srvDeps := server.Deps{
		Verifier: verifier,
		Nonces:   deps.Nonces,
		Hub:      hub,
	}
	if deps.RateLimiter != nil {
		srvDeps.Limiter = deps.RateLimiter
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		AdminAPIKey:     a.cfg.Server.AdminAPIKey,
		RateLimit:       a.cfg.Server.RateLimit,
		RateLimitWindow: a.cfg.Server.RateLimitWindow.Duration,
		ReplayWindow:    verifier.ReplayWindow(),
	}, handlers, srvDeps, a.logger)

	g.Go(func() error {
		a.logger.InfoContext(ctx, "HTTP server listening",
			slog.Int("port", a.cfg.Server.Port),
			slog.String("pair", a.cfg.Pair.Name()),
			slog.String("custody", deps.Custody.Hex()),
			slog.String("url", fmt.Sprintf("http://localhost:%d", a.cfg.Server.Port)))
		return srv.Start()
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startArchiver runs one archive pass per interval. With redis configured
// each pass holds the pair's archive lock; an instance that finds it held
// skips the pass.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if deps.Archiver == nil {
		return fmt.Errorf("archiver requires s3 and postgres storage")
	}
	interval := a.cfg.Archive.Interval.Duration
	if interval <= 0 {
		interval = time.Hour
	}

	runOnce := func() {
		before := time.Now().UTC().Add(-a.cfg.Archive.Retention.Duration)
		err := a.withLock(ctx, deps, archiveLockKey, func(ctx context.Context) error {
			n, err := deps.Archiver.ArchiveTerminal(ctx, before)
			if n > 0 || err == nil {
				a.logger.InfoContext(ctx, "archive pass finished",
					slog.Int64("archived", n),
					slog.Time("before", before),
				)
			}
			return err
		})
		switch {
		case err == nil:
		case errors.Is(err, domain.ErrLockHeld):
			a.logger.DebugContext(ctx, "archive pass skipped, another instance holds the lock")
		case ctx.Err() != nil:
		default:
			a.logger.ErrorContext(ctx, "archive pass failed", slog.String("error", err.Error()))
		}
	}

	g.Go(func() error {
		runOnce()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				runOnce()
			}
		}
	})

	a.logger.InfoContext(ctx, "archiver started",
		slog.Duration("interval", interval),
		slog.Duration("retention", a.cfg.Archive.Retention.Duration),
	)
	return nil
}

// withLock runs fn while holding a redis lock, extending it every third of
// its TTL. fn's context is cancelled when the lock is lost. Without redis fn
// runs unguarded.
func (a *App) withLock(ctx context.Context, deps *Dependencies, key string, fn func(context.Context) error) error {
	if deps.Locks == nil {
		return fn(ctx)
	}
	ttl := a.cfg.Archive.LockTTL.Duration
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}

	lock, err := deps.Locks.TryLock(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer lock.Release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := lock.Extend(runCtx, ttl); err != nil {
					a.logger.WarnContext(runCtx, "lock lost, aborting",
						slog.String("key", key),
						slog.String("error", err.Error()),
					)
					cancel()
					return
				}
			}
		}
	}()

	return fn(runCtx)
}
