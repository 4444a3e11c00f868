// Package app provides the top-level application lifecycle management for the
// option book. It wires together all dependencies (ledger, stores, caches,
// blob storage, the engine and notifications) and starts the appropriate
// goroutines based on the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/optionbook/internal/config"
	"github.com/alanyoungcy/optionbook/internal/domain"
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

// Run is the main entry point. It wires all dependencies, selects the
// operating mode, starts the corresponding goroutines, and blocks until the
// context is cancelled. Close releases what Run acquired.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("pair", a.cfg.Pair.Name()),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)
	a.checkCustody(ctx, deps)

	switch strings.ToLower(a.cfg.Mode) {
	case "server":
		return a.ServerMode(ctx, deps)
	case "archive":
		return a.ArchiveMode(ctx, deps)
	case "full":
		return a.FullMode(ctx, deps)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

// checkCustody compares the restored registry with the ledger once before
// serving. A mismatch is logged but does not stop startup; the custody
// auditor keeps alerting until an operator reconciles it.
func (a *App) checkCustody(ctx context.Context, deps *Dependencies) {
	book := deps.Engine.List(ctx, domain.OptionFilter{})
	report, err := deps.Engine.VerifyCustody(ctx)
	attrs := []any{
		slog.Int("records", len(book)),
		slog.String("custody", deps.Custody.Hex()),
		slog.String("underlying_held", deps.Underlying.FormatWithSymbol(report.Underlying)),
		slog.String("premiums_held", deps.Strike.FormatWithSymbol(report.LockedPremiums)),
	}
	if err != nil {
		a.logger.ErrorContext(ctx, "custody check failed", append(attrs, slog.String("error", err.Error()))...)
		return
	}
	a.logger.InfoContext(ctx, "custody consistent", attrs...)
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
