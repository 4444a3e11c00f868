package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/optionbook/internal/cache/memory"
	"github.com/alanyoungcy/optionbook/internal/domain"
	"github.com/alanyoungcy/optionbook/internal/server/handler"
	"github.com/alanyoungcy/optionbook/internal/server/middleware"
	"github.com/alanyoungcy/optionbook/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	AdminAPIKey     string // empty disables /api/admin routes
	RateLimit       int    // requests per RateLimitWindow per client; 0 disables
	RateLimitWindow time.Duration
	// ReplayWindow is how long request nonces are remembered; it must cover
	// the signature timestamp window on both sides.
	ReplayWindow time.Duration
}

// defaultReplayWindow applies when no timestamp window bounds a signature.
const defaultReplayWindow = 24 * time.Hour

// Handlers aggregates the route handlers. Optional handlers may be nil and
// their routes are then not registered.
type Handlers struct {
	Health  *handler.HealthHandler
	Options *handler.OptionHandler
	Ledger  *handler.LedgerHandler
	Fees    *handler.FeeHandler
	Audit   *handler.AuditHandler   // optional
	Archive *handler.ArchiveHandler // optional
	Events  *handler.EventsHandler  // optional
	Metrics http.Handler            // optional
}

// Deps are the collaborators of the middleware chain.
type Deps struct {
	Verifier middleware.RequestVerifier
	Limiter  domain.RateLimiter // optional
	Nonces   domain.NonceStore  // in-memory when nil
	Hub      *ws.Hub            // optional
}

// Server is the HTTP and websocket API of one order book.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers every route and wraps the mux in the middleware
// chain: CORS, logging, rate limiting, then signature authentication.
func NewServer(cfg Config, h Handlers, deps Deps, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/pair", h.Options.Pair)
	mux.HandleFunc("GET /api/custody", h.Options.Custody)

	// Book and lifecycle.
	mux.HandleFunc("GET /api/options", h.Options.List)
	mux.HandleFunc("GET /api/options/{id}", h.Options.Get)
	mux.HandleFunc("GET /api/options/{id}/closing-fee", h.Options.ClosingFee)
	mux.HandleFunc("POST /api/orders/ask", h.Options.CreateAsk)
	mux.HandleFunc("POST /api/orders/bid", h.Options.CreateBid)
	mux.HandleFunc("POST /api/orders/ask/{id}/fill", h.Options.FillAsk)
	mux.HandleFunc("POST /api/orders/bid/{id}/fill", h.Options.FillBid)
	mux.HandleFunc("POST /api/orders/{id}/cancel", h.Options.Cancel)
	mux.HandleFunc("POST /api/options/{id}/exercise", h.Options.Exercise)
	mux.HandleFunc("POST /api/options/{id}/claim", h.Options.Claim)
	mux.HandleFunc("POST /api/options/{id}/close", h.Options.Close)

	// Ledger.
	mux.HandleFunc("GET /api/ledger/balances/{asset}/{owner}", h.Ledger.Balance)
	mux.HandleFunc("GET /api/ledger/allowances/{asset}/{owner}", h.Ledger.Allowance)
	mux.HandleFunc("POST /api/ledger/approve", h.Ledger.Approve)

	// Fees.
	mux.HandleFunc("GET /api/fees/quote", h.Fees.Quote)
	mux.HandleFunc("PUT /api/fees/rate", h.Fees.SetRate)
	mux.HandleFunc("PUT /api/fees/supported", h.Fees.SetSupported)
	mux.HandleFunc("PUT /api/fees/recipient", h.Fees.SetRecipient)

	if h.Audit != nil {
		mux.HandleFunc("GET /api/audit", h.Audit.List)
		mux.HandleFunc("GET /api/options/{id}/audit", h.Audit.ListByOption)
	}
	if h.Archive != nil {
		mux.HandleFunc("GET /api/archives", h.Archive.List)
		mux.HandleFunc("GET /api/archives/object", h.Archive.Get)
	}
	if h.Events != nil {
		mux.HandleFunc("GET /api/events", h.Events.List)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if deps.Hub != nil {
		mux.HandleFunc("GET /ws", deps.Hub.HandleWS)
	}

	admin := middleware.AdminKey(cfg.AdminAPIKey)
	mux.Handle("POST /api/admin/mint", admin(http.HandlerFunc(h.Ledger.Mint)))

	var chain http.Handler = mux
	guard := middleware.ReplayGuard{Nonces: deps.Nonces, Window: cfg.ReplayWindow}
	if guard.Nonces == nil {
		guard.Nonces = memory.NewNonces()
	}
	if guard.Window <= 0 {
		guard.Window = defaultReplayWindow
	}
	chain = middleware.Signature(deps.Verifier, guard, "/api/admin/")(chain)
	if deps.Limiter != nil && cfg.RateLimit > 0 {
		window := cfg.RateLimitWindow
		if window <= 0 {
			window = time.Second
		}
		chain = middleware.RateLimit(deps.Limiter, cfg.RateLimit, window, logger)(chain)
	}
	chain = middleware.Logging(logger)(chain)
	chain = middleware.CORS(cfg.CORSOrigins)(chain)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      chain,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the full middleware chain, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server fails or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown waits for in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
