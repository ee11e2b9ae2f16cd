package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/TessaraPay/gateway/internal/config"
	"github.com/TessaraPay/gateway/internal/confirm"
	"github.com/TessaraPay/gateway/internal/idempotency"
	"github.com/TessaraPay/gateway/internal/logger"
	"github.com/TessaraPay/gateway/internal/metrics"
	"github.com/TessaraPay/gateway/internal/ratelimit"
	"github.com/TessaraPay/gateway/internal/reconcile"
	"github.com/TessaraPay/gateway/internal/settlement"
	"github.com/TessaraPay/gateway/internal/storage"
)

var serverStartTime = time.Now()

// Server wires handlers, middleware, and dependencies.
type Server struct {
	handlers
	httpServer *http.Server
}

type handlers struct {
	cfg         *config.Config
	store       storage.SessionStore
	processor   *confirm.Processor
	coordinator *settlement.Coordinator
	scheduler   *reconcile.Scheduler
	metrics     *metrics.Metrics
	logger      zerolog.Logger
}

// New builds the HTTP server with configured router.
func New(cfg *config.Config, store storage.SessionStore, processor *confirm.Processor, coordinator *settlement.Coordinator, scheduler *reconcile.Scheduler, idemStore idempotency.Store, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) *Server {
	router := chi.NewRouter()

	s := &Server{
		handlers: handlers{
			cfg:         cfg,
			store:       store,
			processor:   processor,
			coordinator: coordinator,
			scheduler:   scheduler,
			metrics:     metricsCollector,
			logger:      appLogger,
		},
		httpServer: &http.Server{
			Addr:         cfg.Server.Address,
			ReadTimeout:  cfg.Server.ReadTimeout.Duration,
			WriteTimeout: cfg.Server.WriteTimeout.Duration,
			IdleTimeout:  cfg.Server.IdleTimeout.Duration,
			Handler:      router,
		},
	}

	ConfigureRouter(router, cfg, store, processor, coordinator, scheduler, idemStore, metricsCollector, appLogger)

	return s
}

// ConfigureRouter attaches gateway routes to an existing router. A nil
// idemStore disables Idempotency-Key replay on session creation.
func ConfigureRouter(router chi.Router, cfg *config.Config, store storage.SessionStore, processor *confirm.Processor, coordinator *settlement.Coordinator, scheduler *reconcile.Scheduler, idemStore idempotency.Store, metricsCollector *metrics.Metrics, appLogger zerolog.Logger) {
	if router == nil {
		return
	}

	handler := handlers{
		cfg:         cfg,
		store:       store,
		processor:   processor,
		coordinator: coordinator,
		scheduler:   scheduler,
		metrics:     metricsCollector,
		logger:      appLogger,
	}

	if len(cfg.Server.CORSAllowedOrigins) > 0 {
		router.Use(cors.New(cors.Options{
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"*"},
			ExposedHeaders:   []string{"Location"},
			AllowCredentials: false,
			MaxAge:           300,
		}).Handler)
	}

	// Security headers middleware (applied first for all responses)
	router.Use(securityHeadersMiddleware)

	// Add structured logging middleware (BEFORE RequestID for context propagation)
	router.Use(logger.Middleware(handler.logger))
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	// Rate limiting middleware (applied globally)
	rateLimitCfg := ratelimit.Config{
		GlobalEnabled: cfg.RateLimit.Enabled,
		GlobalLimit:   cfg.RateLimit.GlobalLimit,
		GlobalWindow:  cfg.RateLimit.GlobalWindow.Duration,
		PerIPEnabled:  cfg.RateLimit.Enabled,
		PerIPLimit:    cfg.RateLimit.PerIPLimit,
		PerIPWindow:   cfg.RateLimit.PerIPWindow.Duration,
		Metrics:       handler.metrics,
	}
	router.Use(ratelimit.GlobalLimiter(rateLimitCfg))

	// Apply route prefix if configured
	prefix := cfg.Server.RoutePrefix

	// Lightweight endpoints with 5s timeout (health checks, metrics)
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(5 * time.Second))
		r.Get("/healthz", handler.health)
		// Prometheus metrics endpoint (respects route prefix to avoid conflicts)
		// Protected by the admin API key when one is configured
		r.With(metricsAuth(cfg.Server.AdminAPIKey)).Handle(prefix+"/metrics", promhttp.Handler())
	})

	// Chain notification ingestion. Kept at a stable URL (observers are
	// configured once) with per-IP limiting in front of the secret check.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Use(ratelimit.IPLimiter(rateLimitCfg))
		r.Post(prefix+"/webhooks/chain", handler.handleChainWebhook)
	})

	// Session API
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		createSession := http.HandlerFunc(handler.createSession)
		allocateIndex := http.HandlerFunc(handler.allocateAddressIndex)
		if idemStore != nil {
			replay := idempotency.Middleware(idemStore, 0)
			r.Method(http.MethodPost, prefix+"/sessions", replay(createSession))
			r.Method(http.MethodPost, prefix+"/sessions/address-index", replay(allocateIndex))
		} else {
			r.Post(prefix+"/sessions", createSession)
			r.Post(prefix+"/sessions/address-index", allocateIndex)
		}
		r.Get(prefix+"/sessions", handler.listSessionsByUser)
		r.Get(prefix+"/sessions/{id}", handler.getSession)
		r.Post(prefix+"/sessions/{id}/cancel", handler.cancelSession)
		r.With(adminAuth(cfg.Server.AdminAPIKey)).Delete(prefix+"/sessions/{id}", handler.deleteSession)
	})

	// Admin operations. Settlement sweeps and manual reconciliation can move
	// funds, so these are gated even when the metrics endpoint is open.
	router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(120 * time.Second))
		r.Use(adminAuth(cfg.Server.AdminAPIKey))

		r.Post(prefix+"/admin/collect-fees", handler.collectFees)
		r.Post(prefix+"/admin/reconcile", handler.reconcileNow)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
