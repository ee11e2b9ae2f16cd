// Package gateway assembles the payment gateway for standalone serving or
// embedding into an existing chi router.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/TessaraPay/gateway/internal/circuitbreaker"
	"github.com/TessaraPay/gateway/internal/config"
	"github.com/TessaraPay/gateway/internal/confirm"
	"github.com/TessaraPay/gateway/internal/events"
	"github.com/TessaraPay/gateway/internal/httpserver"
	"github.com/TessaraPay/gateway/internal/idempotency"
	"github.com/TessaraPay/gateway/internal/lifecycle"
	"github.com/TessaraPay/gateway/internal/logger"
	"github.com/TessaraPay/gateway/internal/metrics"
	"github.com/TessaraPay/gateway/internal/reconcile"
	"github.com/TessaraPay/gateway/internal/settlement"
	"github.com/TessaraPay/gateway/internal/signer"
	"github.com/TessaraPay/gateway/internal/storage"
)

// shutdownGrace bounds how long in-flight requests get to finish on stop.
const shutdownGrace = 15 * time.Second

// App wires the gateway components: storage, the observation pipeline,
// settlement, reconciliation, and the HTTP surface.
type App struct {
	Config      *config.Config
	Store       storage.SessionStore
	Wallet      signer.Signer
	Monitor     signer.ChainMonitor
	Bus         *events.Bus
	Processor   *confirm.Processor
	Coordinator *settlement.Coordinator
	Scheduler   *reconcile.Scheduler

	router           chi.Router
	resourceManager  *lifecycle.Manager
	metricsCollector *metrics.Metrics
	logger           zerolog.Logger
}

// Option configures App construction.
type Option func(*options)

type options struct {
	store   storage.SessionStore
	wallet  signer.Signer
	monitor signer.ChainMonitor
	router  chi.Router
}

// WithStore sets a custom session store.
func WithStore(store storage.SessionStore) Option {
	return func(o *options) {
		o.store = store
	}
}

// WithSigner injects a custom wallet signer.
func WithSigner(wallet signer.Signer) Option {
	return func(o *options) {
		o.wallet = wallet
	}
}

// WithChainMonitor injects a custom chain monitor.
func WithChainMonitor(monitor signer.ChainMonitor) Option {
	return func(o *options) {
		o.monitor = monitor
	}
}

// WithRouter registers gateway routes onto an existing chi.Router.
func WithRouter(router chi.Router) Option {
	return func(o *options) {
		o.router = router
	}
}

// NewApp assembles the gateway services.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("gateway: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "tessara-gateway",
		Environment: cfg.Logging.Environment,
	})

	app := &App{
		Config:          cfg,
		resourceManager: lifecycle.NewManager(),
		logger:          appLogger,
	}

	metricsCollector := metrics.New(prometheus.DefaultRegisterer)
	app.metricsCollector = metricsCollector

	if optState.store != nil {
		app.Store = optState.store
	} else {
		store, err := storage.NewStore(storage.Config{
			Backend:         cfg.Storage.Backend,
			PostgresURL:     cfg.Storage.PostgresURL,
			MongoDBURL:      cfg.Storage.MongoDBURL,
			MongoDBDatabase: cfg.Storage.MongoDBDatabase,
			FilePath:        cfg.Storage.FilePath,
			SessionTTL:      cfg.Storage.SessionTTL.Duration,
			SweepInterval:   cfg.Storage.SweepInterval.Duration,
			Metrics:         metricsCollector,
		})
		if err != nil {
			return nil, fmt.Errorf("init storage: %w", err)
		}
		app.Store = store
		app.resourceManager.Register("storage", store)
	}

	breakers := circuitbreaker.NewManager(breakerConfig(cfg.CircuitBreaker))

	httpClient := signer.NewHTTPClient(signer.HTTPConfig{
		SignerURL:  cfg.Signer.SignerURL,
		MonitorURL: cfg.Signer.MonitorURL,
		APIKey:     cfg.Signer.APIKey,
		Timeout:    cfg.Signer.Timeout.Duration,
		MaxRetries: cfg.Signer.MaxRetries,
	}, appLogger)

	if optState.wallet != nil {
		app.Wallet = optState.wallet
	} else {
		app.Wallet = signer.NewGuarded(httpClient, breakers, metricsCollector)
	}
	if optState.monitor != nil {
		app.Monitor = optState.monitor
	} else {
		app.Monitor = httpClient
	}

	app.Bus = events.NewBus(appLogger)

	metricsHook := events.NewMetricsHook(metricsCollector)
	app.Bus.RegisterPaymentHook(metricsHook)
	app.Bus.RegisterSettlementHook(metricsHook)

	app.Processor = confirm.NewProcessor(app.Store, app.Bus, confirm.Config{
		TolerancePercent: cfg.Confirmation.TolerancePercent,
	}, appLogger)

	app.Coordinator = settlement.NewCoordinator(app.Store, app.Wallet, app.Bus,
		settlementConfig(cfg.Settlement), appLogger).WithChainMonitor(app.Monitor)
	app.Bus.RegisterPaymentHook(app.Coordinator)

	app.Scheduler = reconcile.NewScheduler(app.Store, app.Processor, app.Coordinator,
		app.Monitor, breakers, metricsCollector, reconcile.Config{
			Interval:    cfg.Reconcile.Interval.Duration,
			CallTimeout: cfg.Reconcile.CallTimeout.Duration,
		}, appLogger)

	idemStore := idempotency.NewMemoryStore()
	app.resourceManager.RegisterFunc("idempotency-store", func() error {
		idemStore.Stop()
		return nil
	})

	if optState.router != nil {
		app.router = optState.router
	} else {
		app.router = chi.NewRouter()
	}
	httpserver.ConfigureRouter(app.router, cfg, app.Store, app.Processor,
		app.Coordinator, app.Scheduler, idemStore, metricsCollector, appLogger)

	return app, nil
}

// Router returns the chi router with gateway routes registered.
func (a *App) Router() chi.Router {
	return a.router
}

// Handler exposes the router as an http.Handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Run serves HTTP and drives the reconciliation loop until ctx is cancelled,
// then shuts both down gracefully.
func (a *App) Run(ctx context.Context) error {
	if a.Config.Reconcile.Enabled {
		a.Scheduler.Start(ctx)
		defer a.Scheduler.Stop()
	}

	srv := &http.Server{
		Addr:         a.Config.Server.Address,
		ReadTimeout:  a.Config.Server.ReadTimeout.Duration,
		WriteTimeout: a.Config.Server.WriteTimeout.Duration,
		IdleTimeout:  a.Config.Server.IdleTimeout.Duration,
		Handler:      a.router,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info().
			Str("address", srv.Addr).
			Msg("gateway.listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	a.logger.Info().Msg("gateway.stopped")
	return nil
}

// Close releases resources owned by the app.
func (a *App) Close() error {
	return a.resourceManager.Close()
}

func breakerConfig(cfg config.CircuitBreakerConfig) circuitbreaker.Config {
	return circuitbreaker.Config{
		Enabled:      cfg.Enabled,
		ChainMonitor: breakerService(cfg.ChainMonitor),
		Signer:       breakerService(cfg.Signer),
	}
}

func breakerService(cfg config.BreakerServiceConfig) circuitbreaker.BreakerConfig {
	return circuitbreaker.BreakerConfig{
		MaxRequests:         cfg.MaxRequests,
		Interval:            cfg.Interval.Duration,
		Timeout:             cfg.Timeout.Duration,
		ConsecutiveFailures: cfg.ConsecutiveFailures,
		FailureRatio:        cfg.FailureRatio,
		MinRequests:         cfg.MinRequests,
	}
}

func settlementConfig(cfg config.SettlementConfig) settlement.Config {
	estimates := make(map[string]decimal.Decimal, len(cfg.NetworkFeeEstimates))
	for code, amount := range cfg.NetworkFeeEstimates {
		estimates[code] = decimal.NewFromFloat(amount)
	}
	return settlement.Config{
		FeeThresholdUSD:     decimal.NewFromFloat(cfg.FeeThresholdUSD),
		FeeBasisPoints:      cfg.FeeBasisPoints,
		NetworkFeeEstimates: estimates,
		TreasuryAddresses:   cfg.TreasuryAddresses,
	}
}

// Config is an exported alias of the internal configuration struct for
// embedding use.
type Config = config.Config

// LoadConfig wraps the internal loader for consumers embedding the gateway.
func LoadConfig(path string) (*config.Config, error) {
	return config.Load(path)
}
