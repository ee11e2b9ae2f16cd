package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Storage        StorageConfig        `yaml:"storage"`
	Confirmation   ConfirmationConfig   `yaml:"confirmation"`
	Settlement     SettlementConfig     `yaml:"settlement"`
	Reconcile      ReconcileConfig      `yaml:"reconcile"`
	Signer         SignerConfig         `yaml:"signer"`
	Webhook        WebhookConfig        `yaml:"webhook"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`  // Optional prefix for all routes (e.g., "/api", "/gateway")
	AdminAPIKey        string   `yaml:"admin_api_key"` // Protects session delete and /admin routes (empty disables them)
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// StorageConfig holds session store backend configuration.
type StorageConfig struct {
	Backend         string   `yaml:"backend"`          // "memory", "postgres", "mongodb", or "file"
	PostgresURL     string   `yaml:"postgres_url"`     // PostgreSQL connection string
	MongoDBURL      string   `yaml:"mongodb_url"`      // MongoDB connection string
	MongoDBDatabase string   `yaml:"mongodb_database"` // MongoDB database name
	FilePath        string   `yaml:"file_path"`        // Path to JSON file for file backend
	SessionTTL      Duration `yaml:"session_ttl"`      // How long unpaid sessions stay open (default: 24h)
	SweepInterval   Duration `yaml:"sweep_interval"`   // How often the expiry sweep runs (default: 1m)
}

// ConfirmationConfig tunes the payment confirmation policy.
type ConfirmationConfig struct {
	TolerancePercent float64 `yaml:"tolerance_percent"` // Allowed expected/received deviation before flagging (default: 2.0)
}

// SettlementConfig holds auto-forwarding and fee collection configuration.
type SettlementConfig struct {
	FeeThresholdUSD     float64            `yaml:"fee_threshold_usd"`     // Payment size at which the service fee applies (default: 250)
	FeeBasisPoints      int64              `yaml:"fee_basis_points"`      // Service fee in basis points, 250 = 2.5% (default: 250)
	NetworkFeeEstimates map[string]float64 `yaml:"network_fee_estimates"` // Per-currency reserve deducted before forwarding
	TreasuryAddresses   map[string]string  `yaml:"treasury_addresses"`    // Per-currency fee collection address
}

// ReconcileConfig holds reconciliation scheduler configuration.
type ReconcileConfig struct {
	Enabled     bool     `yaml:"enabled"`      // Run the background reconciliation loop (default: true)
	Interval    Duration `yaml:"interval"`     // Time between passes (default: 5m)
	CallTimeout Duration `yaml:"call_timeout"` // Bound on each chain monitor call (default: 15s)
}

// SignerConfig holds wallet signer and chain monitor service endpoints.
type SignerConfig struct {
	SignerURL  string   `yaml:"signer_url"`  // Wallet signer service base URL
	MonitorURL string   `yaml:"monitor_url"` // Chain monitor service base URL
	APIKey     string   `yaml:"api_key"`     // Bearer token sent to both services
	Timeout    Duration `yaml:"timeout"`     // Per-request timeout (default: 30s)
	MaxRetries int      `yaml:"max_retries"` // Retry budget for read-only calls (default: 3)
}

// WebhookConfig holds chain notification webhook configuration.
type WebhookConfig struct {
	Secret string `yaml:"secret"` // Shared secret checked against X-Webhook-Secret
}

// RateLimitConfig holds rate limiting configuration for the ingestion surface.
// Limits are generous: the goal is to absorb notification storms, not to
// restrict legitimate observers.
type RateLimitConfig struct {
	Enabled      bool     `yaml:"enabled"`       // Enable rate limiting (default: true)
	GlobalLimit  int      `yaml:"global_limit"`  // Requests allowed per global window (default: 1000)
	GlobalWindow Duration `yaml:"global_window"` // Time window for global limit (default: 1m)
	PerIPLimit   int      `yaml:"per_ip_limit"`  // Requests allowed per IP per window (default: 120)
	PerIPWindow  Duration `yaml:"per_ip_window"` // Time window for per-IP limit (default: 1m)
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
// Prevents cascading failures by failing fast when external services are degraded.
type CircuitBreakerConfig struct {
	Enabled      bool                 `yaml:"enabled"`       // Enable circuit breakers (default: true)
	ChainMonitor BreakerServiceConfig `yaml:"chain_monitor"` // Chain monitor circuit breaker
	Signer       BreakerServiceConfig `yaml:"signer"`        // Wallet signer circuit breaker
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio
}
