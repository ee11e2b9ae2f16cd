package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use TESSARA_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "TESSARA_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "TESSARA_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminAPIKey, "TESSARA_ADMIN_API_KEY")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Logging config
	setIfEnv(&c.Logging.Level, "TESSARA_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "TESSARA_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "TESSARA_ENVIRONMENT")

	// Storage config
	setIfEnv(&c.Storage.Backend, "TESSARA_STORAGE_BACKEND")
	setIfEnv(&c.Storage.PostgresURL, "TESSARA_STORAGE_POSTGRES_URL")
	setIfEnv(&c.Storage.MongoDBURL, "TESSARA_STORAGE_MONGODB_URL")
	setIfEnv(&c.Storage.MongoDBDatabase, "TESSARA_STORAGE_MONGODB_DATABASE")
	setIfEnv(&c.Storage.FilePath, "TESSARA_STORAGE_FILE_PATH")
	setDurationIfEnv(&c.Storage.SessionTTL, "TESSARA_STORAGE_SESSION_TTL")
	setDurationIfEnv(&c.Storage.SweepInterval, "TESSARA_STORAGE_SWEEP_INTERVAL")

	// Confirmation policy
	setFloatIfEnv(&c.Confirmation.TolerancePercent, "TESSARA_CONFIRMATION_TOLERANCE_PERCENT")

	// Settlement config
	setFloatIfEnv(&c.Settlement.FeeThresholdUSD, "TESSARA_SETTLEMENT_FEE_THRESHOLD_USD")
	setInt64IfEnv(&c.Settlement.FeeBasisPoints, "TESSARA_SETTLEMENT_FEE_BASIS_POINTS")

	// Per-currency treasury addresses (TESSARA_TREASURY_BTC=bc1q... -> "BTC")
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "TESSARA_TREASURY_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		code := strings.TrimPrefix(parts[0], "TESSARA_TREASURY_")
		if code == "" || parts[1] == "" {
			continue
		}
		if c.Settlement.TreasuryAddresses == nil {
			c.Settlement.TreasuryAddresses = make(map[string]string)
		}
		c.Settlement.TreasuryAddresses[strings.ToUpper(code)] = parts[1]
	}

	// Per-currency network fee estimates (TESSARA_NETWORK_FEE_BTC=0.0001 -> "BTC")
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "TESSARA_NETWORK_FEE_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		code := strings.TrimPrefix(parts[0], "TESSARA_NETWORK_FEE_")
		if code == "" {
			continue
		}
		fee, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			continue
		}
		if c.Settlement.NetworkFeeEstimates == nil {
			c.Settlement.NetworkFeeEstimates = make(map[string]float64)
		}
		c.Settlement.NetworkFeeEstimates[strings.ToUpper(code)] = fee
	}

	// Reconciliation config
	setBoolIfEnv(&c.Reconcile.Enabled, "TESSARA_RECONCILE_ENABLED")
	setDurationIfEnv(&c.Reconcile.Interval, "TESSARA_RECONCILE_INTERVAL")
	setDurationIfEnv(&c.Reconcile.CallTimeout, "TESSARA_RECONCILE_CALL_TIMEOUT")

	// Signer / chain monitor config
	setIfEnv(&c.Signer.SignerURL, "TESSARA_SIGNER_URL")
	setIfEnv(&c.Signer.MonitorURL, "TESSARA_MONITOR_URL")
	setIfEnv(&c.Signer.APIKey, "TESSARA_SIGNER_API_KEY")
	setDurationIfEnv(&c.Signer.Timeout, "TESSARA_SIGNER_TIMEOUT")
	setIntIfEnv(&c.Signer.MaxRetries, "TESSARA_SIGNER_MAX_RETRIES")

	// Webhook config
	setIfEnv(&c.Webhook.Secret, "TESSARA_WEBHOOK_SECRET")

	// Rate limit config
	setBoolIfEnv(&c.RateLimit.Enabled, "TESSARA_RATE_LIMIT_ENABLED")
	setIntIfEnv(&c.RateLimit.GlobalLimit, "TESSARA_RATE_LIMIT_GLOBAL_LIMIT")
	setIntIfEnv(&c.RateLimit.PerIPLimit, "TESSARA_RATE_LIMIT_PER_IP_LIMIT")

	// Circuit breaker config
	setBoolIfEnv(&c.CircuitBreaker.Enabled, "TESSARA_CIRCUIT_BREAKER_ENABLED")
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setInt64IfEnv sets an int64 pointer from an environment variable.
func setInt64IfEnv(target *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*target = n
		}
	}
}

// setFloatIfEnv sets a float64 pointer from an environment variable.
func setFloatIfEnv(target *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*target = f
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api", "tessara-pay" -> "/tessara-pay"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	// Ensure it starts with /
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	// Ensure it doesn't end with /
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
