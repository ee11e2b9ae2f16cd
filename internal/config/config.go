package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Storage: StorageConfig{
			SessionTTL:    Duration{Duration: 24 * time.Hour},
			SweepInterval: Duration{Duration: time.Minute},
		},
		Confirmation: ConfirmationConfig{
			TolerancePercent: 2.0,
		},
		Settlement: SettlementConfig{
			FeeThresholdUSD:     250,
			FeeBasisPoints:      250,
			NetworkFeeEstimates: make(map[string]float64),
			TreasuryAddresses:   make(map[string]string),
		},
		Reconcile: ReconcileConfig{
			Enabled:     true,
			Interval:    Duration{Duration: 5 * time.Minute},
			CallTimeout: Duration{Duration: 15 * time.Second},
		},
		Signer: SignerConfig{
			Timeout:    Duration{Duration: 30 * time.Second},
			MaxRetries: 3,
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to absorb bursts, not restrict legitimate use
			Enabled:      true,
			GlobalLimit:  1000,
			GlobalWindow: Duration{Duration: 1 * time.Minute},
			PerIPLimit:   120,
			PerIPWindow:  Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			ChainMonitor: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Signer: BreakerServiceConfig{
				MaxRequests:         1, // One probe at a time against the key holder
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second}, // Slow recovery for the key holder
				ConsecutiveFailures: 3,                                    // Trip fast on transfer failures
				FailureRatio:        0.5,
				MinRequests:         6,
			},
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
