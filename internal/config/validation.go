package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/TessaraPay/gateway/internal/currency"
)

// finalize applies defaults and validates the configuration.
func (c *Config) finalize() error {
	// Apply defaults
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Storage.SessionTTL.Duration <= 0 {
		c.Storage.SessionTTL = Duration{Duration: 24 * time.Hour}
	}
	if c.Storage.SweepInterval.Duration <= 0 {
		c.Storage.SweepInterval = Duration{Duration: time.Minute}
	}
	if c.Confirmation.TolerancePercent <= 0 {
		c.Confirmation.TolerancePercent = 2.0
	}
	if c.Settlement.NetworkFeeEstimates == nil {
		c.Settlement.NetworkFeeEstimates = make(map[string]float64)
	}
	if c.Settlement.TreasuryAddresses == nil {
		c.Settlement.TreasuryAddresses = make(map[string]string)
	}
	if c.Reconcile.Interval.Duration <= 0 {
		c.Reconcile.Interval = Duration{Duration: 5 * time.Minute}
	}
	if c.Reconcile.CallTimeout.Duration <= 0 {
		c.Reconcile.CallTimeout = Duration{Duration: 15 * time.Second}
	}
	if c.Signer.Timeout.Duration <= 0 {
		c.Signer.Timeout = Duration{Duration: 30 * time.Second}
	}
	if c.Signer.MaxRetries < 0 {
		c.Signer.MaxRetries = 0
	}
	if c.RateLimit.GlobalWindow.Duration <= 0 {
		c.RateLimit.GlobalWindow = Duration{Duration: time.Minute}
	}
	if c.RateLimit.PerIPWindow.Duration <= 0 {
		c.RateLimit.PerIPWindow = Duration{Duration: time.Minute}
	}

	// Currency codes in settlement maps are matched case-sensitively against
	// the registry, so normalize them here once.
	c.Settlement.NetworkFeeEstimates = upperKeysFloat(c.Settlement.NetworkFeeEstimates)
	c.Settlement.TreasuryAddresses = upperKeysString(c.Settlement.TreasuryAddresses)

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Storage.Backend {
	case "", "memory", "postgres", "mongodb", "file":
	default:
		errs = append(errs, fmt.Sprintf("storage.backend %q is not one of memory, postgres, mongodb, file", c.Storage.Backend))
	}
	if c.Storage.Backend == "postgres" && c.Storage.PostgresURL == "" {
		errs = append(errs, "storage.postgres_url is required when backend is 'postgres'")
	}
	if c.Storage.Backend == "mongodb" && c.Storage.MongoDBURL == "" {
		errs = append(errs, "storage.mongodb_url is required when backend is 'mongodb'")
	}

	if c.Webhook.Secret == "" {
		errs = append(errs, "webhook.secret is required")
	}
	if c.Signer.SignerURL == "" {
		errs = append(errs, "signer.signer_url is required")
	}
	if c.Signer.MonitorURL == "" {
		errs = append(errs, "signer.monitor_url is required")
	}

	if c.Confirmation.TolerancePercent >= 100 {
		errs = append(errs, fmt.Sprintf("confirmation.tolerance_percent (%.1f) must be below 100", c.Confirmation.TolerancePercent))
	}
	if c.Settlement.FeeBasisPoints < 0 || c.Settlement.FeeBasisPoints > 10000 {
		errs = append(errs, fmt.Sprintf("settlement.fee_basis_points (%d) must be between 0 and 10000", c.Settlement.FeeBasisPoints))
	}
	if c.Settlement.FeeThresholdUSD < 0 {
		errs = append(errs, "settlement.fee_threshold_usd must not be negative")
	}

	// Typos in currency codes would silently disable fee reserves or fee
	// collection for the intended chain, so reject unknown codes outright.
	for _, code := range sortedKeysFloat(c.Settlement.NetworkFeeEstimates) {
		if !currency.IsSupported(code) {
			errs = append(errs, fmt.Sprintf("settlement.network_fee_estimates: unsupported currency %q (supported: %s)", code, supportedCodes()))
		}
	}
	for _, code := range sortedKeysString(c.Settlement.TreasuryAddresses) {
		if !currency.IsSupported(code) {
			errs = append(errs, fmt.Sprintf("settlement.treasury_addresses: unsupported currency %q (supported: %s)", code, supportedCodes()))
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func supportedCodes() string {
	var codes []string
	for _, cur := range currency.Supported() {
		codes = append(codes, cur.Code)
	}
	sort.Strings(codes)
	return strings.Join(codes, ", ")
}

func upperKeysFloat(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}

func upperKeysString(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToUpper(k)] = v
	}
	return out
}

func sortedKeysFloat(in map[string]float64) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedKeysString(in map[string]string) []string {
	keys := make([]string, 0, len(in))
	for k := range in {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
