package signer

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/TessaraPay/gateway/internal/circuitbreaker"
	"github.com/TessaraPay/gateway/internal/metrics"
)

// Guarded wraps a Signer with circuit breaker protection and call metrics.
// A failing key holder trips the breaker and stops receiving transfers
// instead of stacking up timeouts.
type Guarded struct {
	inner    Signer
	breakers *circuitbreaker.Manager
	metrics  *metrics.Metrics
}

// NewGuarded wraps inner. The metrics collector may be nil.
func NewGuarded(inner Signer, breakers *circuitbreaker.Manager, m *metrics.Metrics) *Guarded {
	return &Guarded{inner: inner, breakers: breakers, metrics: m}
}

func (g *Guarded) Transfer(ctx context.Context, currency string, addressIndex uint32, destination string, amount decimal.Decimal) (TransferReceipt, error) {
	result, err := g.breakers.Execute(circuitbreaker.ServiceSigner, func() (interface{}, error) {
		return g.inner.Transfer(ctx, currency, addressIndex, destination, amount)
	})
	if g.metrics != nil {
		g.metrics.ObserveSignerCall("transfer", err)
	}
	if err != nil {
		return TransferReceipt{}, err
	}
	return result.(TransferReceipt), nil
}

func (g *Guarded) ConsolidateUTXOs(ctx context.Context, currency string, inputs []FeeInput, treasury string) (TransferReceipt, error) {
	result, err := g.breakers.Execute(circuitbreaker.ServiceSigner, func() (interface{}, error) {
		return g.inner.ConsolidateUTXOs(ctx, currency, inputs, treasury)
	})
	if g.metrics != nil {
		g.metrics.ObserveSignerCall("consolidate_utxos", err)
	}
	if err != nil {
		return TransferReceipt{}, err
	}
	return result.(TransferReceipt), nil
}
