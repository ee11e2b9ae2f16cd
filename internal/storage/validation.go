package storage

import (
	"fmt"

	"github.com/TessaraPay/gateway/internal/currency"
)

// validateSpec checks a creation request and resolves its currency.
func validateSpec(spec SessionSpec) (currency.Currency, error) {
	if spec.UserID == "" {
		return currency.Currency{}, fmt.Errorf("storage: session spec missing user id")
	}
	if spec.PaymentAddress == "" {
		return currency.Currency{}, fmt.Errorf("storage: session spec missing payment address")
	}
	if spec.ForwardingAddress == "" {
		return currency.Currency{}, fmt.Errorf("storage: session spec missing forwarding address")
	}
	cur, err := currency.Lookup(spec.Currency)
	if err != nil {
		return currency.Currency{}, err
	}
	if spec.ExpectedAmount.IsNegative() {
		return currency.Currency{}, fmt.Errorf("storage: expected amount must not be negative")
	}
	return cur, nil
}
