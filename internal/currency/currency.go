package currency

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Kind distinguishes UTXO-style assets (fee collection can batch many inputs
// into one consolidating transaction) from account-style assets (one transfer
// per session, no batching primitive exists).
type Kind string

const (
	KindUTXO    Kind = "utxo"
	KindAccount Kind = "account"
)

// Currency describes one supported chain/asset tag. The tag implies the
// confirmation threshold a payment must reach and the smallest-unit divisor
// used when converting chain amounts.
type Currency struct {
	Code                  string
	Name                  string
	Decimals              int32
	RequiredConfirmations int
	Kind                  Kind
}

// ErrUnsupported is returned for currency codes outside the closed set.
var ErrUnsupported = fmt.Errorf("currency: unsupported code")

var registry = map[string]Currency{
	"BTC":  {Code: "BTC", Name: "Bitcoin", Decimals: 8, RequiredConfirmations: 3, Kind: KindUTXO},
	"LTC":  {Code: "LTC", Name: "Litecoin", Decimals: 8, RequiredConfirmations: 6, Kind: KindUTXO},
	"DOGE": {Code: "DOGE", Name: "Dogecoin", Decimals: 8, RequiredConfirmations: 6, Kind: KindUTXO},
	"ETH":  {Code: "ETH", Name: "Ethereum", Decimals: 18, RequiredConfirmations: 12, Kind: KindAccount},
	"USDT": {Code: "USDT", Name: "Tether (ERC-20)", Decimals: 6, RequiredConfirmations: 12, Kind: KindAccount},
	"SOL":  {Code: "SOL", Name: "Solana", Decimals: 9, RequiredConfirmations: 32, Kind: KindAccount},
}

// Lookup resolves a currency code (case-insensitive) against the closed set.
func Lookup(code string) (Currency, error) {
	c, ok := registry[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return Currency{}, fmt.Errorf("%w: %q", ErrUnsupported, code)
	}
	return c, nil
}

// IsSupported reports whether the code resolves to a registered currency.
func IsSupported(code string) bool {
	_, err := Lookup(code)
	return err == nil
}

// Supported returns the registered currencies. Order is not stable.
func Supported() []Currency {
	out := make([]Currency, 0, len(registry))
	for _, c := range registry {
		out = append(out, c)
	}
	return out
}

// FromSmallestUnit converts an amount expressed in the chain's smallest unit
// (satoshi, wei, lamports) into major units.
func (c Currency) FromSmallestUnit(atomic int64) decimal.Decimal {
	return decimal.New(atomic, -c.Decimals)
}

// ToSmallestUnit converts a major-unit amount back to the smallest unit,
// truncating any precision beyond the currency's decimals.
func (c Currency) ToSmallestUnit(amount decimal.Decimal) int64 {
	return amount.Shift(c.Decimals).Truncate(0).IntPart()
}

// IsUTXO reports whether the asset supports batched input consolidation.
func (c Currency) IsUTXO() bool {
	return c.Kind == KindUTXO
}
