package settlement

import (
	"github.com/shopspring/decimal"
)

const basisPointsDivisor = 10_000

// Split is the outcome of applying the fee tier to a received amount.
type Split struct {
	ForwardAmount decimal.Decimal
	FeeAmount     decimal.Decimal
	FeeTaken      bool
	FeePercent    float64
}

// computeSplit applies the tiered fee schedule. The network fee estimate is
// deducted first so the forwarded transaction can actually pay for itself;
// the service fee applies only to payments at or above the USD threshold.
func computeSplit(received, amountUSD, thresholdUSD decimal.Decimal, feeBasisPoints int64, networkFee decimal.Decimal) Split {
	net := received.Sub(networkFee)
	if !net.IsPositive() {
		return Split{}
	}

	if feeBasisPoints <= 0 || amountUSD.LessThan(thresholdUSD) {
		return Split{ForwardAmount: net}
	}

	fee := net.Mul(decimal.NewFromInt(feeBasisPoints)).Div(decimal.NewFromInt(basisPointsDivisor))
	return Split{
		ForwardAmount: net.Sub(fee),
		FeeAmount:     fee,
		FeeTaken:      true,
		FeePercent:    float64(feeBasisPoints) / 100,
	}
}
