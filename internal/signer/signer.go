// Package signer defines the boundary to the key-holding wallet service and
// the chain data provider. The gateway never touches private keys; moving
// funds is delegated to an external signer over these interfaces.
package signer

import (
	"context"

	"github.com/shopspring/decimal"
)

// TransferReceipt is the signer's answer to a transfer request.
type TransferReceipt struct {
	TxHash     string
	NetworkFee decimal.Decimal
}

// FeeInput identifies one session address holding retained fees.
type FeeInput struct {
	AddressIndex uint32
	Address      string
	Amount       decimal.Decimal
}

// Signer broadcasts outgoing transactions through the external wallet
// service.
type Signer interface {
	// Transfer moves amount from the derived session address to the
	// destination. The signer owns fee estimation and change handling.
	Transfer(ctx context.Context, currency string, addressIndex uint32, destination string, amount decimal.Decimal) (TransferReceipt, error)

	// ConsolidateUTXOs sweeps the given inputs into the treasury address in
	// one batch transaction. Only meaningful for UTXO chains.
	ConsolidateUTXOs(ctx context.Context, currency string, inputs []FeeInput, treasury string) (TransferReceipt, error)
}

// TxStatus is the chain's current view of a transaction.
type TxStatus struct {
	Confirmations int
	BlockHeight   int64
}

// ChainMonitor reads chain state for the reconciliation pass.
type ChainMonitor interface {
	TransactionStatus(ctx context.Context, currency, txHash string) (TxStatus, error)
	AddressBalance(ctx context.Context, currency, address string) (decimal.Decimal, error)
}
