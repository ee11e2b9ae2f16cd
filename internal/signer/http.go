package signer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/TessaraPay/gateway/internal/httputil"
)

// HTTPConfig configures the HTTP clients for the wallet and chain services.
type HTTPConfig struct {
	SignerURL  string
	MonitorURL string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
}

// HTTPClient talks JSON over HTTP to the wallet signer and chain monitor
// services. It implements both Signer and ChainMonitor.
type HTTPClient struct {
	signerURL  string
	monitorURL string
	apiKey     string
	maxRetries int
	client     *http.Client
	logger     zerolog.Logger
}

// NewHTTPClient creates the adapter. Timeout defaults to 30s, retries to 2.
func NewHTTPClient(cfg HTTPConfig, logger zerolog.Logger) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	return &HTTPClient{
		signerURL:  cfg.SignerURL,
		monitorURL: cfg.MonitorURL,
		apiKey:     cfg.APIKey,
		maxRetries: cfg.MaxRetries,
		client:     httputil.NewClient(cfg.Timeout),
		logger:     logger.With().Str("component", "signer").Logger(),
	}
}

type transferRequest struct {
	Currency     string `json:"currency"`
	AddressIndex uint32 `json:"address_index"`
	Destination  string `json:"destination"`
	Amount       string `json:"amount"`
}

type consolidateRequest struct {
	Currency string `json:"currency"`
	Treasury string `json:"treasury"`
	Inputs   []struct {
		AddressIndex uint32 `json:"address_index"`
		Address      string `json:"address"`
		Amount       string `json:"amount"`
	} `json:"inputs"`
}

type transferResponse struct {
	TxHash     string `json:"tx_hash"`
	NetworkFee string `json:"network_fee"`
}

// Transfer asks the wallet service to move funds off a session address.
// Transfers are not retried: a timed-out broadcast may still have landed, and
// a blind retry risks double spending from account-style chains.
func (c *HTTPClient) Transfer(ctx context.Context, currency string, addressIndex uint32, destination string, amount decimal.Decimal) (TransferReceipt, error) {
	req := transferRequest{
		Currency:     currency,
		AddressIndex: addressIndex,
		Destination:  destination,
		Amount:       amount.String(),
	}
	var resp transferResponse
	if err := c.post(ctx, c.signerURL+"/v1/transfer", req, &resp, false); err != nil {
		return TransferReceipt{}, fmt.Errorf("signer transfer: %w", err)
	}
	return parseReceipt(resp)
}

// ConsolidateUTXOs sweeps retained fees into the treasury in one batch.
func (c *HTTPClient) ConsolidateUTXOs(ctx context.Context, currency string, inputs []FeeInput, treasury string) (TransferReceipt, error) {
	req := consolidateRequest{Currency: currency, Treasury: treasury}
	for _, in := range inputs {
		req.Inputs = append(req.Inputs, struct {
			AddressIndex uint32 `json:"address_index"`
			Address      string `json:"address"`
			Amount       string `json:"amount"`
		}{in.AddressIndex, in.Address, in.Amount.String()})
	}
	var resp transferResponse
	if err := c.post(ctx, c.signerURL+"/v1/consolidate", req, &resp, false); err != nil {
		return TransferReceipt{}, fmt.Errorf("signer consolidate: %w", err)
	}
	return parseReceipt(resp)
}

func parseReceipt(resp transferResponse) (TransferReceipt, error) {
	if resp.TxHash == "" {
		return TransferReceipt{}, fmt.Errorf("signer returned empty tx hash")
	}
	fee := decimal.Zero
	if resp.NetworkFee != "" {
		parsed, err := decimal.NewFromString(resp.NetworkFee)
		if err != nil {
			return TransferReceipt{}, fmt.Errorf("parse network fee %q: %w", resp.NetworkFee, err)
		}
		fee = parsed
	}
	return TransferReceipt{TxHash: resp.TxHash, NetworkFee: fee}, nil
}

type txStatusResponse struct {
	Confirmations int   `json:"confirmations"`
	BlockHeight   int64 `json:"block_height"`
}

// TransactionStatus reads the chain's view of a transaction. Read-only, so
// transient failures are retried with backoff.
func (c *HTTPClient) TransactionStatus(ctx context.Context, currency, txHash string) (TxStatus, error) {
	url := fmt.Sprintf("%s/v1/%s/tx/%s", c.monitorURL, currency, txHash)
	var resp txStatusResponse
	if err := c.get(ctx, url, &resp); err != nil {
		return TxStatus{}, fmt.Errorf("transaction status: %w", err)
	}
	return TxStatus{Confirmations: resp.Confirmations, BlockHeight: resp.BlockHeight}, nil
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

// AddressBalance reads the confirmed balance of an address.
func (c *HTTPClient) AddressBalance(ctx context.Context, currency, address string) (decimal.Decimal, error) {
	url := fmt.Sprintf("%s/v1/%s/address/%s/balance", c.monitorURL, currency, address)
	var resp balanceResponse
	if err := c.get(ctx, url, &resp); err != nil {
		return decimal.Zero, fmt.Errorf("address balance: %w", err)
	}
	bal, err := decimal.NewFromString(resp.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", resp.Balance, err)
	}
	return bal, nil
}

func (c *HTTPClient) get(ctx context.Context, url string, out any) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		if lastErr = c.do(ctx, http.MethodGet, url, nil, out); lastErr == nil {
			return nil
		}
		c.logger.Warn().Err(lastErr).Str("url", url).Int("attempt", attempt+1).
			Msg("signer.request_retry")
	}
	return lastErr
}

func (c *HTTPClient) post(ctx context.Context, url string, in, out any, retry bool) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if !retry {
		return c.do(ctx, http.MethodPost, url, body, out)
	}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if lastErr = c.do(ctx, http.MethodPost, url, body, out); lastErr == nil {
			return nil
		}
	}
	return lastErr
}

func (c *HTTPClient) do(ctx context.Context, method, url string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, url, resp.StatusCode, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
