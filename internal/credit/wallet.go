package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ocx/khala/internal/config"
)

// PayRequest is the payload sent to the external lightning-wallet executor.
type PayRequest struct {
	RequestID       string `json:"request_id"`
	ProviderInvoice string `json:"provider_invoice"`
	ProviderHost    string `json:"provider_host"`
	MaxFeeMsats     int64  `json:"max_fee_msats"`
}

// PayResult is the executor's response to a Pay call.
type PayResult struct {
	RequestID   string `json:"request_id"`
	FeeMsats    int64  `json:"fee_msats"`
	SettledAt   int64  `json:"settled_at"`
	LNFailure   bool   `json:"ln_failure"`
}

// WalletExecutor is the interface credit.Settle calls through — a DI'd
// client, so the real HTTP-backed client and a fixed-response test double
// satisfy the same surface.
type WalletExecutor interface {
	Pay(ctx context.Context, req PayRequest) (*PayResult, error)
}

// HTTPWalletExecutor calls the externally-hosted wallet executor described
// in spec.md §1 ("the lightning-wallet executor (an external HTTP service
// the core calls)") — it is a narrow collaborator interface, not an
// in-process component this spec implements.
type HTTPWalletExecutor struct {
	baseURL   string
	authToken string
	client    *http.Client
}

// NewHTTPWalletExecutor builds a client from the liquidity config block.
func NewHTTPWalletExecutor(cfg config.LiquidityConfig) *HTTPWalletExecutor {
	timeout := time.Duration(cfg.WalletExecutorTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPWalletExecutor{
		baseURL:   cfg.WalletExecutorBaseURL,
		authToken: cfg.WalletExecutorAuthToken,
		client:    &http.Client{Timeout: timeout},
	}
}

func (w *HTTPWalletExecutor) Pay(ctx context.Context, req PayRequest) (*PayResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/v1/pay", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if w.authToken != "" {
		httpReq.Header.Set("Authorization", "Bearer "+w.authToken)
	}

	resp, err := w.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("wallet executor auth failed: status %d", resp.StatusCode)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("wallet executor unreachable: status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	var out PayResult
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
