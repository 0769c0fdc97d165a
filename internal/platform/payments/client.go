// Package payments is the HTTP client for the external payment gateway.
// Charge and refund execution (card handling, settlement) happen on the
// gateway side; this client only submits idempotent instructions.
package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/okabelanger/streambid/internal/domain"
)

// ClientConfig holds gateway endpoint parameters.
type ClientConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client implements domain.PaymentGateway over the gateway's REST API.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// New creates a gateway client. A zero timeout defaults to 15 seconds.
func New(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type chargeRequest struct {
	CustomerID  string `json:"customer_id"`
	Amount      string `json:"amount"`
	Description string `json:"description"`
}

type refundRequest struct {
	PaymentRef string `json:"payment_ref"`
	Amount     string `json:"amount"`
}

type gatewayResponse struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

// Charge submits a capture instruction. The idempotency key guarantees the
// gateway executes a given key at most once, so retries after a transport
// failure cannot double-charge.
func (c *Client) Charge(ctx context.Context, req domain.ChargeRequest) (string, error) {
	body := chargeRequest{
		CustomerID:  req.ExplorerID,
		Amount:      req.Amount.String(),
		Description: req.Description,
	}
	return c.post(ctx, "/v1/charges", req.IdempotencyKey, body)
}

// Refund submits a reversal instruction for a prior charge.
func (c *Client) Refund(ctx context.Context, req domain.RefundRequest) (string, error) {
	body := refundRequest{
		PaymentRef: req.PaymentRef,
		Amount:     req.Amount.String(),
	}
	return c.post(ctx, "/v1/refunds", req.IdempotencyKey, body)
}

func (c *Client) post(ctx context.Context, path, idempotencyKey string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("payments: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("payments: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Idempotency-Key", idempotencyKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return "", domain.Unavailablef("payments: %s: %v", path, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 500 {
		return "", domain.Unavailablef("payments: %s: gateway status %d", path, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("payments: %s: unexpected status %d: %s", path, resp.StatusCode, string(respBody))
	}

	var out gatewayResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("payments: decode response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("payments: %s: response missing id", path)
	}
	return out.ID, nil
}

// Compile-time interface check.
var _ domain.PaymentGateway = (*Client)(nil)
