// Package payment gates greeting submissions behind a per-request
// micropayment. Proof verification is delegated to an external wallet
// service; this package never touches the store.
package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/21projects/greetings/internal/config"
)

// ProofHeader carries the payment proof token on POST /greeting/ requests.
const ProofHeader = "X-Payment-Proof"

// Client verifies payment proofs against the wallet service
type Client struct {
	baseURL    string
	minAmount  int64
	httpClient *http.Client
}

// NewClient creates a new wallet service client
func NewClient(cfg config.PaymentConfig) *Client {
	return &Client{
		baseURL:   cfg.WalletURL,
		minAmount: cfg.MinAmount,
		httpClient: &http.Client{
			Timeout: cfg.Timeout(),
		},
	}
}

// MinAmount returns the configured price per submission in minimal
// currency units.
func (c *Client) MinAmount() int64 {
	return c.minAmount
}

type verifyRequest struct {
	Proof     string `json:"proof"`
	MinAmount int64  `json:"min_amount"`
}

type verifyResponse struct {
	Valid  bool   `json:"valid"`
	Amount int64  `json:"amount"`
	Reason string `json:"reason,omitempty"`
}

// Verify checks a payment proof with the wallet service. It returns nil only
// when the proof is valid and commits at least the configured minimum
// amount. Every other outcome, including wallet timeouts and 5xx responses,
// is an error: the gate fails closed.
func (c *Client) Verify(ctx context.Context, proof string) error {
	if proof == "" {
		return fmt.Errorf("missing payment proof")
	}

	body, err := json.Marshal(verifyRequest{Proof: proof, MinAmount: c.minAmount})
	if err != nil {
		return fmt.Errorf("encoding verify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating verify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("wallet service unreachable: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading wallet response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("wallet service error (status %d): %s", resp.StatusCode, string(respBody))
	}

	var result verifyResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("decoding wallet response: %w", err)
	}

	if !result.Valid {
		if result.Reason != "" {
			return fmt.Errorf("payment proof rejected: %s", result.Reason)
		}
		return fmt.Errorf("payment proof rejected")
	}
	if result.Amount < c.minAmount {
		return fmt.Errorf("payment amount %d below required %d", result.Amount, c.minAmount)
	}

	return nil
}
