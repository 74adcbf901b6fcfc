// Package wallet is a client for the external wallet ledger.
package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

var (
	// ErrInsufficientFunds is returned when the ledger refuses a debit for
	// lack of balance.
	ErrInsufficientFunds = errors.New("insufficient wallet balance")
	// ErrRejected is returned for any other non-retryable ledger refusal.
	ErrRejected = errors.New("wallet ledger rejected request")
)

// Ledger moves funds in and out of a user's wallet. Operations with the same
// idempotency key are applied at most once by the ledger.
type Ledger interface {
	Debit(ctx context.Context, userID string, amount decimal.Decimal, idempotencyKey, description string) error
	Credit(ctx context.Context, userID string, amount decimal.Decimal, idempotencyKey, description string) error
}

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type entryRequest struct {
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	Description    string          `json:"description,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Client calls the ledger over HTTP.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

var _ Ledger = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

func (c *Client) Debit(ctx context.Context, userID string, amount decimal.Decimal, idempotencyKey, description string) error {
	return c.post(ctx, "/v1/debits", entryRequest{
		UserID:         userID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Description:    description,
	})
}

func (c *Client) Credit(ctx context.Context, userID string, amount decimal.Decimal, idempotencyKey, description string) error {
	return c.post(ctx, "/v1/credits", entryRequest{
		UserID:         userID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Description:    description,
	})
}

func (c *Client) post(ctx context.Context, path string, entry entryRequest) error {
	if !entry.Amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive, got %s", ErrRejected, entry.Amount)
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", entry.IdempotencyKey)
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ledger request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		io.Copy(io.Discard, resp.Body)
		return nil
	}

	var errResp errorResponse
	json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&errResp)

	switch {
	case resp.StatusCode == http.StatusPaymentRequired || errResp.Code == "insufficient_funds":
		return ErrInsufficientFunds
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("ledger %s: status %d: %s", path, resp.StatusCode, errResp.Error)
	default:
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, errResp.Error)
	}
}

// Retryable reports whether err may succeed on a later attempt.
func Retryable(err error) bool {
	return err != nil && !errors.Is(err, ErrInsufficientFunds) && !errors.Is(err, ErrRejected) &&
		!errors.Is(err, context.Canceled)
}
