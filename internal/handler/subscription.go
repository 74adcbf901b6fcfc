package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/plansync/internal/auth"
	"github.com/dukerupert/plansync/internal/model"
	"github.com/dukerupert/plansync/internal/subscription"
)

// Lifecycle is the part of *subscription.Service the user endpoints call.
type Lifecycle interface {
	InitiateWalletSubscription(ctx context.Context, userID string, plan model.Plan, amount decimal.Decimal) (*model.Subscription, error)
	InitiateCardSubscription(ctx context.Context, userID string, plan model.Plan, amount decimal.Decimal, successURL, cancelURL string) (*subscription.CheckoutResult, error)
	CancelSubscription(ctx context.Context, userID, subscriptionID string) (*subscription.CancelResult, error)
	ListSubscriptions(ctx context.Context, userID string) ([]*model.Subscription, error)
}

type SubscriptionHandler struct {
	svc        Lifecycle
	successURL string
	cancelURL  string
	logger     *slog.Logger
}

func NewSubscriptionHandler(svc Lifecycle, successURL, cancelURL string, logger *slog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{
		svc:        svc,
		successURL: successURL,
		cancelURL:  cancelURL,
		logger:     logger,
	}
}

type initiateRequest struct {
	Plan       model.Plan      `json:"plan"`
	Amount     decimal.Decimal `json:"amount"`
	SuccessURL string          `json:"successUrl,omitempty"`
	CancelURL  string          `json:"cancelUrl,omitempty"`
}

type walletResponse struct {
	SubscriptionID string              `json:"subscriptionId"`
	Plan           model.Plan          `json:"plan"`
	Amount         decimal.Decimal     `json:"amount"`
	StartDate      time.Time           `json:"startDate"`
	EndDate        time.Time           `json:"endDate"`
	IsActive       bool                `json:"isActive"`
	PaymentMethod  model.PaymentMethod `json:"paymentMethod"`
}

func decodeInitiate(r *http.Request) (initiateRequest, error) {
	var req initiateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&req); err != nil {
		return req, fmt.Errorf("%w: invalid request body", subscription.ErrInvalidArgument)
	}
	return req, nil
}

// InitiateWallet pays for a subscription from the caller's wallet.
func (h *SubscriptionHandler) InitiateWallet(w http.ResponseWriter, r *http.Request) {
	req, err := decodeInitiate(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	sub, err := h.svc.InitiateWalletSubscription(r.Context(), auth.UserID(r.Context()), req.Plan, req.Amount)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}

	writeJSON(w, http.StatusCreated, walletResponse{
		SubscriptionID: sub.ID,
		Plan:           sub.Plan,
		Amount:         sub.Amount,
		StartDate:      sub.StartDate,
		EndDate:        sub.EndDate,
		IsActive:       sub.IsActive,
		PaymentMethod:  sub.PaymentMethod,
	})
}

// InitiateCheckout starts a hosted card checkout and returns its URL.
func (h *SubscriptionHandler) InitiateCheckout(w http.ResponseWriter, r *http.Request) {
	req, err := decodeInitiate(r)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	if req.SuccessURL == "" {
		req.SuccessURL = h.successURL
	}
	if req.CancelURL == "" {
		req.CancelURL = h.cancelURL
	}

	res, err := h.svc.InitiateCardSubscription(r.Context(), auth.UserID(r.Context()), req.Plan, req.Amount, req.SuccessURL, req.CancelURL)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *SubscriptionHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, r, h.logger, fmt.Errorf("%w: subscription id is required", subscription.ErrInvalidArgument))
		return
	}

	res, err := h.svc.CancelSubscription(r.Context(), auth.UserID(r.Context()), id)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	subs, err := h.svc.ListSubscriptions(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}
