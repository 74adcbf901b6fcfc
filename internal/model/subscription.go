package model

import (
	"time"

	"github.com/shopspring/decimal"
)

type Plan string

const (
	PlanPremium  Plan = "premium"
	PlanStandard Plan = "standard"
)

func (p Plan) Valid() bool {
	return p == PlanPremium || p == PlanStandard
}

type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

// Open reports whether the status counts toward the one-open-subscription-per-user rule.
func (s Status) Open() bool {
	return s == StatusPending || s == StatusActive
}

// Terminal reports whether no further transition can leave the status.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusExpired
}

type PaymentMethod string

const (
	PaymentCard   PaymentMethod = "card"
	PaymentWallet PaymentMethod = "wallet"
)

// TermMonths is the fixed length of one subscription period.
const TermMonths = 1

type Subscription struct {
	ID                    string          `json:"id"`
	UserID                string          `json:"user_id"`
	Plan                  Plan            `json:"plan"`
	Amount                decimal.Decimal `json:"amount"`
	Status                Status          `json:"status"`
	StartDate             time.Time       `json:"start_date"`
	EndDate               time.Time       `json:"end_date"`
	IsActive              bool            `json:"is_active"`
	PaymentMethod         PaymentMethod   `json:"payment_method"`
	GatewaySessionID      *string         `json:"gateway_session_id,omitempty"`
	GatewayCustomerID     *string         `json:"gateway_customer_id,omitempty"`
	GatewaySubscriptionID *string         `json:"gateway_subscription_id,omitempty"`
	CancelledAt           *time.Time      `json:"cancelled_at,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

// PeriodEnd returns the end of a term that starts at start.
func PeriodEnd(start time.Time) time.Time {
	return start.AddDate(0, TermMonths, 0)
}

// CreditFailure is a refund credit the wallet ledger did not accept. It stays
// open until a retry succeeds or someone resolves it by hand.
type CreditFailure struct {
	ID             int64           `json:"id"`
	SubscriptionID string          `json:"subscription_id"`
	UserID         string          `json:"user_id"`
	Amount         decimal.Decimal `json:"amount"`
	IdempotencyKey string          `json:"idempotency_key"`
	Reason         string          `json:"reason"`
	Attempts       int             `json:"attempts"`
	CreatedAt      time.Time       `json:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty"`
}
