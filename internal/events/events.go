// Package events publishes subscription lifecycle changes for downstream
// consumers (entitlements, notifications, analytics).
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/dukerupert/plansync/internal/model"
)

const (
	RoutingActivated = "subscription.activated"
	RoutingCancelled = "subscription.cancelled"
	RoutingExpired   = "subscription.expired"
)

// Publisher sends an encoded message under a routing key.
type Publisher interface {
	Publish(ctx context.Context, routingKey string, payload []byte) error
	Close() error
}

// Lifecycle is the message body for every routing key above.
type Lifecycle struct {
	SubscriptionID string              `json:"subscription_id"`
	UserID         string              `json:"user_id"`
	Plan           model.Plan          `json:"plan"`
	Status         model.Status        `json:"status"`
	PaymentMethod  model.PaymentMethod `json:"payment_method"`
	Amount         decimal.Decimal     `json:"amount"`
	StartDate      time.Time           `json:"start_date"`
	EndDate        time.Time           `json:"end_date"`
	Refund         *decimal.Decimal    `json:"refund,omitempty"`
	OccurredAt     time.Time           `json:"occurred_at"`
}

func NewLifecycle(sub *model.Subscription, status model.Status, at time.Time) Lifecycle {
	return Lifecycle{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Plan:           sub.Plan,
		Status:         status,
		PaymentMethod:  sub.PaymentMethod,
		Amount:         sub.Amount,
		StartDate:      sub.StartDate,
		EndDate:        sub.EndDate,
		OccurredAt:     at.UTC(),
	}
}

// RoutingKey maps a resulting status to its routing key.
func RoutingKey(status model.Status) (string, bool) {
	switch status {
	case model.StatusActive:
		return RoutingActivated, true
	case model.StatusCancelled:
		return RoutingCancelled, true
	case model.StatusExpired:
		return RoutingExpired, true
	}
	return "", false
}

// PublishLifecycle encodes msg and publishes it under the key for msg.Status.
func PublishLifecycle(ctx context.Context, p Publisher, msg Lifecycle) error {
	key, ok := RoutingKey(msg.Status)
	if !ok {
		return fmt.Errorf("no routing key for status %q", msg.Status)
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}
	if err := p.Publish(ctx, key, payload); err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}
