// Package gateway defines the payment gateway contract the lifecycle service
// depends on: hosted checkout, gateway-side cancellation, and the closed set
// of webhook events the service reconciles.
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidSignature means the webhook body did not verify against the
	// shared secret. Callers must not act on the payload.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedEvent means the signature verified but the envelope could
	// not be decoded.
	ErrMalformedEvent = errors.New("malformed webhook event")
	// ErrUnavailable is returned while the gateway circuit is open.
	ErrUnavailable = errors.New("payment gateway unavailable")
)

// Metadata keys attached to checkout sessions and copied onto gateway
// subscriptions.
const (
	MetaUserID         = "user_id"
	MetaSubscriptionID = "subscription_id"
)

type CheckoutParams struct {
	UserID         string
	SubscriptionID string
	Plan           string
	Amount         decimal.Decimal
	SuccessURL     string
	CancelURL      string
}

type Session struct {
	ID  string
	URL string
}

// Gateway is implemented by the Stripe adapter.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, p CheckoutParams) (Session, error)
	VerifyAndParse(body []byte, signature string) (Event, error)
	CancelSubscription(ctx context.Context, gatewaySubscriptionID string) error
	ExpireCheckoutSession(ctx context.Context, sessionID string) error
}

// Event is a verified gateway notification. The set of variants is closed.
type Event interface {
	ID() string
	Type() string
	isEvent()
}

type CheckoutCompleted struct {
	EventID        string
	SessionID      string
	CustomerID     string
	SubscriptionID string
	Metadata       map[string]string
}

// CheckoutExpired reports a hosted checkout that lapsed without payment.
type CheckoutExpired struct {
	EventID   string
	SessionID string
	Metadata  map[string]string
}

type SubscriptionDeleted struct {
	EventID        string
	SubscriptionID string
	Metadata       map[string]string
}

type InvoicePaymentFailed struct {
	EventID        string
	SubscriptionID string
	InvoiceID      string
}

// Unrecognized carries any event type the service does not reconcile.
type Unrecognized struct {
	EventID   string
	EventType string
}

const (
	TypeCheckoutCompleted    = "checkout.session.completed"
	TypeCheckoutExpired      = "checkout.session.expired"
	TypeSubscriptionDeleted  = "customer.subscription.deleted"
	TypeInvoicePaymentFailed = "invoice.payment_failed"
)

func (e CheckoutCompleted) ID() string   { return e.EventID }
func (e CheckoutCompleted) Type() string { return TypeCheckoutCompleted }
func (CheckoutCompleted) isEvent()       {}

func (e CheckoutExpired) ID() string   { return e.EventID }
func (e CheckoutExpired) Type() string { return TypeCheckoutExpired }
func (CheckoutExpired) isEvent()       {}

func (e SubscriptionDeleted) ID() string   { return e.EventID }
func (e SubscriptionDeleted) Type() string { return TypeSubscriptionDeleted }
func (SubscriptionDeleted) isEvent()       {}

func (e InvoicePaymentFailed) ID() string   { return e.EventID }
func (e InvoicePaymentFailed) Type() string { return TypeInvoicePaymentFailed }
func (InvoicePaymentFailed) isEvent()       {}

func (e Unrecognized) ID() string   { return e.EventID }
func (e Unrecognized) Type() string { return e.EventType }
func (Unrecognized) isEvent()       {}
