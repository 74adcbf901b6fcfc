// Package stripe adapts Stripe Checkout and webhooks to the gateway contract.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/subscription"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/dukerupert/plansync/internal/gateway"
)

type Config struct {
	SecretKey     string
	WebhookSecret string
	Currency      string

	// Breaker settings. Zero values fall back to DefaultConfig.
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

func DefaultConfig() Config {
	return Config{
		Currency:         "usd",
		FailureThreshold: 5,
		OpenTimeout:      30 * time.Second,
	}
}

// Client talks to Stripe. It holds no per-request state.
type Client struct {
	cfg     Config
	logger  *slog.Logger
	breaker *gobreaker.CircuitBreaker[any]

	newSession    func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	expireSession func(string, *stripe.CheckoutSessionExpireParams) (*stripe.CheckoutSession, error)
	cancelSub     func(string, *stripe.SubscriptionCancelParams) (*stripe.Subscription, error)
}

var _ gateway.Gateway = (*Client)(nil)

func NewClient(cfg Config, logger *slog.Logger) *Client {
	def := DefaultConfig()
	if cfg.Currency == "" {
		cfg.Currency = def.Currency
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.OpenTimeout == 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	stripe.Key = cfg.SecretKey

	c := &Client{
		cfg:           cfg,
		logger:        logger,
		newSession:    checksession.New,
		expireSession: checksession.Expire,
		cancelSub:     subscription.Cancel,
	}
	c.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "stripe",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		IsSuccessful: func(err error) bool {
			// Card and request errors are the caller's problem, not an outage.
			var se *stripe.Error
			if errors.As(err, &se) {
				return se.HTTPStatusCode < 500 && se.HTTPStatusCode != 429
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.logger.Warn("circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
	})
	return c
}

func (c *Client) execute(fn func() (any, error)) (any, error) {
	result, err := c.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, gateway.ErrUnavailable
	}
	return result, err
}

// CreateCheckoutSession opens a hosted subscription checkout for one
// monthly term at the given amount.
func (c *Client) CreateCheckoutSession(ctx context.Context, p gateway.CheckoutParams) (gateway.Session, error) {
	params := c.checkoutParams(p)
	params.Context = ctx

	result, err := c.execute(func() (any, error) {
		return c.newSession(params)
	})
	if err != nil {
		return gateway.Session{}, fmt.Errorf("create checkout session: %w", err)
	}
	sess := result.(*stripe.CheckoutSession)
	return gateway.Session{ID: sess.ID, URL: sess.URL}, nil
}

func (c *Client) checkoutParams(p gateway.CheckoutParams) *stripe.CheckoutSessionParams {
	meta := map[string]string{
		gateway.MetaUserID:         p.UserID,
		gateway.MetaSubscriptionID: p.SubscriptionID,
	}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		ClientReferenceID: stripe.String(p.SubscriptionID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{
				PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripe.String(c.cfg.Currency),
					UnitAmount: stripe.Int64(p.Amount.Shift(2).Round(0).IntPart()),
					ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripe.String(planName(p.Plan)),
					},
					Recurring: &stripe.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
					},
				},
				Quantity: stripe.Int64(1),
			},
		},
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: meta,
		},
		SuccessURL: stripe.String(p.SuccessURL),
		CancelURL:  stripe.String(p.CancelURL),
	}
	for k, v := range meta {
		params.AddMetadata(k, v)
	}
	return params
}

func planName(plan string) string {
	if plan == "" {
		return "Subscription"
	}
	return strings.ToUpper(plan[:1]) + plan[1:] + " plan"
}

// ExpireCheckoutSession closes a session nobody will complete.
func (c *Client) ExpireCheckoutSession(ctx context.Context, sessionID string) error {
	params := &stripe.CheckoutSessionExpireParams{}
	params.Context = ctx
	_, err := c.execute(func() (any, error) {
		return c.expireSession(sessionID, params)
	})
	if err != nil {
		return fmt.Errorf("expire checkout session %s: %w", sessionID, err)
	}
	return nil
}

// CancelSubscription ends the recurring agreement immediately.
func (c *Client) CancelSubscription(ctx context.Context, gatewaySubscriptionID string) error {
	params := &stripe.SubscriptionCancelParams{}
	params.Context = ctx
	_, err := c.execute(func() (any, error) {
		return c.cancelSub(gatewaySubscriptionID, params)
	})
	if err != nil {
		var se *stripe.Error
		if errors.As(err, &se) && se.Code == stripe.ErrorCodeResourceMissing {
			// Already gone on Stripe's side.
			return nil
		}
		return fmt.Errorf("cancel stripe subscription %s: %w", gatewaySubscriptionID, err)
	}
	return nil
}

// VerifyAndParse checks the Stripe-Signature header and decodes the event.
func (c *Client) VerifyAndParse(body []byte, signature string) (gateway.Event, error) {
	event, err := webhook.ConstructEventWithOptions(body, signature, c.cfg.WebhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", gateway.ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", gateway.ErrMalformedEvent, err)
	}
	if event.ID == "" {
		return nil, fmt.Errorf("%w: missing event id", gateway.ErrMalformedEvent)
	}
	return parseEvent(event)
}

func isSignatureError(err error) bool {
	switch {
	case errors.Is(err, webhook.ErrInvalidHeader),
		errors.Is(err, webhook.ErrNoValidSignature),
		errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrTooOld):
		return true
	}
	return false
}

func parseEvent(event stripe.Event) (gateway.Event, error) {
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", gateway.ErrMalformedEvent, event.ID)
	}

	switch string(event.Type) {
	case gateway.TypeCheckoutCompleted:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", gateway.ErrMalformedEvent, err)
		}
		if sess.ID == "" {
			return nil, fmt.Errorf("%w: checkout session without id", gateway.ErrMalformedEvent)
		}
		ev := gateway.CheckoutCompleted{
			EventID:   event.ID,
			SessionID: sess.ID,
			Metadata:  sess.Metadata,
		}
		if sess.Customer != nil {
			ev.CustomerID = sess.Customer.ID
		}
		if sess.Subscription != nil {
			ev.SubscriptionID = sess.Subscription.ID
		}
		return ev, nil

	case gateway.TypeCheckoutExpired:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("%w: checkout session: %v", gateway.ErrMalformedEvent, err)
		}
		if sess.ID == "" {
			return nil, fmt.Errorf("%w: checkout session without id", gateway.ErrMalformedEvent)
		}
		return gateway.CheckoutExpired{
			EventID:   event.ID,
			SessionID: sess.ID,
			Metadata:  sess.Metadata,
		}, nil

	case gateway.TypeSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, fmt.Errorf("%w: subscription: %v", gateway.ErrMalformedEvent, err)
		}
		if sub.ID == "" {
			return nil, fmt.Errorf("%w: subscription without id", gateway.ErrMalformedEvent)
		}
		return gateway.SubscriptionDeleted{
			EventID:        event.ID,
			SubscriptionID: sub.ID,
			Metadata:       sub.Metadata,
		}, nil

	case gateway.TypeInvoicePaymentFailed:
		var invoice stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &invoice); err != nil {
			return nil, fmt.Errorf("%w: invoice: %v", gateway.ErrMalformedEvent, err)
		}
		return gateway.InvoicePaymentFailed{
			EventID:        event.ID,
			SubscriptionID: subscriptionIDFromInvoice(invoice),
			InvoiceID:      invoice.ID,
		}, nil
	}

	return gateway.Unrecognized{EventID: event.ID, EventType: string(event.Type)}, nil
}

// subscriptionIDFromInvoice extracts the subscription ID from an invoice's parent.
func subscriptionIDFromInvoice(invoice stripe.Invoice) string {
	if invoice.Parent != nil &&
		invoice.Parent.SubscriptionDetails != nil &&
		invoice.Parent.SubscriptionDetails.Subscription != nil {
		return invoice.Parent.SubscriptionDetails.Subscription.ID
	}
	return ""
}
