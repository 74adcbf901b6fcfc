package subscription

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/dukerupert/plansync/internal/gateway"
	"github.com/dukerupert/plansync/internal/model"
	"github.com/dukerupert/plansync/internal/store"
)

// ReconcileWebhookEvent applies a verified gateway event. It reports whether
// the event changed a record. Replays of an already applied event return
// false with a nil error; events for missing records or records in an
// unrelated state return ErrNotApplicable.
func (s *Service) ReconcileWebhookEvent(ctx context.Context, event gateway.Event) (bool, error) {
	switch e := event.(type) {
	case gateway.CheckoutCompleted:
		return s.applyCheckoutCompleted(ctx, e)
	case gateway.CheckoutExpired:
		return s.applyCheckoutExpired(ctx, e)
	case gateway.SubscriptionDeleted:
		return s.applySubscriptionDeleted(ctx, e)
	case gateway.InvoicePaymentFailed:
		return s.applyInvoicePaymentFailed(ctx, e)
	case gateway.Unrecognized:
		return false, nil
	default:
		return false, fmt.Errorf("reconcile: unhandled event %T", event)
	}
}

func (s *Service) applyCheckoutCompleted(ctx context.Context, e gateway.CheckoutCompleted) (bool, error) {
	now := s.now().UTC()
	applied, err := s.subs.ConditionalTransition(ctx, store.Match{SessionID: e.SessionID},
		[]model.Status{model.StatusPending},
		store.Transition{
			Status:                model.StatusActive,
			At:                    now,
			GatewayCustomerID:     e.CustomerID,
			GatewaySubscriptionID: e.SubscriptionID,
		},
	)
	if err != nil {
		return false, fmt.Errorf("activate by session %s: %w", e.SessionID, err)
	}

	sub, err := s.subs.GetBySessionID(ctx, e.SessionID)
	if err != nil {
		return false, fmt.Errorf("load by session %s: %w", e.SessionID, err)
	}
	if applied {
		if sub != nil {
			s.logger.Info("card subscription activated",
				"subscription_id", sub.ID,
				"user_id", sub.UserID,
				"session_id", e.SessionID,
				"gateway_subscription_id", e.SubscriptionID,
			)
			s.publish(ctx, sub, model.StatusActive, nil)
		}
		return true, nil
	}

	if sub == nil {
		return false, fmt.Errorf("%w: no subscription for session %s", ErrNotApplicable, e.SessionID)
	}
	if sub.Status == model.StatusActive {
		return false, nil
	}
	if sub.Status == model.StatusCancelled && e.SubscriptionID != "" && s.gateway != nil {
		// Paid after the user cancelled; stop the agreement that was just created.
		if err := s.gateway.CancelSubscription(ctx, e.SubscriptionID); err != nil {
			s.logger.Error("cancel gateway subscription for cancelled record",
				"subscription_id", sub.ID,
				"gateway_subscription_id", e.SubscriptionID,
				"error", err,
			)
		}
	}
	return false, fmt.Errorf("%w: subscription %s is %s", ErrNotApplicable, sub.ID, sub.Status)
}

// applyCheckoutExpired cancels the pending record of a checkout the user
// never paid, freeing them to start another subscription.
func (s *Service) applyCheckoutExpired(ctx context.Context, e gateway.CheckoutExpired) (bool, error) {
	now := s.now().UTC()
	applied, err := s.subs.ConditionalTransition(ctx, store.Match{SessionID: e.SessionID},
		[]model.Status{model.StatusPending},
		store.Transition{Status: model.StatusCancelled, At: now, CancelledAt: &now},
	)
	if err != nil {
		return false, fmt.Errorf("cancel by expired session %s: %w", e.SessionID, err)
	}

	sub, err := s.subs.GetBySessionID(ctx, e.SessionID)
	if err != nil {
		return false, fmt.Errorf("load by session %s: %w", e.SessionID, err)
	}
	if sub == nil {
		return false, fmt.Errorf("%w: no subscription for session %s", ErrNotApplicable, e.SessionID)
	}
	if !applied {
		// Paid or already cancelled; the session lapsing changes nothing.
		return false, nil
	}

	s.logger.Info("pending subscription cancelled, checkout expired",
		"subscription_id", sub.ID,
		"user_id", sub.UserID,
		"session_id", e.SessionID,
	)
	s.publish(ctx, sub, model.StatusCancelled, nil)
	return true, nil
}

func (s *Service) applySubscriptionDeleted(ctx context.Context, e gateway.SubscriptionDeleted) (bool, error) {
	now := s.now().UTC()
	cancel := store.Transition{
		Status:                model.StatusCancelled,
		At:                    now,
		CancelledAt:           &now,
		GatewaySubscriptionID: e.SubscriptionID,
	}
	from := []model.Status{model.StatusActive, model.StatusPending}

	sub, err := s.subs.GetByGatewaySubscriptionID(ctx, e.SubscriptionID)
	if err != nil {
		return false, fmt.Errorf("load by gateway subscription %s: %w", e.SubscriptionID, err)
	}
	match := store.Match{GatewaySubscriptionID: e.SubscriptionID}

	if sub == nil {
		// The deletion can arrive before checkout completion recorded the id.
		sub, err = s.recordFromMetadata(ctx, e.Metadata, e.SubscriptionID)
		if err != nil {
			return false, err
		}
		if sub == nil {
			return false, fmt.Errorf("%w: no subscription for gateway subscription %s", ErrNotApplicable, e.SubscriptionID)
		}
		match = store.Match{ID: sub.ID}
	}

	applied, err := s.subs.ConditionalTransition(ctx, match, from, cancel)
	if err != nil {
		return false, fmt.Errorf("cancel by gateway subscription %s: %w", e.SubscriptionID, err)
	}
	if applied {
		sub.Status = model.StatusCancelled
		sub.IsActive = false
		sub.CancelledAt = &now
		s.logger.Info("subscription cancelled by gateway",
			"subscription_id", sub.ID,
			"user_id", sub.UserID,
			"gateway_subscription_id", e.SubscriptionID,
		)
		s.publish(ctx, sub, model.StatusCancelled, nil)
		return true, nil
	}

	current, err := s.subs.GetByID(ctx, sub.ID)
	if err != nil {
		return false, fmt.Errorf("reload subscription %s: %w", sub.ID, err)
	}
	if current != nil && current.Status == model.StatusCancelled {
		return false, nil
	}
	status := model.Status("missing")
	if current != nil {
		status = current.Status
	}
	return false, fmt.Errorf("%w: subscription %s is %s", ErrNotApplicable, sub.ID, status)
}

// recordFromMetadata resolves the local record named in gateway metadata. A
// record already bound to a different gateway subscription is not returned.
func (s *Service) recordFromMetadata(ctx context.Context, meta map[string]string, gatewaySubID string) (*model.Subscription, error) {
	id := meta[gateway.MetaSubscriptionID]
	if id == "" {
		return nil, nil
	}
	sub, err := s.subs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load subscription %s from metadata: %w", id, err)
	}
	if sub == nil || sub.PaymentMethod != model.PaymentCard {
		return nil, nil
	}
	if sub.GatewaySubscriptionID != nil && *sub.GatewaySubscriptionID != gatewaySubID {
		return nil, nil
	}
	return sub, nil
}

func (s *Service) applyInvoicePaymentFailed(ctx context.Context, e gateway.InvoicePaymentFailed) (bool, error) {
	if e.SubscriptionID == "" {
		return false, fmt.Errorf("%w: invoice %s has no subscription", ErrNotApplicable, e.InvoiceID)
	}

	now := s.now().UTC()
	applied, err := s.subs.ConditionalTransition(ctx, store.Match{GatewaySubscriptionID: e.SubscriptionID},
		[]model.Status{model.StatusActive},
		store.Transition{Status: model.StatusExpired, At: now},
	)
	if err != nil {
		return false, fmt.Errorf("expire by gateway subscription %s: %w", e.SubscriptionID, err)
	}

	sub, err := s.subs.GetByGatewaySubscriptionID(ctx, e.SubscriptionID)
	if err != nil {
		return false, fmt.Errorf("load by gateway subscription %s: %w", e.SubscriptionID, err)
	}
	if applied {
		if sub != nil {
			s.logger.Info("subscription expired on payment failure",
				"subscription_id", sub.ID,
				"user_id", sub.UserID,
				"invoice_id", e.InvoiceID,
			)
			s.publish(ctx, sub, model.StatusExpired, nil)
		}
		return true, nil
	}

	if sub == nil {
		return false, fmt.Errorf("%w: no subscription for gateway subscription %s", ErrNotApplicable, e.SubscriptionID)
	}
	if sub.Status == model.StatusExpired {
		return false, nil
	}
	return false, fmt.Errorf("%w: subscription %s is %s", ErrNotApplicable, sub.ID, sub.Status)
}

// RetryCredits re-attempts queued wallet credits. Each credit reuses its
// original idempotency key, so a credit the ledger did apply is not doubled.
func (s *Service) RetryCredits(ctx context.Context, limit int) (resolved int, err error) {
	failures, err := s.credits.ListOpen(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("list queued credits: %w", err)
	}

	var errs error
	for _, f := range failures {
		desc := fmt.Sprintf("retry credit for subscription %s", f.SubscriptionID)
		if cerr := s.credit(ctx, f.UserID, f.Amount, f.IdempotencyKey, desc); cerr != nil {
			if rerr := s.credits.Record(ctx, &model.CreditFailure{
				SubscriptionID: f.SubscriptionID,
				UserID:         f.UserID,
				Amount:         f.Amount,
				IdempotencyKey: f.IdempotencyKey,
				Reason:         cerr.Error(),
			}); rerr != nil {
				errs = multierr.Append(errs, rerr)
			}
			errs = multierr.Append(errs, fmt.Errorf("credit %s: %w", f.IdempotencyKey, cerr))
			continue
		}
		if rerr := s.credits.Resolve(ctx, f.ID, time.Now()); rerr != nil {
			errs = multierr.Append(errs, fmt.Errorf("resolve %s: %w", f.IdempotencyKey, rerr))
			continue
		}
		resolved++
		s.logger.Info("queued credit issued", "idempotency_key", f.IdempotencyKey, "amount", f.Amount.String())
	}
	return resolved, errs
}
