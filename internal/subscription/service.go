// Package subscription implements the subscription lifecycle: wallet and card
// initiation, cancellation with prorated refunds, webhook reconciliation and
// expiry sweeps.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/shopspring/decimal"

	"github.com/dukerupert/plansync/internal/events"
	"github.com/dukerupert/plansync/internal/gateway"
	"github.com/dukerupert/plansync/internal/model"
	"github.com/dukerupert/plansync/internal/store"
	"github.com/dukerupert/plansync/internal/wallet"
)

// Store is the subset of *store.SubscriptionStore the service mutates through.
type Store interface {
	TryInsertPendingOrActive(ctx context.Context, sub *model.Subscription) error
	ConditionalTransition(ctx context.Context, m store.Match, expected []model.Status, t store.Transition) (bool, error)
	GetByID(ctx context.Context, id string) (*model.Subscription, error)
	GetOpenByUserID(ctx context.Context, userID string) (*model.Subscription, error)
	GetBySessionID(ctx context.Context, sessionID string) (*model.Subscription, error)
	GetByGatewaySubscriptionID(ctx context.Context, gatewaySubID string) (*model.Subscription, error)
	ListByUserID(ctx context.Context, userID string) ([]*model.Subscription, error)
}

// CreditQueue holds wallet credits that could not be issued.
type CreditQueue interface {
	Record(ctx context.Context, f *model.CreditFailure) error
	ListOpen(ctx context.Context, limit int) ([]*model.CreditFailure, error)
	Resolve(ctx context.Context, id int64, at time.Time) error
}

type Config struct {
	// RefundPlaces is the ledger's minor-unit precision.
	RefundPlaces int32
	// LedgerRetries bounds retries of a transient wallet ledger failure. Every
	// retry reuses the entry's idempotency key.
	LedgerRetries uint64
	LedgerBackoff time.Duration
	// CancelAttempts bounds re-reads when a cancel loses a transition race.
	CancelAttempts int
}

func DefaultConfig() Config {
	return Config{
		RefundPlaces:   0,
		LedgerRetries:  3,
		LedgerBackoff:  200 * time.Millisecond,
		CancelAttempts: 3,
	}
}

type Service struct {
	subs      Store
	credits   CreditQueue
	ledger    wallet.Ledger
	gateway   gateway.Gateway
	publisher events.Publisher
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

func NewService(subs Store, credits CreditQueue, ledger wallet.Ledger, gw gateway.Gateway, pub events.Publisher, logger *slog.Logger, cfg Config) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.NewNoopPublisher(logger)
	}
	if cfg.CancelAttempts <= 0 {
		cfg.CancelAttempts = DefaultConfig().CancelAttempts
	}
	if cfg.LedgerBackoff <= 0 {
		cfg.LedgerBackoff = DefaultConfig().LedgerBackoff
	}
	return &Service{
		subs:      subs,
		credits:   credits,
		ledger:    ledger,
		gateway:   gw,
		publisher: pub,
		logger:    logger.With("component", "subscription"),
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock overrides the service clock.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
}

func validate(userID string, plan model.Plan, amount decimal.Decimal) error {
	if userID == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidArgument)
	}
	if !plan.Valid() {
		return fmt.Errorf("%w: unknown plan %q", ErrInvalidArgument, plan)
	}
	if !amount.IsPositive() {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidArgument)
	}
	return nil
}

func (s *Service) ensureNoOpen(ctx context.Context, userID string) error {
	open, err := s.subs.GetOpenByUserID(ctx, userID)
	if err != nil {
		return fmt.Errorf("check open subscription: %w", err)
	}
	if open != nil {
		return ErrConflict
	}
	return nil
}

// InitiateWalletSubscription debits the wallet and records an active
// subscription. Nothing is persisted when the debit fails.
func (s *Service) InitiateWalletSubscription(ctx context.Context, userID string, plan model.Plan, amount decimal.Decimal) (*model.Subscription, error) {
	if err := validate(userID, plan, amount); err != nil {
		return nil, err
	}
	if err := s.ensureNoOpen(ctx, userID); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sub := &model.Subscription{
		ID:            uuid.NewString(),
		UserID:        userID,
		Plan:          plan,
		Amount:        amount,
		Status:        model.StatusActive,
		StartDate:     now,
		EndDate:       model.PeriodEnd(now),
		PaymentMethod: model.PaymentWallet,
	}

	desc := fmt.Sprintf("%s subscription %s", plan, sub.ID)
	if err := s.debit(ctx, userID, amount, sub.ID, desc); err != nil {
		if errors.Is(err, wallet.ErrInsufficientFunds) {
			return nil, ErrInsufficientFunds
		}
		if wallet.Retryable(err) {
			// The ledger may have applied it; the key lets the ledger side reconcile.
			s.logger.Error("wallet debit outcome unknown",
				"subscription_id", sub.ID,
				"user_id", userID,
				"amount", amount.String(),
				"idempotency_key", sub.ID,
				"error", err,
			)
		}
		return nil, fmt.Errorf("%w: %v", ErrPaymentFailed, err)
	}

	if err := s.subs.TryInsertPendingOrActive(ctx, sub); err != nil {
		// The debit went through but the record did not; give the money back.
		key := sub.ID + ":reversal"
		if cerr := s.credit(ctx, userID, amount, key, "reversal: "+desc); cerr != nil {
			s.queueCredit(ctx, sub, amount, key, cerr)
		}
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("record wallet subscription: %w", err)
	}

	s.logger.Info("wallet subscription activated",
		"subscription_id", sub.ID,
		"user_id", userID,
		"plan", plan,
		"amount", amount.String(),
	)
	s.publish(ctx, sub, model.StatusActive, nil)
	return sub, nil
}

type CheckoutResult struct {
	SubscriptionID string `json:"subscriptionId"`
	SessionID      string `json:"sessionId"`
	URL            string `json:"url"`
}

// InitiateCardSubscription opens a gateway checkout and records a pending
// subscription tied to the session.
func (s *Service) InitiateCardSubscription(ctx context.Context, userID string, plan model.Plan, amount decimal.Decimal, successURL, cancelURL string) (*CheckoutResult, error) {
	if err := validate(userID, plan, amount); err != nil {
		return nil, err
	}
	if successURL == "" || cancelURL == "" {
		return nil, fmt.Errorf("%w: success and cancel urls are required", ErrInvalidArgument)
	}
	if err := s.ensureNoOpen(ctx, userID); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	sess, err := s.gateway.CreateCheckoutSession(ctx, gateway.CheckoutParams{
		UserID:         userID,
		SubscriptionID: id,
		Plan:           string(plan),
		Amount:         amount,
		SuccessURL:     successURL,
		CancelURL:      cancelURL,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPaymentGateway, err)
	}

	now := s.now().UTC()
	sub := &model.Subscription{
		ID:               id,
		UserID:           userID,
		Plan:             plan,
		Amount:           amount,
		Status:           model.StatusPending,
		StartDate:        now,
		EndDate:          model.PeriodEnd(now),
		PaymentMethod:    model.PaymentCard,
		GatewaySessionID: &sess.ID,
	}
	if err := s.subs.TryInsertPendingOrActive(ctx, sub); err != nil {
		s.logger.Warn("checkout session orphaned",
			"session_id", sess.ID,
			"subscription_id", id,
			"user_id", userID,
			"error", err,
		)
		if xerr := s.gateway.ExpireCheckoutSession(ctx, sess.ID); xerr != nil {
			s.logger.Error("expire orphaned checkout session", "session_id", sess.ID, "error", xerr)
		}
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("record card subscription: %w", err)
	}

	s.logger.Info("card checkout started",
		"subscription_id", id,
		"session_id", sess.ID,
		"user_id", userID,
		"plan", plan,
	)
	return &CheckoutResult{SubscriptionID: id, SessionID: sess.ID, URL: sess.URL}, nil
}

type CancelResult struct {
	Success      bool                `json:"success"`
	Message      string              `json:"message"`
	Refund       decimal.Decimal     `json:"refund"`
	Warning      string              `json:"warning,omitempty"`
	Subscription *model.Subscription `json:"subscription,omitempty"`
}

// CancelSubscription cancels a pending or active subscription owned by
// userID. Cancelling an already cancelled subscription succeeds without side
// effects. Only the call whose transition applies credits the refund.
func (s *Service) CancelSubscription(ctx context.Context, userID, subscriptionID string) (*CancelResult, error) {
	for attempt := 0; attempt < s.cfg.CancelAttempts; attempt++ {
		sub, err := s.subs.GetByID(ctx, subscriptionID)
		if err != nil {
			return nil, fmt.Errorf("load subscription: %w", err)
		}
		if sub == nil {
			return nil, ErrNotFound
		}
		if sub.UserID != userID {
			return nil, ErrForbidden
		}

		switch sub.Status {
		case model.StatusCancelled:
			return &CancelResult{
				Success:      true,
				Message:      "subscription already cancelled",
				Refund:       decimal.Zero,
				Subscription: sub,
			}, nil
		case model.StatusExpired:
			return nil, fmt.Errorf("%w: subscription %s is expired", ErrNotApplicable, sub.ID)
		}

		now := s.now().UTC()
		refund := decimal.Zero
		if sub.Status == model.StatusActive {
			refund = Refund(sub.Amount, sub.StartDate, sub.EndDate, now, s.cfg.RefundPlaces)
		}

		applied, err := s.subs.ConditionalTransition(ctx, store.Match{ID: sub.ID},
			[]model.Status{sub.Status},
			store.Transition{Status: model.StatusCancelled, At: now, CancelledAt: &now},
		)
		if err != nil {
			return nil, fmt.Errorf("cancel subscription: %w", err)
		}
		if !applied {
			s.logger.Debug("cancel lost transition race, reloading", "subscription_id", sub.ID, "attempt", attempt+1)
			continue
		}

		observed := sub.Status
		sub.Status = model.StatusCancelled
		sub.IsActive = false
		sub.CancelledAt = &now
		sub.UpdatedAt = now

		result := &CancelResult{
			Success:      true,
			Message:      "subscription cancelled",
			Refund:       refund,
			Subscription: sub,
		}

		if refund.IsPositive() {
			key := sub.ID + ":refund"
			desc := fmt.Sprintf("refund for cancelled %s subscription %s", sub.Plan, sub.ID)
			if err := s.credit(ctx, sub.UserID, refund, key, desc); err != nil {
				s.queueCredit(ctx, sub, refund, key, err)
				result.Warning = "refund could not be credited yet; it has been queued for reconciliation"
			}
		}

		s.releaseGatewaySide(ctx, sub, observed)

		s.logger.Info("subscription cancelled",
			"subscription_id", sub.ID,
			"user_id", sub.UserID,
			"from", observed,
			"refund", refund.String(),
		)
		s.publish(ctx, sub, model.StatusCancelled, &refund)
		return result, nil
	}

	return nil, fmt.Errorf("cancel subscription %s: status kept changing", subscriptionID)
}

// releaseGatewaySide stops the recurring agreement for a card subscription,
// or expires the checkout a pending one is still waiting on.
func (s *Service) releaseGatewaySide(ctx context.Context, sub *model.Subscription, observed model.Status) {
	if sub.PaymentMethod != model.PaymentCard || s.gateway == nil {
		return
	}
	if sub.GatewaySubscriptionID != nil && *sub.GatewaySubscriptionID != "" {
		if err := s.gateway.CancelSubscription(ctx, *sub.GatewaySubscriptionID); err != nil {
			s.logger.Error("cancel gateway subscription",
				"subscription_id", sub.ID,
				"gateway_subscription_id", *sub.GatewaySubscriptionID,
				"error", err,
			)
		}
		return
	}
	if observed == model.StatusPending && sub.GatewaySessionID != nil {
		if err := s.gateway.ExpireCheckoutSession(ctx, *sub.GatewaySessionID); err != nil {
			s.logger.Warn("expire checkout session after cancel",
				"subscription_id", sub.ID,
				"session_id", *sub.GatewaySessionID,
				"error", err,
			)
		}
	}
}

// ListSubscriptions returns every subscription the user owns, newest first.
func (s *Service) ListSubscriptions(ctx context.Context, userID string) ([]*model.Subscription, error) {
	subs, err := s.subs.ListByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	if subs == nil {
		subs = []*model.Subscription{}
	}
	return subs, nil
}

// withLedgerRetry runs op, retrying transient ledger failures with
// exponential backoff. op must send the same idempotency key every time.
func (s *Service) withLedgerRetry(ctx context.Context, op func(context.Context) error) error {
	b := retry.WithMaxRetries(s.cfg.LedgerRetries, retry.NewExponential(s.cfg.LedgerBackoff))
	return retry.Do(ctx, b, func(ctx context.Context) error {
		err := op(ctx)
		if wallet.Retryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *Service) debit(ctx context.Context, userID string, amount decimal.Decimal, key, desc string) error {
	return s.withLedgerRetry(ctx, func(ctx context.Context) error {
		return s.ledger.Debit(ctx, userID, amount, key, desc)
	})
}

func (s *Service) credit(ctx context.Context, userID string, amount decimal.Decimal, key, desc string) error {
	return s.withLedgerRetry(ctx, func(ctx context.Context) error {
		return s.ledger.Credit(ctx, userID, amount, key, desc)
	})
}

func (s *Service) queueCredit(ctx context.Context, sub *model.Subscription, amount decimal.Decimal, key string, cause error) {
	s.logger.Error("wallet credit failed",
		"subscription_id", sub.ID,
		"user_id", sub.UserID,
		"amount", amount.String(),
		"idempotency_key", key,
		"error", cause,
	)
	if s.credits == nil {
		return
	}
	err := s.credits.Record(ctx, &model.CreditFailure{
		SubscriptionID: sub.ID,
		UserID:         sub.UserID,
		Amount:         amount,
		IdempotencyKey: key,
		Reason:         cause.Error(),
	})
	if err != nil {
		s.logger.Error("queue failed credit", "idempotency_key", key, "error", err)
	}
}

func (s *Service) publish(ctx context.Context, sub *model.Subscription, status model.Status, refund *decimal.Decimal) {
	msg := events.NewLifecycle(sub, status, s.now())
	if refund != nil && refund.IsPositive() {
		msg.Refund = refund
	}
	if err := events.PublishLifecycle(ctx, s.publisher, msg); err != nil {
		s.logger.Warn("publish lifecycle event", "subscription_id", sub.ID, "status", status, "error", err)
	}
}
