package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/plansync/internal/events"
	"github.com/dukerupert/plansync/internal/model"
)

// DefaultPendingTimeout is how long a card checkout may stay unpaid before
// the sweeper gives up on it. Stripe sessions lapse after 24 hours; the extra
// hour leaves room for the checkout.session.expired webhook to arrive first.
const DefaultPendingTimeout = 25 * time.Hour

// Expirer is the bulk primitives of the subscription store the sweeper uses.
type Expirer interface {
	BulkConditionalExpire(ctx context.Context, now time.Time, limit int) ([]*model.Subscription, error)
	BulkCancelStalePending(ctx context.Context, cutoff, now time.Time, limit int) ([]*model.Subscription, error)
}

// SessionExpirer closes a hosted checkout so it can no longer be paid.
type SessionExpirer interface {
	ExpireCheckoutSession(ctx context.Context, sessionID string) error
}

// Sweeper periodically expires active subscriptions past their end date and
// cancels card checkouts that were never paid.
type Sweeper struct {
	mu             sync.RWMutex
	store          Expirer
	publisher      events.Publisher
	sessions       SessionExpirer
	logger         *slog.Logger
	interval       time.Duration
	batch          int
	pendingTimeout time.Duration
	now            func() time.Time
	cancel         context.CancelFunc
	done           chan struct{}
}

func NewSweeper(store Expirer, pub events.Publisher, logger *slog.Logger, interval time.Duration, batch int) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = events.NewNoopPublisher(logger)
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &Sweeper{
		store:          store,
		publisher:      pub,
		logger:         logger.With("component", "sweeper"),
		interval:       interval,
		batch:          batch,
		pendingTimeout: DefaultPendingTimeout,
		now:            time.Now,
	}
}

// SetPendingTimeout changes how long a pending card record may wait for
// payment. A non-positive timeout disables the cleanup. When sessions is set
// the checkout of each cancelled record is expired as well.
func (s *Sweeper) SetPendingTimeout(timeout time.Duration, sessions SessionExpirer) {
	s.pendingTimeout = timeout
	s.sessions = sessions
}

// Start begins the sweep loop. The first pass runs immediately.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (s *Sweeper) Stop() {
	s.mu.RLock()
	cancel := s.cancel
	done := s.done
	s.mu.RUnlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	n, err := s.RunOnce(ctx)
	if err != nil {
		s.logger.Error("sweep failed", "expired", n, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("sweep complete", "expired", n)
	}

	n, err = s.CancelStalePending(ctx)
	if err != nil {
		s.logger.Error("stale checkout sweep failed", "cancelled", n, "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("stale checkouts cancelled", "cancelled", n)
	}
}

// RunOnce expires every lapsed subscription in batches and returns how many
// were expired. A failed follow-up for one record does not stop the pass.
func (s *Sweeper) RunOnce(ctx context.Context) (int, error) {
	now := s.now().UTC()
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		expired, err := s.store.BulkConditionalExpire(ctx, now, s.batch)
		if err != nil {
			return total, fmt.Errorf("expire batch: %w", err)
		}
		total += len(expired)
		for _, sub := range expired {
			s.followUp(ctx, sub, now)
		}
		if len(expired) < s.batch {
			return total, nil
		}
	}
}

func (s *Sweeper) followUp(ctx context.Context, sub *model.Subscription, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("sweep follow-up panicked", "subscription_id", sub.ID, "panic", r)
		}
	}()

	s.logger.Debug("subscription expired", "subscription_id", sub.ID, "user_id", sub.UserID, "end_date", sub.EndDate)
	if err := events.PublishLifecycle(ctx, s.publisher, events.NewLifecycle(sub, model.StatusExpired, now)); err != nil {
		s.logger.Warn("publish expiry", "subscription_id", sub.ID, "error", err)
	}
}

// CancelStalePending cancels pending card records older than the pending
// timeout and returns how many it cancelled.
func (s *Sweeper) CancelStalePending(ctx context.Context) (int, error) {
	if s.pendingTimeout <= 0 {
		return 0, nil
	}
	now := s.now().UTC()
	cutoff := now.Add(-s.pendingTimeout)
	total := 0
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		cancelled, err := s.store.BulkCancelStalePending(ctx, cutoff, now, s.batch)
		if err != nil {
			return total, fmt.Errorf("cancel stale batch: %w", err)
		}
		total += len(cancelled)
		for _, sub := range cancelled {
			s.releaseCheckout(ctx, sub, now)
		}
		if len(cancelled) < s.batch {
			return total, nil
		}
	}
}

func (s *Sweeper) releaseCheckout(ctx context.Context, sub *model.Subscription, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("stale checkout follow-up panicked", "subscription_id", sub.ID, "panic", r)
		}
	}()

	s.logger.Info("pending subscription cancelled, checkout never paid",
		"subscription_id", sub.ID,
		"user_id", sub.UserID,
		"created_at", sub.CreatedAt,
	)
	if s.sessions != nil && sub.GatewaySessionID != nil {
		if err := s.sessions.ExpireCheckoutSession(ctx, *sub.GatewaySessionID); err != nil {
			s.logger.Warn("expire stale checkout session", "subscription_id", sub.ID, "session_id", *sub.GatewaySessionID, "error", err)
		}
	}
	if err := events.PublishLifecycle(ctx, s.publisher, events.NewLifecycle(sub, model.StatusCancelled, now)); err != nil {
		s.logger.Warn("publish stale checkout cancellation", "subscription_id", sub.ID, "error", err)
	}
}
