// Package webhook verifies gateway notifications, drops duplicates and hands
// them to the lifecycle service off the request path.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/plansync/internal/gateway"
	"github.com/dukerupert/plansync/internal/subscription"
)

type Verifier interface {
	VerifyAndParse(body []byte, signature string) (gateway.Event, error)
}

type Reconciler interface {
	ReconcileWebhookEvent(ctx context.Context, event gateway.Event) (bool, error)
}

// Deduper remembers which gateway event ids have been claimed for processing.
type Deduper interface {
	Claim(ctx context.Context, eventID, eventType string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type Config struct {
	// Workers is the number of processing goroutines. Zero processes every
	// event inline in Accept.
	Workers        int
	QueueSize      int
	ProcessTimeout time.Duration
}

type Dispatcher struct {
	verifier   Verifier
	reconciler Reconciler
	dedup      Deduper
	logger     *slog.Logger
	cfg        Config

	mu      sync.RWMutex
	queue   chan gateway.Event
	running bool
	wg      sync.WaitGroup
	ctx     context.Context
}

func NewDispatcher(v Verifier, r Reconciler, d Deduper, logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 30 * time.Second
	}
	return &Dispatcher{
		verifier:   v,
		reconciler: r,
		dedup:      d,
		logger:     logger.With("component", "webhook"),
		cfg:        cfg,
		ctx:        context.Background(),
	}
}

// Accept verifies a raw notification and schedules it. It returns
// subscription.ErrInvalidWebhook when the signature does not verify; every
// other outcome is acknowledged.
func (d *Dispatcher) Accept(ctx context.Context, body []byte, signature string) error {
	event, err := d.verifier.VerifyAndParse(body, signature)
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			d.logger.Warn("webhook rejected", "error", err)
			return fmt.Errorf("%w: %v", subscription.ErrInvalidWebhook, err)
		}
		d.logger.Error("webhook unreadable", "error", err)
		return nil
	}

	d.mu.RLock()
	if d.running {
		select {
		case d.queue <- event:
			d.mu.RUnlock()
			return nil
		default:
			d.logger.Warn("webhook queue full, processing inline", eventAttrs(event)...)
		}
	}
	d.mu.RUnlock()

	d.Process(context.WithoutCancel(ctx), event)
	return nil
}

// Start launches the workers. Without workers Start is a no-op.
func (d *Dispatcher) Start(ctx context.Context) {
	if d.cfg.Workers <= 0 {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return
	}
	d.queue = make(chan gateway.Event, d.cfg.QueueSize)
	d.ctx = context.WithoutCancel(ctx)
	d.running = true

	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker(d.queue)
	}
}

// Stop stops accepting queued work and waits until the queue is drained.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
}

func (d *Dispatcher) worker(queue <-chan gateway.Event) {
	defer d.wg.Done()
	for event := range queue {
		d.Process(d.ctx, event)
	}
}

// Process claims, reconciles and logs one event. A failure other than a
// state mismatch releases the claim so a redelivery is applied.
func (d *Dispatcher) Process(ctx context.Context, event gateway.Event) {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.ProcessTimeout)
	defer cancel()

	attrs := eventAttrs(event)
	if _, ok := event.(gateway.Unrecognized); ok {
		d.logger.Debug("webhook ignored", attrs...)
		return
	}

	claimed := false
	if d.dedup != nil {
		ok, err := d.dedup.Claim(ctx, event.ID(), event.Type())
		if err != nil {
			// Reconciliation is idempotent; carry on without the claim.
			d.logger.Warn("webhook dedup unavailable", append(attrs, "error", err)...)
		} else if !ok {
			d.logger.Info("webhook duplicate", attrs...)
			return
		} else {
			claimed = true
		}
	}

	start := time.Now()
	applied, err := d.reconciler.ReconcileWebhookEvent(ctx, event)
	attrs = append(attrs, "duration", time.Since(start))

	switch {
	case err == nil:
		d.logger.Info("webhook processed", append(attrs, "applied", applied)...)
	case errors.Is(err, subscription.ErrNotApplicable):
		d.logger.Warn("webhook not applicable", append(attrs, "reason", err)...)
	default:
		d.logger.Error("webhook failed", append(attrs, "error", err)...)
		if claimed {
			if rerr := d.dedup.Release(context.WithoutCancel(ctx), event.ID()); rerr != nil {
				d.logger.Error("webhook release claim", append(attrs, "error", rerr)...)
			}
		}
	}
}

func eventAttrs(event gateway.Event) []any {
	attrs := []any{"event_id", event.ID(), "event_type", event.Type()}
	switch e := event.(type) {
	case gateway.CheckoutCompleted:
		attrs = append(attrs, "session_id", e.SessionID, "gateway_subscription_id", e.SubscriptionID)
		if id := e.Metadata[gateway.MetaSubscriptionID]; id != "" {
			attrs = append(attrs, "subscription_id", id)
		}
	case gateway.CheckoutExpired:
		attrs = append(attrs, "session_id", e.SessionID)
		if id := e.Metadata[gateway.MetaSubscriptionID]; id != "" {
			attrs = append(attrs, "subscription_id", id)
		}
	case gateway.SubscriptionDeleted:
		attrs = append(attrs, "gateway_subscription_id", e.SubscriptionID)
		if id := e.Metadata[gateway.MetaSubscriptionID]; id != "" {
			attrs = append(attrs, "subscription_id", id)
		}
	case gateway.InvoicePaymentFailed:
		attrs = append(attrs, "gateway_subscription_id", e.SubscriptionID, "invoice_id", e.InvoiceID)
	}
	return attrs
}
