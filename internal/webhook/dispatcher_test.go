package webhook

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/plansync/internal/database"
	"github.com/dukerupert/plansync/internal/gateway"
	"github.com/dukerupert/plansync/internal/logging"
	"github.com/dukerupert/plansync/internal/store"
	"github.com/dukerupert/plansync/internal/subscription"
)

// stubVerifier treats the body as the event id of a checkout completion.
type stubVerifier struct {
	err error
}

func (v stubVerifier) VerifyAndParse(body []byte, signature string) (gateway.Event, error) {
	if v.err != nil {
		return nil, v.err
	}
	if string(body) == "other" {
		return gateway.Unrecognized{EventID: "evt_other", EventType: "customer.created"}, nil
	}
	return gateway.CheckoutCompleted{EventID: string(body), SessionID: "cs_" + string(body)}, nil
}

type countingReconciler struct {
	mu    sync.Mutex
	calls map[string]int
	errs  []error
}

func (r *countingReconciler) ReconcileWebhookEvent(ctx context.Context, event gateway.Event) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[event.ID()]++
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return false, err
	}
	return true, nil
}

func (r *countingReconciler) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func (r *countingReconciler) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.calls {
		n += c
	}
	return n
}

type failingDeduper struct{}

func (failingDeduper) Claim(ctx context.Context, id, typ string) (bool, error) {
	return false, errors.New("redis down")
}
func (failingDeduper) Release(ctx context.Context, id string) error { return nil }

func newEventStore(t *testing.T) *store.WebhookEventStore {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return store.NewWebhookEventStore(db)
}

func TestAcceptRejectsInvalidSignature(t *testing.T) {
	rec := &countingReconciler{}
	d := NewDispatcher(stubVerifier{err: fmt.Errorf("%w: bad", gateway.ErrInvalidSignature)}, rec, newEventStore(t), logging.Discard(), Config{})

	err := d.Accept(context.Background(), []byte("evt_1"), "bad")
	assert.ErrorIs(t, err, subscription.ErrInvalidWebhook)
	assert.Zero(t, rec.total())
}

func TestAcceptAcknowledgesMalformed(t *testing.T) {
	rec := &countingReconciler{}
	d := NewDispatcher(stubVerifier{err: gateway.ErrMalformedEvent}, rec, newEventStore(t), logging.Discard(), Config{})

	assert.NoError(t, d.Accept(context.Background(), []byte("evt_1"), "sig"))
	assert.Zero(t, rec.total())
}

func TestAcceptDropsDuplicates(t *testing.T) {
	rec := &countingReconciler{}
	d := NewDispatcher(stubVerifier{}, rec, newEventStore(t), logging.Discard(), Config{})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, d.Accept(ctx, []byte("evt_1"), "sig"))
	}
	assert.Equal(t, 1, rec.count("evt_1"))
}

func TestFailedProcessingReleasesClaim(t *testing.T) {
	rec := &countingReconciler{errs: []error{errors.New("database is locked")}}
	d := NewDispatcher(stubVerifier{}, rec, newEventStore(t), logging.Discard(), Config{})
	ctx := context.Background()

	require.NoError(t, d.Accept(ctx, []byte("evt_1"), "sig"))
	require.NoError(t, d.Accept(ctx, []byte("evt_1"), "sig"))
	require.NoError(t, d.Accept(ctx, []byte("evt_1"), "sig"))
	assert.Equal(t, 2, rec.count("evt_1"), "retried once after the failure, then deduplicated")
}

func TestNotApplicableKeepsClaim(t *testing.T) {
	rec := &countingReconciler{errs: []error{fmt.Errorf("%w: gone", subscription.ErrNotApplicable)}}
	d := NewDispatcher(stubVerifier{}, rec, newEventStore(t), logging.Discard(), Config{})
	ctx := context.Background()

	require.NoError(t, d.Accept(ctx, []byte("evt_1"), "sig"))
	require.NoError(t, d.Accept(ctx, []byte("evt_1"), "sig"))
	assert.Equal(t, 1, rec.count("evt_1"))
}

func TestUnrecognizedIsNotReconciled(t *testing.T) {
	rec := &countingReconciler{}
	events := newEventStore(t)
	d := NewDispatcher(stubVerifier{}, rec, events, logging.Discard(), Config{})

	require.NoError(t, d.Accept(context.Background(), []byte("other"), "sig"))
	assert.Zero(t, rec.total())

	claimed, err := events.Claim(context.Background(), "evt_other", "customer.created")
	require.NoError(t, err)
	assert.True(t, claimed, "unrecognized events are not recorded")
}

func TestDedupOutageStillProcesses(t *testing.T) {
	rec := &countingReconciler{}
	d := NewDispatcher(stubVerifier{}, rec, failingDeduper{}, logging.Discard(), Config{})

	require.NoError(t, d.Accept(context.Background(), []byte("evt_1"), "sig"))
	assert.Equal(t, 1, rec.count("evt_1"))
}

func TestWorkersDrainOnStop(t *testing.T) {
	rec := &countingReconciler{}
	d := NewDispatcher(stubVerifier{}, rec, newEventStore(t), logging.Discard(), Config{Workers: 4, QueueSize: 8})
	d.Start(context.Background())

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, d.Accept(context.Background(), []byte(fmt.Sprintf("evt_%d", i)), "sig"))
	}
	d.Stop()

	assert.Equal(t, n, rec.total())
	for i := 0; i < n; i++ {
		assert.Equal(t, 1, rec.count(fmt.Sprintf("evt_%d", i)))
	}

	// After Stop events are processed inline.
	require.NoError(t, d.Accept(context.Background(), []byte("evt_late"), "sig"))
	assert.Equal(t, 1, rec.count("evt_late"))
}
