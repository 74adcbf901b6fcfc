package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/plansync/internal/database"
	"github.com/dukerupert/plansync/internal/gateway"
	"github.com/dukerupert/plansync/internal/logging"
	"github.com/dukerupert/plansync/internal/model"
	"github.com/dukerupert/plansync/internal/store"
)

type ledgerEntry struct {
	UserID string
	Amount decimal.Decimal
	Key    string
}

type fakeLedger struct {
	mu         sync.Mutex
	debits     []ledgerEntry
	credits    []ledgerEntry
	debitErr   error
	creditErr  error
	debitCalls []string
	// debitFailures are returned, in order, before debitErr is consulted.
	debitFailures []error
}

func (l *fakeLedger) Debit(ctx context.Context, userID string, amount decimal.Decimal, key, desc string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debitCalls = append(l.debitCalls, key)
	if len(l.debitFailures) > 0 {
		err := l.debitFailures[0]
		l.debitFailures = l.debitFailures[1:]
		return err
	}
	if l.debitErr != nil {
		return l.debitErr
	}
	l.debits = append(l.debits, ledgerEntry{userID, amount, key})
	return nil
}

func (l *fakeLedger) Credit(ctx context.Context, userID string, amount decimal.Decimal, key, desc string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.creditErr != nil {
		return l.creditErr
	}
	l.credits = append(l.credits, ledgerEntry{userID, amount, key})
	return nil
}

func (l *fakeLedger) setCreditErr(err error) {
	l.mu.Lock()
	l.creditErr = err
	l.mu.Unlock()
}

func (l *fakeLedger) creditEntries() []ledgerEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]ledgerEntry(nil), l.credits...)
}

type fakeGateway struct {
	mu        sync.Mutex
	n         int
	createErr error
	cancelled []string
	expired   []string
}

func (g *fakeGateway) CreateCheckoutSession(ctx context.Context, p gateway.CheckoutParams) (gateway.Session, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.createErr != nil {
		return gateway.Session{}, g.createErr
	}
	g.n++
	id := fmt.Sprintf("cs_test_%d", g.n)
	return gateway.Session{ID: id, URL: "https://checkout.test/" + id}, nil
}

func (g *fakeGateway) VerifyAndParse(body []byte, signature string) (gateway.Event, error) {
	return nil, errors.New("not used")
}

func (g *fakeGateway) CancelSubscription(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, id)
	return nil
}

func (g *fakeGateway) ExpireCheckoutSession(ctx context.Context, id string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.expired = append(g.expired, id)
	return nil
}

type publishedEvent struct {
	Key     string
	Payload []byte
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []publishedEvent
	err    error
}

func (p *recordingPublisher) Publish(ctx context.Context, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, publishedEvent{key, payload})
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) keys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Key)
	}
	return out
}

// blindStore hides open records from the fast-path read so tests can reach
// the insert race.
type blindStore struct {
	*store.SubscriptionStore
}

func (blindStore) GetOpenByUserID(ctx context.Context, userID string) (*model.Subscription, error) {
	return nil, nil
}

type testEnv struct {
	svc     *Service
	subs    *store.SubscriptionStore
	credits *store.CreditFailureStore
	ledger  *fakeLedger
	gw      *fakeGateway
	pub     *recordingPublisher
	now     time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		subs:    store.NewSubscriptionStore(db),
		credits: store.NewCreditFailureStore(db),
		ledger:  &fakeLedger{},
		gw:      &fakeGateway{},
		pub:     &recordingPublisher{},
		now:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	env.svc = env.newService(env.subs)
	return env
}

func (e *testEnv) newService(subs Store) *Service {
	cfg := DefaultConfig()
	cfg.LedgerRetries = 2
	cfg.LedgerBackoff = time.Millisecond
	svc := NewService(subs, e.credits, e.ledger, e.gw, e.pub, logging.Discard(), cfg)
	svc.SetClock(func() time.Time { return e.now })
	return svc
}

func (e *testEnv) insert(t *testing.T, sub *model.Subscription) {
	t.Helper()
	require.NoError(t, e.subs.TryInsertPendingOrActive(context.Background(), sub))
}

func (e *testEnv) reload(t *testing.T, id string) *model.Subscription {
	t.Helper()
	sub, err := e.subs.GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sub)
	return sub
}
