package subscription

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/plansync/internal/events"
	"github.com/dukerupert/plansync/internal/logging"
	"github.com/dukerupert/plansync/internal/model"
)

func insertActive(t *testing.T, env *testEnv, start time.Time) *model.Subscription {
	t.Helper()
	sub := &model.Subscription{
		ID: uuid.NewString(), UserID: uuid.NewString(), Plan: model.PlanStandard, Amount: price,
		Status: model.StatusActive, StartDate: start, EndDate: model.PeriodEnd(start),
		PaymentMethod: model.PaymentWallet,
	}
	env.insert(t, sub)
	return sub
}

func TestSweeperRunOnce(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	var lapsed []*model.Subscription
	for i := 0; i < 5; i++ {
		lapsed = append(lapsed, insertActive(t, env, now.AddDate(0, -2, i)))
	}
	current := insertActive(t, env, now.AddDate(0, 0, -5))

	sw := NewSweeper(env.subs, env.pub, logging.Discard(), time.Minute, 2)
	sw.now = func() time.Time { return now }

	n, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	for _, sub := range lapsed {
		assert.Equal(t, model.StatusExpired, env.reload(t, sub.ID).Status)
	}
	assert.Equal(t, model.StatusActive, env.reload(t, current.ID).Status)
	assert.Len(t, env.pub.keys(), 5)
	for _, k := range env.pub.keys() {
		assert.Equal(t, events.RoutingExpired, k)
	}

	n, err = sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeperFollowUpFailureDoesNotAbort(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		insertActive(t, env, now.AddDate(0, -2, i))
	}

	pub := &recordingPublisher{err: errors.New("broker down")}
	sw := NewSweeper(env.subs, pub, logging.Discard(), time.Minute, 1)
	sw.now = func() time.Time { return now }

	n, err := sw.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestSweeperStartStop(t *testing.T) {
	env := newTestEnv(t)
	sub := insertActive(t, env, time.Now().AddDate(0, -2, 0))

	sw := NewSweeper(env.subs, nil, logging.Discard(), time.Hour, 10)
	sw.Start(context.Background())

	require.Eventually(t, func() bool {
		got, err := env.subs.GetByID(context.Background(), sub.ID)
		return err == nil && got != nil && got.Status == model.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)

	sw.Stop()
}

func TestSweeperCancelStalePending(t *testing.T) {
	env := newTestEnv(t)
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	pending := func(created time.Time, session string) *model.Subscription {
		sub := &model.Subscription{
			ID: uuid.NewString(), UserID: uuid.NewString(), Plan: model.PlanStandard, Amount: price,
			Status: model.StatusPending, StartDate: created, EndDate: model.PeriodEnd(created),
			PaymentMethod: model.PaymentCard, GatewaySessionID: &session, CreatedAt: created,
		}
		env.insert(t, sub)
		return sub
	}
	stale := pending(now.Add(-26*time.Hour), "cs_stale")
	fresh := pending(now.Add(-time.Hour), "cs_fresh")

	sw := NewSweeper(env.subs, env.pub, logging.Discard(), time.Minute, 10)
	sw.now = func() time.Time { return now }
	sw.SetPendingTimeout(DefaultPendingTimeout, env.gw)

	n, err := sw.CancelStalePending(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got := env.reload(t, stale.ID)
	assert.Equal(t, model.StatusCancelled, got.Status)
	require.NotNil(t, got.CancelledAt)
	assert.Equal(t, model.StatusPending, env.reload(t, fresh.ID).Status)
	assert.Equal(t, []string{"cs_stale"}, env.gw.expired)
	assert.Equal(t, []string{events.RoutingCancelled}, env.pub.keys())

	// The user is free to start over.
	open, err := env.subs.GetOpenByUserID(context.Background(), stale.UserID)
	require.NoError(t, err)
	assert.Nil(t, open)

	sw.SetPendingTimeout(0, nil)
	n, err = sw.CancelStalePending(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}
