package subscription

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dukerupert/plansync/internal/events"
	"github.com/dukerupert/plansync/internal/gateway"
	"github.com/dukerupert/plansync/internal/model"
)

func startCheckout(t *testing.T, env *testEnv, userID string) *CheckoutResult {
	t.Helper()
	res, err := env.svc.InitiateCardSubscription(context.Background(), userID, model.PlanPremium, price,
		"https://app/ok", "https://app/cancel")
	require.NoError(t, err)
	return res
}

func completed(res *CheckoutResult, eventID string) gateway.CheckoutCompleted {
	return gateway.CheckoutCompleted{
		EventID:        eventID,
		SessionID:      res.SessionID,
		CustomerID:     "cus_1",
		SubscriptionID: "sub_" + res.SubscriptionID,
		Metadata:       map[string]string{gateway.MetaSubscriptionID: res.SubscriptionID},
	}
}

func TestReconcileCheckoutCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := startCheckout(t, env, "user-1")

	applied, err := env.svc.ReconcileWebhookEvent(ctx, completed(res, "evt_1"))
	require.NoError(t, err)
	assert.True(t, applied)

	sub := env.reload(t, res.SubscriptionID)
	assert.Equal(t, model.StatusActive, sub.Status)
	assert.True(t, sub.IsActive)
	require.NotNil(t, sub.GatewayCustomerID)
	assert.Equal(t, "cus_1", *sub.GatewayCustomerID)
	require.NotNil(t, sub.GatewaySubscriptionID)
	assert.Equal(t, "sub_"+res.SubscriptionID, *sub.GatewaySubscriptionID)

	// Redelivery under a new event id is still a no-op.
	applied, err = env.svc.ReconcileWebhookEvent(ctx, completed(res, "evt_2"))
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, []string{events.RoutingActivated}, env.pub.keys())
}

func TestReconcileCheckoutCompletedUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.ReconcileWebhookEvent(context.Background(), gateway.CheckoutCompleted{
		EventID: "evt_1", SessionID: "cs_unknown",
	})
	assert.ErrorIs(t, err, ErrNotApplicable)
}

func TestReconcileDeletedBeforeCompleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := startCheckout(t, env, "user-1")
	gatewaySubID := "sub_" + res.SubscriptionID

	applied, err := env.svc.ReconcileWebhookEvent(ctx, gateway.SubscriptionDeleted{
		EventID:        "evt_del",
		SubscriptionID: gatewaySubID,
		Metadata:       map[string]string{gateway.MetaSubscriptionID: res.SubscriptionID},
	})
	require.NoError(t, err)
	assert.True(t, applied)

	sub := env.reload(t, res.SubscriptionID)
	assert.Equal(t, model.StatusCancelled, sub.Status)
	require.NotNil(t, sub.GatewaySubscriptionID)
	assert.Equal(t, gatewaySubID, *sub.GatewaySubscriptionID)

	// The late completion must not resurrect the record.
	applied, err = env.svc.ReconcileWebhookEvent(ctx, completed(res, "evt_done"))
	assert.ErrorIs(t, err, ErrNotApplicable)
	assert.False(t, applied)
	assert.Equal(t, model.StatusCancelled, env.reload(t, res.SubscriptionID).Status)
	assert.Equal(t, []string{gatewaySubID}, env.gw.cancelled)
}

func TestReconcileSubscriptionDeleted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := startCheckout(t, env, "user-1")
	_, err := env.svc.ReconcileWebhookEvent(ctx, completed(res, "evt_1"))
	require.NoError(t, err)

	deleted := gateway.SubscriptionDeleted{EventID: "evt_2", SubscriptionID: "sub_" + res.SubscriptionID}
	applied, err := env.svc.ReconcileWebhookEvent(ctx, deleted)
	require.NoError(t, err)
	assert.True(t, applied)

	sub := env.reload(t, res.SubscriptionID)
	assert.Equal(t, model.StatusCancelled, sub.Status)
	assert.False(t, sub.IsActive)
	assert.NotNil(t, sub.CancelledAt)

	applied, err = env.svc.ReconcileWebhookEvent(ctx, deleted)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestReconcileDeletedAfterUserCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := startCheckout(t, env, "user-1")
	_, err := env.svc.ReconcileWebhookEvent(ctx, completed(res, "evt_1"))
	require.NoError(t, err)

	_, err = env.svc.CancelSubscription(ctx, "user-1", res.SubscriptionID)
	require.NoError(t, err)
	assert.Equal(t, []string{"sub_" + res.SubscriptionID}, env.gw.cancelled)

	applied, err := env.svc.ReconcileWebhookEvent(ctx, gateway.SubscriptionDeleted{
		EventID: "evt_2", SubscriptionID: "sub_" + res.SubscriptionID,
	})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestReconcileSubscriptionDeletedUnknown(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.ReconcileWebhookEvent(context.Background(), gateway.SubscriptionDeleted{
		EventID: "evt_1", SubscriptionID: "sub_unknown",
		Metadata: map[string]string{gateway.MetaSubscriptionID: "no-such-record"},
	})
	assert.ErrorIs(t, err, ErrNotApplicable)
}

func TestReconcileInvoicePaymentFailed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := startCheckout(t, env, "user-1")
	_, err := env.svc.ReconcileWebhookEvent(ctx, completed(res, "evt_1"))
	require.NoError(t, err)

	failed := gateway.InvoicePaymentFailed{EventID: "evt_2", SubscriptionID: "sub_" + res.SubscriptionID, InvoiceID: "in_1"}
	applied, err := env.svc.ReconcileWebhookEvent(ctx, failed)
	require.NoError(t, err)
	assert.True(t, applied)

	sub := env.reload(t, res.SubscriptionID)
	assert.Equal(t, model.StatusExpired, sub.Status)
	assert.False(t, sub.IsActive)

	applied, err = env.svc.ReconcileWebhookEvent(ctx, failed)
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, []string{events.RoutingActivated, events.RoutingExpired}, env.pub.keys())
}

func TestReconcileInvoicePaymentFailedNotApplicable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.svc.ReconcileWebhookEvent(ctx, gateway.InvoicePaymentFailed{EventID: "evt_1", InvoiceID: "in_1"})
	assert.ErrorIs(t, err, ErrNotApplicable)

	_, err = env.svc.ReconcileWebhookEvent(ctx, gateway.InvoicePaymentFailed{EventID: "evt_2", SubscriptionID: "sub_x"})
	assert.ErrorIs(t, err, ErrNotApplicable)

	// A deletion for an unknown gateway subscription leaves the pending record alone.
	res := startCheckout(t, env, "user-1")
	_, err = env.svc.ReconcileWebhookEvent(ctx, gateway.SubscriptionDeleted{EventID: "evt_3", SubscriptionID: "sub_other"})
	assert.ErrorIs(t, err, ErrNotApplicable)
	assert.Equal(t, model.StatusPending, env.reload(t, res.SubscriptionID).Status)
}

func TestReconcileUnrecognized(t *testing.T) {
	env := newTestEnv(t)

	applied, err := env.svc.ReconcileWebhookEvent(context.Background(), gateway.Unrecognized{EventID: "evt_1", EventType: "customer.created"})
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestReconcileCheckoutExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := startCheckout(t, env, "user-1")

	expired := gateway.CheckoutExpired{EventID: "evt_1", SessionID: res.SessionID}
	applied, err := env.svc.ReconcileWebhookEvent(ctx, expired)
	require.NoError(t, err)
	assert.True(t, applied)

	sub := env.reload(t, res.SubscriptionID)
	assert.Equal(t, model.StatusCancelled, sub.Status)
	assert.False(t, sub.IsActive)
	require.NotNil(t, sub.CancelledAt)
	assert.Equal(t, []string{events.RoutingCancelled}, env.pub.keys())

	// A late completion for the lapsed session does not revive the record.
	applied, err = env.svc.ReconcileWebhookEvent(ctx, completed(res, "evt_2"))
	assert.ErrorIs(t, err, ErrNotApplicable)
	assert.False(t, applied)
	assert.Equal(t, model.StatusCancelled, env.reload(t, res.SubscriptionID).Status)
	assert.Equal(t, []string{"sub_" + res.SubscriptionID}, env.gw.cancelled)

	// The user can start a new subscription.
	startCheckout(t, env, "user-1")
}

func TestReconcileCheckoutExpiredAfterPayment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	res := startCheckout(t, env, "user-1")

	_, err := env.svc.ReconcileWebhookEvent(ctx, completed(res, "evt_1"))
	require.NoError(t, err)

	applied, err := env.svc.ReconcileWebhookEvent(ctx, gateway.CheckoutExpired{EventID: "evt_2", SessionID: res.SessionID})
	require.NoError(t, err)
	assert.False(t, applied)
	assert.Equal(t, model.StatusActive, env.reload(t, res.SubscriptionID).Status)
}

func TestReconcileCheckoutExpiredUnknownSession(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.ReconcileWebhookEvent(context.Background(), gateway.CheckoutExpired{EventID: "evt_1", SessionID: "cs_unknown"})
	assert.ErrorIs(t, err, ErrNotApplicable)
}
