package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dukerupert/plansync/internal/database"
	"github.com/dukerupert/plansync/internal/model"
)

var (
	// ErrConflict is returned when the user already holds a pending or active subscription.
	ErrConflict = errors.New("open subscription already exists for user")
	// ErrDuplicateSession is returned when a gateway session id is already bound to a record.
	ErrDuplicateSession = errors.New("gateway session already recorded")
)

// Match selects the record a conditional transition applies to. Exactly one
// field must be set.
type Match struct {
	ID                    string
	SessionID             string
	GatewaySubscriptionID string
}

func (m Match) clause() (string, any, error) {
	switch {
	case m.ID != "" && m.SessionID == "" && m.GatewaySubscriptionID == "":
		return "id = ?", m.ID, nil
	case m.SessionID != "" && m.ID == "" && m.GatewaySubscriptionID == "":
		return "gateway_session_id = ?", m.SessionID, nil
	case m.GatewaySubscriptionID != "" && m.ID == "" && m.SessionID == "":
		return "gateway_subscription_id = ?", m.GatewaySubscriptionID, nil
	default:
		return "", nil, fmt.Errorf("match must set exactly one key: %+v", m)
	}
}

// Transition describes the fields written by a conditional transition.
// is_active follows Status. Gateway ids and CancelledAt are only written
// when the column is still empty.
type Transition struct {
	Status                model.Status
	At                    time.Time
	CancelledAt           *time.Time
	GatewayCustomerID     string
	GatewaySubscriptionID string
}

type SubscriptionStore struct {
	db *database.DB
}

func NewSubscriptionStore(db *database.DB) *SubscriptionStore {
	return &SubscriptionStore{db: db}
}

func scanSubscription(scanner interface{ Scan(...any) error }) (*model.Subscription, error) {
	var sub model.Subscription
	var sessionID, customerID, gatewaySubID sql.NullString
	err := scanner.Scan(
		&sub.ID, &sub.UserID, &sub.Plan, &sub.Amount, &sub.Status,
		timeCol{&sub.StartDate}, timeCol{&sub.EndDate}, &sub.IsActive, &sub.PaymentMethod,
		&sessionID, &customerID, &gatewaySubID, nullTimeCol{&sub.CancelledAt},
		timeCol{&sub.CreatedAt}, timeCol{&sub.UpdatedAt},
	)
	if err != nil {
		return nil, err
	}
	if sessionID.Valid {
		sub.GatewaySessionID = &sessionID.String
	}
	if customerID.Valid {
		sub.GatewayCustomerID = &customerID.String
	}
	if gatewaySubID.Valid {
		sub.GatewaySubscriptionID = &gatewaySubID.String
	}
	return &sub, nil
}

const subscriptionCols = `id, user_id, plan, amount, status, start_date, end_date, is_active, payment_method, ` +
	`gateway_session_id, gateway_customer_id, gateway_subscription_id, cancelled_at, created_at, updated_at`

// TryInsertPendingOrActive inserts sub if the user has no other pending or
// active record. The check is the partial unique index on user_id, so
// concurrent inserts for one user cannot both succeed.
func (s *SubscriptionStore) TryInsertPendingOrActive(ctx context.Context, sub *model.Subscription) error {
	if !sub.Status.Open() {
		return fmt.Errorf("insert subscription: status %q is not pending or active", sub.Status)
	}

	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	if sub.UpdatedAt.IsZero() {
		sub.UpdatedAt = sub.CreatedAt
	}
	sub.IsActive = sub.Status == model.StatusActive

	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO subscriptions (`+subscriptionCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		sub.ID, sub.UserID, sub.Plan, sub.Amount, sub.Status,
		sub.StartDate.UTC(), sub.EndDate.UTC(), sub.IsActive, sub.PaymentMethod,
		nullString(sub.GatewaySessionID), nullString(sub.GatewayCustomerID), nullString(sub.GatewaySubscriptionID),
		nullTime(sub.CancelledAt), sub.CreatedAt.UTC(), sub.UpdatedAt.UTC(),
	)
	if err != nil {
		if constraint, ok := uniqueViolation(err); ok {
			if strings.Contains(constraint, "gateway_session") {
				return ErrDuplicateSession
			}
			return ErrConflict
		}
		return fmt.Errorf("insert subscription: %w", err)
	}
	return nil
}

// ConditionalTransition applies t to the record selected by m only while its
// status is one of expected. It reports whether a row changed; false means the
// record is missing or already moved on.
func (s *SubscriptionStore) ConditionalTransition(ctx context.Context, m Match, expected []model.Status, t Transition) (bool, error) {
	if len(expected) == 0 {
		return false, errors.New("conditional transition: no expected status")
	}
	where, key, err := m.clause()
	if err != nil {
		return false, err
	}

	at := t.At
	if at.IsZero() {
		at = time.Now()
	}

	sets := []string{"status = ?", "is_active = ?", "updated_at = ?"}
	args := []any{t.Status, t.Status == model.StatusActive, at.UTC()}
	if t.CancelledAt != nil {
		sets = append(sets, "cancelled_at = COALESCE(cancelled_at, ?)")
		args = append(args, t.CancelledAt.UTC())
	}
	if t.GatewayCustomerID != "" {
		sets = append(sets, "gateway_customer_id = COALESCE(gateway_customer_id, ?)")
		args = append(args, t.GatewayCustomerID)
	}
	if t.GatewaySubscriptionID != "" {
		sets = append(sets, "gateway_subscription_id = COALESCE(gateway_subscription_id, ?)")
		args = append(args, t.GatewaySubscriptionID)
	}

	args = append(args, key)
	for _, st := range expected {
		args = append(args, st)
	}

	query := `UPDATE subscriptions SET ` + strings.Join(sets, ", ") +
		` WHERE ` + where + ` AND status IN (` + placeholders(len(expected)) + `)`

	result, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return false, fmt.Errorf("conditional transition: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// BulkConditionalExpire moves up to limit active records whose end date is
// before now to expired and returns them. Records that changed status
// concurrently are skipped by the status guard.
func (s *SubscriptionStore) BulkConditionalExpire(ctx context.Context, now time.Time, limit int) ([]*model.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	now = now.UTC()

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`UPDATE subscriptions SET status = ?, is_active = ?, updated_at = ?
		 WHERE status = ? AND end_date < ? AND id IN (
			SELECT id FROM subscriptions WHERE status = ? AND end_date < ? ORDER BY end_date LIMIT ?
		 )
		 RETURNING `+subscriptionCols),
		model.StatusExpired, false, now,
		model.StatusActive, now,
		model.StatusActive, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("bulk expire: %w", err)
	}
	defer rows.Close()

	var expired []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expired subscription: %w", err)
		}
		expired = append(expired, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("bulk expire rows: %w", err)
	}
	return expired, nil
}

// BulkCancelStalePending cancels up to limit pending card records created
// before cutoff and returns them. Records paid or cancelled concurrently are
// skipped by the status guard.
func (s *SubscriptionStore) BulkCancelStalePending(ctx context.Context, cutoff, now time.Time, limit int) ([]*model.Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	cutoff, now = cutoff.UTC(), now.UTC()

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`UPDATE subscriptions SET status = ?, is_active = ?, cancelled_at = ?, updated_at = ?
		 WHERE status = ? AND payment_method = ? AND created_at < ? AND id IN (
			SELECT id FROM subscriptions WHERE status = ? AND payment_method = ? AND created_at < ? ORDER BY created_at LIMIT ?
		 )
		 RETURNING `+subscriptionCols),
		model.StatusCancelled, false, now, now,
		model.StatusPending, model.PaymentCard, cutoff,
		model.StatusPending, model.PaymentCard, cutoff, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("cancel stale pending: %w", err)
	}
	defer rows.Close()

	var cancelled []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan cancelled subscription: %w", err)
		}
		cancelled = append(cancelled, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("cancel stale pending rows: %w", err)
	}
	return cancelled, nil
}

func (s *SubscriptionStore) getOne(ctx context.Context, what, where string, args ...any) (*model.Subscription, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`SELECT `+subscriptionCols+` FROM subscriptions WHERE `+where), args...)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", what, err)
	}
	return sub, nil
}

func (s *SubscriptionStore) GetByID(ctx context.Context, id string) (*model.Subscription, error) {
	return s.getOne(ctx, "by id", `id = ?`, id)
}

// GetOpenByUserID returns the user's pending or active record, if any.
func (s *SubscriptionStore) GetOpenByUserID(ctx context.Context, userID string) (*model.Subscription, error) {
	return s.getOne(ctx, "by user", `user_id = ? AND status IN (?, ?)`,
		userID, model.StatusPending, model.StatusActive)
}

func (s *SubscriptionStore) GetBySessionID(ctx context.Context, sessionID string) (*model.Subscription, error) {
	return s.getOne(ctx, "by session", `gateway_session_id = ?`, sessionID)
}

func (s *SubscriptionStore) GetByGatewaySubscriptionID(ctx context.Context, gatewaySubID string) (*model.Subscription, error) {
	return s.getOne(ctx, "by gateway subscription",
		`gateway_subscription_id = ? ORDER BY created_at DESC LIMIT 1`, gatewaySubID)
}

// ListByUserID returns every record the user owns, newest first.
func (s *SubscriptionStore) ListByUserID(ctx context.Context, userID string) ([]*model.Subscription, error) {
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT `+subscriptionCols+` FROM subscriptions WHERE user_id = ? ORDER BY created_at DESC`), userID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []*model.Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nullString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
