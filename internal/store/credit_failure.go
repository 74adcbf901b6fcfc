package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dukerupert/plansync/internal/database"
	"github.com/dukerupert/plansync/internal/model"
)

// CreditFailureStore queues refund credits the wallet ledger rejected.
type CreditFailureStore struct {
	db *database.DB
}

func NewCreditFailureStore(db *database.DB) *CreditFailureStore {
	return &CreditFailureStore{db: db}
}

func scanCreditFailure(scanner interface{ Scan(...any) error }) (*model.CreditFailure, error) {
	var f model.CreditFailure
	err := scanner.Scan(
		&f.ID, &f.SubscriptionID, &f.UserID, &f.Amount, &f.IdempotencyKey,
		&f.Reason, &f.Attempts, timeCol{&f.CreatedAt}, nullTimeCol{&f.ResolvedAt},
	)
	if err != nil {
		return nil, err
	}
	return &f, nil
}

const creditFailureCols = `id, subscription_id, user_id, amount, idempotency_key, reason, attempts, created_at, resolved_at`

// Record queues a failed credit. Recording the same idempotency key again
// bumps the attempt count and reopens the entry.
func (s *CreditFailureStore) Record(ctx context.Context, f *model.CreditFailure) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO credit_failures (subscription_id, user_id, amount, idempotency_key, reason, attempts, created_at)
		 VALUES (?, ?, ?, ?, ?, 1, ?)
		 ON CONFLICT (idempotency_key) DO UPDATE SET
			attempts = credit_failures.attempts + 1,
			reason = excluded.reason,
			resolved_at = NULL`),
		f.SubscriptionID, f.UserID, f.Amount, f.IdempotencyKey, f.Reason, f.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record credit failure: %w", err)
	}
	return nil
}

// ListOpen returns unresolved failures, oldest first.
func (s *CreditFailureStore) ListOpen(ctx context.Context, limit int) ([]*model.CreditFailure, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(
		`SELECT `+creditFailureCols+` FROM credit_failures WHERE resolved_at IS NULL ORDER BY created_at, id LIMIT ?`),
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list credit failures: %w", err)
	}
	defer rows.Close()

	var out []*model.CreditFailure
	for rows.Next() {
		f, err := scanCreditFailure(rows)
		if err != nil {
			return nil, fmt.Errorf("scan credit failure: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (s *CreditFailureStore) Resolve(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE credit_failures SET resolved_at = ? WHERE id = ? AND resolved_at IS NULL`),
		at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("resolve credit failure: %w", err)
	}
	return nil
}
