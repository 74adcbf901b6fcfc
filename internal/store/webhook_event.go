package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dukerupert/plansync/internal/database"
)

// WebhookEventStore is the persisted dedup table for gateway event ids.
type WebhookEventStore struct {
	db *database.DB
}

func NewWebhookEventStore(db *database.DB) *WebhookEventStore {
	return &WebhookEventStore{db: db}
}

// Claim records eventID and reports true if this call inserted it. A false
// result means the event was already claimed.
func (s *WebhookEventStore) Claim(ctx context.Context, eventID, eventType string) (bool, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO webhook_events (event_id, event_type, received_at) VALUES (?, ?, ?)
		 ON CONFLICT (event_id) DO NOTHING`),
		eventID, eventType, time.Now().UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// Release forgets eventID so a redelivery is processed again.
func (s *WebhookEventStore) Release(ctx context.Context, eventID string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM webhook_events WHERE event_id = ?`), eventID)
	if err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}

// DeleteBefore prunes claims older than cutoff.
func (s *WebhookEventStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM webhook_events WHERE received_at < ?`), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old webhook events: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
