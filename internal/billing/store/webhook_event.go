package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/academy/internal/billing/model"
	"github.com/dukerupert/academy/internal/database"
)

// WebhookLease is how long a claim is held before another delivery of the
// same event may take it over.
const WebhookLease = 5 * time.Minute

// maxErrorLen bounds last_error so a huge upstream message can't bloat the row.
const maxErrorLen = 1000

// WebhookEventStore records which Stripe events have been processed.
type WebhookEventStore struct {
	db *database.DB
}

func NewWebhookEventStore(db *database.DB) *WebhookEventStore {
	return &WebhookEventStore{db: db}
}

func scanWebhookEvent(row scanner) (*model.WebhookEvent, error) {
	var e model.WebhookEvent
	var status string
	var processedAt sql.NullTime
	var lastErr sql.NullString
	err := row.Scan(
		&e.EventID, &e.EventType, &status, &e.Attempts,
		&e.LeaseExpiresAt, &processedAt, &lastErr, &e.LastSeenAt,
	)
	if err != nil {
		return nil, err
	}
	e.Status = model.EventStatus(status)
	e.ProcessedAt = timePtr(processedAt)
	e.LastError = lastErr.String
	e.LeaseExpiresAt = e.LeaseExpiresAt.UTC()
	e.LastSeenAt = e.LastSeenAt.UTC()
	return &e, nil
}

const webhookEventCols = `event_id, event_type, status, attempts, lease_expires_at, processed_at, last_error, last_seen_at`

// Claim tries to take ownership of eventID. It returns true when the caller
// should process the event: either no row existed, the previous attempt
// failed, or the previous claim's lease has run out. A succeeded event, or one
// still leased to another worker, is never claimed.
func (s *WebhookEventStore) Claim(ctx context.Context, eventID, eventType string, now time.Time) (bool, error) {
	now = dbTime(now)
	lease := now.Add(WebhookLease)

	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO stripe_webhook_events (event_id, event_type, status, attempts, lease_expires_at, last_seen_at)
		VALUES (?, ?, ?, 1, ?, ?)
		ON CONFLICT (event_id) DO NOTHING`),
		eventID, eventType, string(model.EventClaimed), lease, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return false, fmt.Errorf("insert webhook event rows: %w", err)
	} else if n == 1 {
		return true, nil
	}

	result, err = s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE stripe_webhook_events
		SET status = ?, attempts = attempts + 1, lease_expires_at = ?, last_seen_at = ?
		WHERE event_id = ?
			AND (status = ? OR (status = ? AND lease_expires_at <= ?))`),
		string(model.EventClaimed), lease, now, eventID,
		string(model.EventFailed), string(model.EventClaimed), now,
	)
	if err != nil {
		return false, fmt.Errorf("reclaim webhook event: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reclaim webhook event rows: %w", err)
	}
	if n == 1 {
		return true, nil
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE stripe_webhook_events SET last_seen_at = ? WHERE event_id = ?`), now, eventID); err != nil {
		return false, fmt.Errorf("touch webhook event: %w", err)
	}
	return false, nil
}

func (s *WebhookEventStore) MarkSucceeded(ctx context.Context, eventID string, now time.Time) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE stripe_webhook_events SET status = ?, processed_at = ?, last_error = NULL WHERE event_id = ?`),
		string(model.EventSucceeded), dbTime(now), eventID,
	)
	if err != nil {
		return fmt.Errorf("mark webhook event succeeded: %w", err)
	}
	return nil
}

// MarkFailed releases the claim so the next delivery can retry.
func (s *WebhookEventStore) MarkFailed(ctx context.Context, eventID string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	if len(msg) > maxErrorLen {
		msg = msg[:maxErrorLen]
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`UPDATE stripe_webhook_events SET status = ?, last_error = ? WHERE event_id = ?`),
		string(model.EventFailed), nullString(msg), eventID,
	)
	if err != nil {
		return fmt.Errorf("mark webhook event failed: %w", err)
	}
	return nil
}

func (s *WebhookEventStore) Get(ctx context.Context, eventID string) (*model.WebhookEvent, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+webhookEventCols+` FROM stripe_webhook_events WHERE event_id = ?`), eventID)
	e, err := scanWebhookEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event: %w", err)
	}
	return e, nil
}

// DeleteProcessedBefore prunes succeeded events processed before cutoff.
func (s *WebhookEventStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM stripe_webhook_events WHERE status = ? AND processed_at < ?`),
		string(model.EventSucceeded), dbTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("delete processed webhook events: %w", err)
	}
	return result.RowsAffected()
}
