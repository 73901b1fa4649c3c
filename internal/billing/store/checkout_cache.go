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

// CheckoutCacheStore remembers open checkout sessions per user+price+interval.
type CheckoutCacheStore struct {
	db *database.DB
}

func NewCheckoutCacheStore(db *database.DB) *CheckoutCacheStore {
	return &CheckoutCacheStore{db: db}
}

func scanCheckoutCache(row scanner) (*model.CheckoutCacheEntry, error) {
	var e model.CheckoutCacheEntry
	err := row.Scan(
		&e.CacheKey, &e.UserID, &e.PriceID, &e.Interval,
		&e.SessionID, &e.URL, &e.ExpiresAt, &e.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ExpiresAt = e.ExpiresAt.UTC()
	e.CreatedAt = e.CreatedAt.UTC()
	return &e, nil
}

const checkoutCacheCols = `cache_key, user_id, price_id, plan_interval, checkout_session_id, checkout_url, expires_at, created_at`

// Get returns the entry for key, or nil if there is none. Expired rows are
// returned as-is; freshness is the caller's decision.
func (s *CheckoutCacheStore) Get(ctx context.Context, key string) (*model.CheckoutCacheEntry, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+checkoutCacheCols+` FROM checkout_session_cache WHERE cache_key = ?`), key)
	e, err := scanCheckoutCache(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkout cache: %w", err)
	}
	return e, nil
}

// Put stores e, replacing any existing entry with the same key.
func (s *CheckoutCacheStore) Put(ctx context.Context, e *model.CheckoutCacheEntry) error {
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO checkout_session_cache (`+checkoutCacheCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (cache_key) DO UPDATE SET
			user_id = excluded.user_id,
			price_id = excluded.price_id,
			plan_interval = excluded.plan_interval,
			checkout_session_id = excluded.checkout_session_id,
			checkout_url = excluded.checkout_url,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at`),
		e.CacheKey, e.UserID, e.PriceID, e.Interval, e.SessionID, e.URL,
		dbTime(e.ExpiresAt), dbTime(createdAt),
	)
	if err != nil {
		return fmt.Errorf("put checkout cache: %w", err)
	}
	return nil
}

func (s *CheckoutCacheStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM checkout_session_cache WHERE cache_key = ?`), key)
	if err != nil {
		return fmt.Errorf("delete checkout cache: %w", err)
	}
	return nil
}

func (s *CheckoutCacheStore) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM checkout_session_cache WHERE user_id = ?`), userID)
	if err != nil {
		return 0, fmt.Errorf("delete checkout cache by user: %w", err)
	}
	return result.RowsAffected()
}

func (s *CheckoutCacheStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM checkout_session_cache WHERE expires_at <= ?`), dbTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired checkout cache: %w", err)
	}
	return result.RowsAffected()
}
