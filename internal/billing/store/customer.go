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

// CustomerStore persists the Stripe customer to user mapping.
type CustomerStore struct {
	db *database.DB
}

func NewCustomerStore(db *database.DB) *CustomerStore {
	return &CustomerStore{db: db}
}

func scanCustomer(row scanner) (*model.CustomerMapping, error) {
	var m model.CustomerMapping
	var subID, status, priceID, interval sql.NullString
	var periodEnd sql.NullTime
	err := row.Scan(
		&m.CustomerID, &m.UserID, &subID, &status, &priceID, &interval,
		&periodEnd, &m.CancelAtPeriodEnd, &m.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	m.SubscriptionID = subID.String
	m.Status = status.String
	m.PriceID = priceID.String
	m.Interval = interval.String
	m.CurrentPeriodEnd = timePtr(periodEnd)
	m.UpdatedAt = m.UpdatedAt.UTC()
	return &m, nil
}

const customerCols = `customer_id, user_id, subscription_id, status, price_id, plan_interval, current_period_end, cancel_at_period_end, updated_at`

// Upsert inserts or updates the mapping keyed by customer id. Empty optional
// fields do not overwrite values already on the row.
func (s *CustomerStore) Upsert(ctx context.Context, m *model.CustomerMapping) error {
	if m.CustomerID == "" || m.UserID == "" {
		return errors.New("upsert customer: customer id and user id are required")
	}
	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(
		`INSERT INTO stripe_customers (`+customerCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (customer_id) DO UPDATE SET
			user_id = excluded.user_id,
			subscription_id = COALESCE(excluded.subscription_id, stripe_customers.subscription_id),
			status = COALESCE(excluded.status, stripe_customers.status),
			price_id = COALESCE(excluded.price_id, stripe_customers.price_id),
			plan_interval = COALESCE(excluded.plan_interval, stripe_customers.plan_interval),
			current_period_end = COALESCE(excluded.current_period_end, stripe_customers.current_period_end),
			cancel_at_period_end = excluded.cancel_at_period_end,
			updated_at = excluded.updated_at`),
		m.CustomerID, m.UserID, nullString(m.SubscriptionID), nullString(m.Status),
		nullString(m.PriceID), nullString(m.Interval), nullTime(m.CurrentPeriodEnd),
		m.CancelAtPeriodEnd, dbTime(updatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert customer: %w", err)
	}
	return nil
}

func (s *CustomerStore) GetByCustomerID(ctx context.Context, customerID string) (*model.CustomerMapping, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+customerCols+` FROM stripe_customers WHERE customer_id = ?`), customerID)
	m, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return m, nil
}

func (s *CustomerStore) GetBySubscriptionID(ctx context.Context, subscriptionID string) (*model.CustomerMapping, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+customerCols+` FROM stripe_customers WHERE subscription_id = ?
		ORDER BY updated_at DESC LIMIT 1`), subscriptionID)
	m, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customer by subscription: %w", err)
	}
	return m, nil
}

// GetByUserID returns the most recently updated mapping for the user.
func (s *CustomerStore) GetByUserID(ctx context.Context, userID string) (*model.CustomerMapping, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(
		`SELECT `+customerCols+` FROM stripe_customers WHERE user_id = ?
		ORDER BY updated_at DESC LIMIT 1`), userID)
	m, err := scanCustomer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get customer by user: %w", err)
	}
	return m, nil
}

func (s *CustomerStore) DeleteByUserID(ctx context.Context, userID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, s.db.Rebind(
		`DELETE FROM stripe_customers WHERE user_id = ?`), userID)
	if err != nil {
		return 0, fmt.Errorf("delete customers by user: %w", err)
	}
	return result.RowsAffected()
}
