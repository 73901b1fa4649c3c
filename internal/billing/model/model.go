package model

import (
	"fmt"
	"time"
)

type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// Tier is the access level shown to the app. Guests have no account at all.
type Tier string

const (
	TierGuest Tier = "guest"
	TierFree  Tier = "free"
	TierPro   Tier = "pro"
)

const (
	IntervalMonth = "month"
	IntervalYear  = "year"
)

// ValidInterval reports whether interval is a billable interval.
func ValidInterval(interval string) bool {
	return interval == IntervalMonth || interval == IntervalYear
}

// PlanForStatus maps a Stripe subscription status onto a plan. Past-due
// subscriptions keep pro access while Stripe retries the payment.
func PlanForStatus(status string) Plan {
	switch status {
	case "active", "trialing", "past_due":
		return PlanPro
	default:
		return PlanFree
	}
}

// IsActiveLike reports whether a subscription in this status can still bill
// the customer and must be cancelled before the account goes away.
func IsActiveLike(status string) bool {
	switch status {
	case "active", "trialing", "past_due", "unpaid", "incomplete":
		return true
	default:
		return false
	}
}

// TierFor derives the user's tier.
func TierFor(authenticated bool, st SubscriptionState) Tier {
	if !authenticated {
		return TierGuest
	}
	if st.EffectivePlan() == PlanPro {
		return TierPro
	}
	return TierFree
}

// CustomerMapping links a Stripe customer to an app user. CustomerID is the
// stable join key between the two systems.
type CustomerMapping struct {
	CustomerID        string     `json:"customer_id"`
	UserID            string     `json:"user_id"`
	SubscriptionID    string     `json:"subscription_id,omitempty"`
	Status            string     `json:"status,omitempty"`
	PriceID           string     `json:"price_id,omitempty"`
	Interval          string     `json:"interval,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// CheckoutCacheEntry remembers the hosted checkout session created for a
// user+price+interval so repeated clicks land on the same session.
type CheckoutCacheEntry struct {
	CacheKey  string    `json:"cache_key"`
	UserID    string    `json:"user_id"`
	PriceID   string    `json:"price_id"`
	Interval  string    `json:"interval"`
	SessionID string    `json:"checkout_session_id"`
	URL       string    `json:"checkout_url"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Fresh reports whether the entry is still usable at now, keeping skew in reserve.
func (e *CheckoutCacheEntry) Fresh(now time.Time, skew time.Duration) bool {
	return e != nil && e.ExpiresAt.Add(-skew).After(now)
}

// CheckoutCacheKey is deterministic so concurrent clicks collapse to one row.
func CheckoutCacheKey(userID, priceID, interval string) string {
	return fmt.Sprintf("v1:%s:%s:%s", userID, priceID, interval)
}

// CheckoutIdempotencyBucket is the window within which checkout retries share
// one provider-side session.
const CheckoutIdempotencyBucket = 10 * time.Minute

// CheckoutIdempotencyKey returns the key sent to Stripe for session creation.
func CheckoutIdempotencyKey(userID, priceID, interval string, now time.Time) string {
	bucket := now.Unix() / int64(CheckoutIdempotencyBucket/time.Second)
	return fmt.Sprintf("checkout:%s:%s:%s:%d", userID, priceID, interval, bucket)
}

type EventStatus string

const (
	EventClaimed   EventStatus = "claimed"
	EventSucceeded EventStatus = "succeeded"
	EventFailed    EventStatus = "failed"
)

// WebhookEvent is the claim/audit row for one Stripe event id.
type WebhookEvent struct {
	EventID        string      `json:"event_id"`
	EventType      string      `json:"event_type"`
	Status         EventStatus `json:"status"`
	Attempts       int         `json:"attempts"`
	LeaseExpiresAt time.Time   `json:"lease_expires_at"`
	ProcessedAt    *time.Time  `json:"processed_at,omitempty"`
	LastError      string      `json:"last_error,omitempty"`
	LastSeenAt     time.Time   `json:"last_seen_at"`
}
