package model

import "time"

// Metadata keys written to the identity provider.
const (
	KeyPlan                 = "plan"
	KeyStripeCustomerID     = "stripe_customer_id"
	KeyStripeSubscriptionID = "stripe_subscription_id"
	KeyPlanInterval         = "plan_interval"
	KeyStripePriceID        = "stripe_price_id"
	KeyPaused               = "paused"
	KeyPausedAt             = "paused_at"
)

// SubscriptionState is the typed view of the subscription fields kept in the
// user's metadata bag. Empty strings mean "not set".
type SubscriptionState struct {
	Plan                 Plan
	StripeCustomerID     string
	StripeSubscriptionID string
	PlanInterval         string
	StripePriceID        string
	Paused               bool
	PausedAt             *time.Time
}

// EffectivePlan treats a missing plan as free.
func (s SubscriptionState) EffectivePlan() Plan {
	if s.Plan == PlanPro {
		return PlanPro
	}
	return PlanFree
}

// HasBillingIdentifiers reports whether Stripe may hold billing state for the user.
func (s SubscriptionState) HasBillingIdentifiers() bool {
	return s.StripeCustomerID != "" || s.StripeSubscriptionID != ""
}

// Patch is a partial update. Nil fields are left alone.
type Patch struct {
	Plan                 *Plan
	StripeCustomerID     *string
	StripeSubscriptionID *string
	PlanInterval         *string // "" clears
	StripePriceID        *string // "" clears
	Paused               *bool
	PausedAt             *time.Time
}

// Merge returns old with patch applied. It is pure.
//
// Billing identifiers are never cleared by a merge: an empty customer or
// subscription id in the patch is ignored. Pausing an already-paused state
// keeps the original PausedAt; unpausing clears it.
func Merge(old SubscriptionState, p Patch) SubscriptionState {
	next := old
	if p.Plan != nil {
		next.Plan = *p.Plan
	}
	if p.StripeCustomerID != nil && *p.StripeCustomerID != "" {
		next.StripeCustomerID = *p.StripeCustomerID
	}
	if p.StripeSubscriptionID != nil && *p.StripeSubscriptionID != "" {
		next.StripeSubscriptionID = *p.StripeSubscriptionID
	}
	if p.PlanInterval != nil {
		next.PlanInterval = *p.PlanInterval
	}
	if p.StripePriceID != nil {
		next.StripePriceID = *p.StripePriceID
	}
	if p.Paused != nil {
		switch {
		case *p.Paused && !old.Paused:
			next.Paused = true
			if p.PausedAt != nil {
				t := p.PausedAt.UTC()
				next.PausedAt = &t
			}
		case !*p.Paused:
			next.Paused = false
			next.PausedAt = nil
		}
	}
	return next
}

// Equal compares two states field by field.
func (s SubscriptionState) Equal(o SubscriptionState) bool {
	if s.Plan != o.Plan ||
		s.StripeCustomerID != o.StripeCustomerID ||
		s.StripeSubscriptionID != o.StripeSubscriptionID ||
		s.PlanInterval != o.PlanInterval ||
		s.StripePriceID != o.StripePriceID ||
		s.Paused != o.Paused {
		return false
	}
	switch {
	case s.PausedAt == nil && o.PausedAt == nil:
		return true
	case s.PausedAt == nil || o.PausedAt == nil:
		return false
	default:
		return s.PausedAt.Equal(*o.PausedAt)
	}
}

// StateFromMetadata reads the known keys out of an untyped metadata bag.
// Unknown or mistyped values are treated as unset.
func StateFromMetadata(md map[string]any) SubscriptionState {
	var st SubscriptionState
	st.Plan = Plan(stringValue(md[KeyPlan]))
	st.StripeCustomerID = stringValue(md[KeyStripeCustomerID])
	st.StripeSubscriptionID = stringValue(md[KeyStripeSubscriptionID])
	st.PlanInterval = stringValue(md[KeyPlanInterval])
	st.StripePriceID = stringValue(md[KeyStripePriceID])
	if b, ok := md[KeyPaused].(bool); ok {
		st.Paused = b
	}
	if s := stringValue(md[KeyPausedAt]); s != "" {
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			st.PausedAt = &t
		}
	}
	return st
}

// Diff returns the metadata keys whose value differs between old and s, for
// a merge-style update. Keys that s clears map to nil. Keys outside the
// subscription state never appear, so a concurrent writer's fields survive.
func (s SubscriptionState) Diff(old SubscriptionState) map[string]any {
	out := map[string]any{}
	setString := func(key, before, after string) {
		if before == after {
			return
		}
		if after == "" {
			out[key] = nil
			return
		}
		out[key] = after
	}
	setString(KeyPlan, string(old.Plan), string(s.Plan))
	setString(KeyStripeCustomerID, old.StripeCustomerID, s.StripeCustomerID)
	setString(KeyStripeSubscriptionID, old.StripeSubscriptionID, s.StripeSubscriptionID)
	setString(KeyPlanInterval, old.PlanInterval, s.PlanInterval)
	setString(KeyStripePriceID, old.StripePriceID, s.StripePriceID)

	if old.Paused != s.Paused {
		out[KeyPaused] = s.Paused
	}
	setString(KeyPausedAt, formatTime(old.PausedAt), formatTime(s.PausedAt))
	return out
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T {
	return &v
}
