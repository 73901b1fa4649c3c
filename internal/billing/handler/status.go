package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/academy/internal/auth"
	"github.com/dukerupert/academy/internal/billing/model"
	"github.com/dukerupert/academy/internal/billing/store"
	"github.com/dukerupert/academy/internal/supabase"
)

type StatusHandler struct {
	users     Users
	customers *store.CustomerStore
	logger    *slog.Logger
}

func NewStatusHandler(u Users, cs *store.CustomerStore, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{users: u, customers: cs, logger: logger}
}

type statusResponse struct {
	Tier              model.Tier `json:"tier"`
	Plan              model.Plan `json:"plan"`
	PlanInterval      string     `json:"plan_interval,omitempty"`
	PriceID           string     `json:"price_id,omitempty"`
	Status            string     `json:"status,omitempty"`
	CurrentPeriodEnd  *time.Time `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd bool       `json:"cancel_at_period_end"`
	HasBillingAccount bool       `json:"has_billing_account"`
	Paused            bool       `json:"paused"`
	PausedAt          *time.Time `json:"paused_at,omitempty"`
}

// SubscriptionStatus returns the caller's subscription snapshot.
func (h *StatusHandler) SubscriptionStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := auth.FromContext(ctx)
	if !ok {
		writeError(w, authError("Unauthorized"))
		return
	}

	user, err := h.users.GetUser(ctx, id.UserID)
	if errors.Is(err, supabase.ErrNotFound) {
		writeError(w, authError("Account not found"))
		return
	}
	if err != nil {
		h.logger.Error("status: get user", "user_id", id.UserID, "error", err)
		writeError(w, upstreamError("Could not load your account"))
		return
	}

	st := model.StateFromMetadata(user.AppMetadata)
	resp := statusResponse{
		Tier:              model.TierFor(true, st),
		Plan:              st.EffectivePlan(),
		PlanInterval:      st.PlanInterval,
		PriceID:           st.StripePriceID,
		HasBillingAccount: st.StripeCustomerID != "",
		Paused:            st.Paused,
		PausedAt:          st.PausedAt,
	}

	var m *model.CustomerMapping
	if st.StripeCustomerID != "" {
		m, err = h.customers.GetByCustomerID(ctx, st.StripeCustomerID)
	} else {
		m, err = h.customers.GetByUserID(ctx, id.UserID)
	}
	if err != nil {
		h.logger.Warn("status: mapping lookup failed", "user_id", id.UserID, "error", err)
	}
	if m != nil && m.UserID == id.UserID {
		resp.Status = m.Status
		resp.CurrentPeriodEnd = m.CurrentPeriodEnd
		resp.CancelAtPeriodEnd = m.CancelAtPeriodEnd
		resp.HasBillingAccount = true
		if resp.PlanInterval == "" {
			resp.PlanInterval = m.Interval
		}
		if resp.PriceID == "" {
			resp.PriceID = m.PriceID
		}
	}

	writeJSON(w, resp)
}
