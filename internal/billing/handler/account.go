package handler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/academy/internal/auth"
	"github.com/dukerupert/academy/internal/billing/model"
	"github.com/dukerupert/academy/internal/billing/store"
	"github.com/dukerupert/academy/internal/supabase"
)

const deleteConfirmation = "DELETE"

type AccountHandler struct {
	payments      Payments
	users         Users
	customers     *store.CustomerStore
	checkoutCache *store.CheckoutCacheStore
	logger        *slog.Logger
	now           func() time.Time
}

func NewAccountHandler(
	p Payments,
	u Users,
	cs *store.CustomerStore,
	cc *store.CheckoutCacheStore,
	logger *slog.Logger,
) *AccountHandler {
	return &AccountHandler{
		payments:      p,
		users:         u,
		customers:     cs,
		checkoutCache: cc,
		logger:        logger,
		now:           time.Now,
	}
}

// Delete removes the caller's account. Any live subscription is cancelled
// first; if that fails the account is left in place.
func (h *AccountHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := auth.FromContext(ctx)
	if !ok {
		writeError(w, authError("Unauthorized"))
		return
	}

	var req struct {
		Confirmation string `json:"confirmation"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, validationError("Invalid request body"))
		return
	}
	if req.Confirmation != deleteConfirmation {
		writeError(w, validationError(`Type "DELETE" to confirm account deletion`))
		return
	}

	user, err := h.users.GetUser(ctx, id.UserID)
	if errors.Is(err, supabase.ErrNotFound) {
		writeError(w, notFoundError("Account not found"))
		return
	}
	if err != nil {
		h.logger.Error("delete: get user", "user_id", id.UserID, "error", err)
		writeError(w, upstreamError("Could not load your account"))
		return
	}

	st := model.StateFromMetadata(user.AppMetadata)
	customerID := st.StripeCustomerID
	if customerID == "" {
		if m, err := h.customers.GetByUserID(ctx, id.UserID); err != nil {
			h.logger.Warn("delete: customer lookup failed", "user_id", id.UserID, "error", err)
		} else if m != nil {
			customerID = m.CustomerID
		}
	}

	if customerID != "" || st.StripeSubscriptionID != "" {
		if err := h.cancelSubscriptions(ctx, customerID, st.StripeSubscriptionID); err != nil {
			h.logger.Error("delete: cancel subscriptions", "user_id", id.UserID, "error", err)
			writeError(w, conflictError("We couldn't cancel your subscription, so your account was not deleted. Please try again or contact support."))
			return
		}
	}

	if err := h.users.DeleteUser(ctx, id.UserID); err != nil {
		h.logger.Error("delete: delete user", "user_id", id.UserID, "error", err)
		writeError(w, upstreamError("Could not delete your account. Please try again."))
		return
	}

	if _, err := h.customers.DeleteByUserID(ctx, id.UserID); err != nil {
		h.logger.Warn("delete: mapping cleanup failed", "user_id", id.UserID, "error", err)
	}
	if _, err := h.checkoutCache.DeleteByUserID(ctx, id.UserID); err != nil {
		h.logger.Warn("delete: checkout cache cleanup failed", "user_id", id.UserID, "error", err)
	}

	h.logger.Info("account deleted", "user_id", id.UserID)
	writeJSON(w, okResponse{OK: true})
}

// cancelSubscriptions cancels every subscription that could still bill the
// customer, plus subscriptionID if the listing did not include it.
func (h *AccountHandler) cancelSubscriptions(ctx context.Context, customerID, subscriptionID string) error {
	seen := map[string]bool{}
	if customerID != "" {
		subs, err := h.payments.ListSubscriptions(ctx, customerID)
		if err != nil {
			return err
		}
		for _, s := range subs {
			seen[s.ID] = true
			if !model.IsActiveLike(s.Status) {
				continue
			}
			if _, err := h.payments.CancelSubscription(ctx, s.ID); err != nil {
				return fmt.Errorf("cancel %s: %w", s.ID, err)
			}
		}
	}

	if subscriptionID != "" && !seen[subscriptionID] {
		s, err := h.payments.GetSubscription(ctx, subscriptionID)
		if err != nil {
			return err
		}
		if model.IsActiveLike(s.Status) {
			if _, err := h.payments.CancelSubscription(ctx, s.ID); err != nil {
				return fmt.Errorf("cancel %s: %w", s.ID, err)
			}
		}
	}
	return nil
}

func (h *AccountHandler) Pause(w http.ResponseWriter, r *http.Request) {
	now := h.now()
	h.setPaused(w, r, model.Patch{Paused: model.Ptr(true), PausedAt: &now})
}

func (h *AccountHandler) Resume(w http.ResponseWriter, r *http.Request) {
	h.setPaused(w, r, model.Patch{Paused: model.Ptr(false)})
}

func (h *AccountHandler) setPaused(w http.ResponseWriter, r *http.Request, patch model.Patch) {
	ctx := r.Context()
	id, ok := auth.FromContext(ctx)
	if !ok {
		writeError(w, authError("Unauthorized"))
		return
	}

	user, err := h.users.GetUser(ctx, id.UserID)
	if errors.Is(err, supabase.ErrNotFound) {
		writeError(w, notFoundError("Account not found"))
		return
	}
	if err != nil {
		h.logger.Error("pause: get user", "user_id", id.UserID, "error", err)
		writeError(w, upstreamError("Could not load your account"))
		return
	}

	old := model.StateFromMetadata(user.AppMetadata)
	next := model.Merge(old, patch)
	if !next.Equal(old) {
		if _, err := h.users.UpdateAppMetadata(ctx, id.UserID, next.Diff(old)); err != nil {
			h.logger.Error("pause: update metadata", "user_id", id.UserID, "error", err)
			writeError(w, upstreamError("Could not update your account. Please try again."))
			return
		}
	}

	writeJSON(w, okResponse{OK: true})
}
