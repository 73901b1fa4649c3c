package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/academy/internal/auth"
	"github.com/dukerupert/academy/internal/billing/model"
	"github.com/dukerupert/academy/internal/billing/store"
	billingstripe "github.com/dukerupert/academy/internal/billing/stripe"
	"github.com/dukerupert/academy/internal/metrics"
	"github.com/dukerupert/academy/internal/supabase"
)

// checkoutCacheSkew keeps a cached session from being handed out moments
// before Stripe expires it.
const checkoutCacheSkew = 5 * time.Second

// fallbackSessionTTL is used when Stripe does not report an expiry.
const fallbackSessionTTL = 30 * time.Minute

type CheckoutHandler struct {
	payments      Payments
	users         Users
	customers     *store.CustomerStore
	checkoutCache *store.CheckoutCacheStore
	siteURL       string
	logger        *slog.Logger
	now           func() time.Time
}

func NewCheckoutHandler(
	p Payments,
	u Users,
	cs *store.CustomerStore,
	cc *store.CheckoutCacheStore,
	siteURL string,
	logger *slog.Logger,
) *CheckoutHandler {
	return &CheckoutHandler{
		payments:      p,
		users:         u,
		customers:     cs,
		checkoutCache: cc,
		siteURL:       strings.TrimRight(siteURL, "/"),
		logger:        logger,
		now:           time.Now,
	}
}

type checkoutResponse struct {
	URL    string `json:"url"`
	Reused bool   `json:"reused"`
}

// CreateCheckoutSession returns a hosted checkout URL for the caller,
// reusing a still-open session for the same price when one exists.
func (h *CheckoutHandler) CreateCheckoutSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := auth.FromContext(ctx)
	if !ok {
		writeError(w, authError("Unauthorized"))
		return
	}

	var req struct {
		Interval string `json:"interval"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, validationError("Invalid request body"))
		return
	}
	if !model.ValidInterval(req.Interval) {
		writeError(w, validationError(`interval must be "month" or "year"`))
		return
	}

	priceID := h.payments.PriceForInterval(req.Interval)
	if priceID == "" {
		h.logger.Error("checkout price not configured", "interval", req.Interval)
		writeError(w, configError("Server misconfigured: missing "+priceEnvVar(req.Interval)))
		return
	}
	if h.siteURL == "" {
		h.logger.Error("site url not configured")
		writeError(w, configError("Server misconfigured: missing SITE_URL"))
		return
	}

	user, err := h.users.GetUser(ctx, id.UserID)
	if errors.Is(err, supabase.ErrNotFound) {
		writeError(w, authError("Account not found"))
		return
	}
	if err != nil {
		h.logger.Error("checkout: get user", "user_id", id.UserID, "error", err)
		writeError(w, upstreamError("Could not load your account"))
		return
	}

	st := model.StateFromMetadata(user.AppMetadata)
	if st.EffectivePlan() == model.PlanPro && st.StripeSubscriptionID != "" {
		metrics.CheckoutSessions.WithLabelValues("rejected").Inc()
		writeError(w, conflictError("You already have an active subscription. Manage it from the billing portal."))
		return
	}

	now := h.now()
	cacheKey := model.CheckoutCacheKey(id.UserID, priceID, req.Interval)

	if url, reused := h.reuseCachedSession(r, cacheKey, now); reused {
		writeJSON(w, checkoutResponse{URL: url, Reused: true})
		return
	}

	customerID := st.StripeCustomerID
	if customerID == "" {
		if m, err := h.customers.GetByUserID(ctx, id.UserID); err != nil {
			h.logger.Warn("checkout: customer lookup failed", "user_id", id.UserID, "error", err)
		} else if m != nil {
			customerID = m.CustomerID
		}
	}
	email := id.Email
	if email == "" {
		email = user.Email
	}

	sess, err := h.payments.CreateCheckoutSession(ctx, billingstripe.CheckoutRequest{
		UserID:         id.UserID,
		Email:          email,
		CustomerID:     customerID,
		PriceID:        priceID,
		Interval:       req.Interval,
		IdempotencyKey: model.CheckoutIdempotencyKey(id.UserID, priceID, req.Interval, now),
		SuccessURL:     h.siteURL + "/account?checkout=success&session_id={CHECKOUT_SESSION_ID}",
		CancelURL:      h.siteURL + "/pricing?checkout=cancel",
	})
	if err != nil {
		metrics.CheckoutSessions.WithLabelValues("error").Inc()
		h.logger.Error("create checkout session", "user_id", id.UserID, "error", err)
		writeError(w, upstreamError("Could not start checkout. Please try again."))
		return
	}

	expiresAt := sess.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(fallbackSessionTTL)
	}
	if err := h.checkoutCache.Put(ctx, &model.CheckoutCacheEntry{
		CacheKey:  cacheKey,
		UserID:    id.UserID,
		PriceID:   priceID,
		Interval:  req.Interval,
		SessionID: sess.ID,
		URL:       sess.URL,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}); err != nil {
		h.logger.Warn("checkout cache write failed", "user_id", id.UserID, "error", err)
	}

	metrics.CheckoutSessions.WithLabelValues("created").Inc()
	writeJSON(w, checkoutResponse{URL: sess.URL})
}

// reuseCachedSession returns the cached checkout URL when it is still usable.
// If Stripe cannot be asked, the cached URL is returned unverified rather
// than blocking the user.
func (h *CheckoutHandler) reuseCachedSession(r *http.Request, key string, now time.Time) (string, bool) {
	ctx := r.Context()
	entry, err := h.checkoutCache.Get(ctx, key)
	if err != nil {
		h.logger.Warn("checkout cache read failed", "error", err)
		return "", false
	}
	if !entry.Fresh(now, checkoutCacheSkew) {
		return "", false
	}

	live, err := h.payments.GetCheckoutSession(ctx, entry.SessionID)
	if err != nil {
		h.logger.Warn("checkout session verify failed, reusing cached url", "session_id", entry.SessionID, "error", err)
		metrics.CheckoutSessions.WithLabelValues("reused_unverified").Inc()
		return entry.URL, true
	}
	if live.Open(now) {
		url := live.URL
		if url == "" {
			url = entry.URL
		}
		metrics.CheckoutSessions.WithLabelValues("reused").Inc()
		return url, true
	}

	if err := h.checkoutCache.Delete(ctx, key); err != nil {
		h.logger.Warn("checkout cache evict failed", "error", err)
	}
	return "", false
}

func priceEnvVar(interval string) string {
	if interval == model.IntervalYear {
		return "STRIPE_PRICE_YEARLY"
	}
	return "STRIPE_PRICE_MONTHLY"
}

// validReturnPath accepts same-origin absolute paths only.
func validReturnPath(p string) bool {
	return strings.HasPrefix(p, "/") && !strings.HasPrefix(p, "//") && !strings.Contains(p, "://") && !strings.Contains(p, `\`)
}

// CreatePortalSession returns a Stripe billing portal URL for the caller.
func (h *CheckoutHandler) CreatePortalSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := auth.FromContext(ctx)
	if !ok {
		writeError(w, authError("Unauthorized"))
		return
	}

	var req struct {
		ReturnPath string `json:"returnPath"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, validationError("Invalid request body"))
		return
	}
	if req.ReturnPath == "" {
		req.ReturnPath = "/account"
	}
	if !validReturnPath(req.ReturnPath) {
		writeError(w, validationError("returnPath must be a path on this site"))
		return
	}
	if h.siteURL == "" {
		h.logger.Error("site url not configured")
		writeError(w, configError("Server misconfigured: missing SITE_URL"))
		return
	}

	user, err := h.users.GetUser(ctx, id.UserID)
	if errors.Is(err, supabase.ErrNotFound) {
		writeError(w, authError("Account not found"))
		return
	}
	if err != nil {
		h.logger.Error("portal: get user", "user_id", id.UserID, "error", err)
		writeError(w, upstreamError("Could not load your account"))
		return
	}

	customerID := model.StateFromMetadata(user.AppMetadata).StripeCustomerID
	if customerID == "" {
		if m, err := h.customers.GetByUserID(ctx, id.UserID); err != nil {
			h.logger.Warn("portal: customer lookup failed", "user_id", id.UserID, "error", err)
		} else if m != nil {
			customerID = m.CustomerID
		}
	}
	if customerID == "" {
		writeError(w, validationError("Your billing account is still being set up. Please try again in a minute."))
		return
	}

	url, err := h.payments.CreatePortalSession(ctx, customerID, h.siteURL+req.ReturnPath)
	if err != nil {
		h.logger.Error("create portal session", "user_id", id.UserID, "error", err)
		writeError(w, upstreamError("Could not open the billing portal. Please try again."))
		return
	}

	writeJSON(w, map[string]string{"url": url})
}
