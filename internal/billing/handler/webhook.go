package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/dukerupert/academy/internal/billing/model"
	"github.com/dukerupert/academy/internal/billing/store"
	billingstripe "github.com/dukerupert/academy/internal/billing/stripe"
	"github.com/dukerupert/academy/internal/metrics"
	"github.com/dukerupert/academy/internal/ratelimit"
	"github.com/dukerupert/academy/internal/supabase"
)

const maxWebhookBody = 1 << 20

// webhookClaimFailurePolicy decides what happens when the claim store is
// unreachable. Processing anyway risks a duplicate metadata merge, which is
// idempotent for the same event.
const webhookClaimFailurePolicy = ratelimit.FailOpen

var errUserUnresolved = errors.New("webhook: no user for billing object")

type WebhookHandler struct {
	payments  Payments
	users     Users
	customers *store.CustomerStore
	events    *store.WebhookEventStore
	logger    *slog.Logger
	now       func() time.Time
}

func NewWebhookHandler(
	p Payments,
	u Users,
	cs *store.CustomerStore,
	es *store.WebhookEventStore,
	logger *slog.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		payments:  p,
		users:     u,
		customers: cs,
		events:    es,
		logger:    logger,
		now:       time.Now,
	}
}

func (h *WebhookHandler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	sig := r.Header.Get("Stripe-Signature")
	if sig == "" {
		http.Error(w, "missing signature", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "read body", http.StatusBadRequest)
		return
	}

	event, err := h.payments.ConstructEvent(body, sig)
	if err != nil {
		h.logger.Warn("webhook signature rejected", "error", err)
		http.Error(w, "invalid signature", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	log := h.logger.With("event_id", event.ID, "event_type", event.Type)

	claim := h.claim(ctx, event)
	if !claim.Permit(webhookClaimFailurePolicy) {
		if claim.Decision == ratelimit.Denied {
			metrics.WebhookEvents.WithLabelValues(event.Type, "duplicate").Inc()
			log.Info("webhook event already handled")
			w.Write([]byte("ok"))
			return
		}
		log.Error("webhook claim unavailable", "error", claim.Err)
		http.Error(w, "claim unavailable", http.StatusInternalServerError)
		return
	}
	if claim.Decision == ratelimit.Unknown {
		log.Warn("webhook claim failed, processing without idempotency guard", "error", claim.Err)
	}

	if err := h.process(ctx, event); err != nil {
		metrics.WebhookEvents.WithLabelValues(event.Type, "failed").Inc()
		log.Error("webhook handler failed", "error", err)
		if err := h.events.MarkFailed(ctx, event.ID, err); err != nil {
			log.Warn("webhook audit write failed", "error", err)
		}
		http.Error(w, "webhook handler failed", http.StatusInternalServerError)
		return
	}

	if err := h.events.MarkSucceeded(ctx, event.ID, h.now()); err != nil {
		log.Warn("webhook audit write failed", "error", err)
	}
	metrics.WebhookEvents.WithLabelValues(event.Type, "processed").Inc()
	w.Write([]byte("ok"))
}

// claim maps the store's claim onto the tri-state decision: Allowed when this
// delivery owns the event, Denied for a duplicate, Unknown on store failure.
func (h *WebhookHandler) claim(ctx context.Context, event *billingstripe.Event) ratelimit.Result {
	ok, err := h.events.Claim(ctx, event.ID, event.Type, h.now())
	switch {
	case err != nil:
		return ratelimit.Result{Decision: ratelimit.Unknown, Err: err}
	case !ok:
		return ratelimit.Result{Decision: ratelimit.Denied}
	default:
		return ratelimit.Result{Decision: ratelimit.Allowed}
	}
}

func (h *WebhookHandler) process(ctx context.Context, event *billingstripe.Event) error {
	switch event.Type {
	case "checkout.session.completed":
		if event.CheckoutSession == nil {
			return errors.New("checkout event without session")
		}
		return h.handleCheckoutCompleted(ctx, event.CheckoutSession)
	case "customer.subscription.created", "customer.subscription.updated":
		if event.Subscription == nil {
			return errors.New("subscription event without subscription")
		}
		return h.handleSubscriptionChanged(ctx, event.Subscription, false)
	case "customer.subscription.deleted":
		if event.Subscription == nil {
			return errors.New("subscription event without subscription")
		}
		return h.handleSubscriptionChanged(ctx, event.Subscription, true)
	default:
		return nil
	}
}

func (h *WebhookHandler) handleCheckoutCompleted(ctx context.Context, cs *billingstripe.CheckoutSession) error {
	var sub *billingstripe.Subscription
	if cs.SubscriptionID != "" {
		s, err := h.payments.GetSubscription(ctx, cs.SubscriptionID)
		if err != nil {
			h.logger.Warn("checkout completed: subscription lookup failed", "subscription_id", cs.SubscriptionID, "error", err)
		} else {
			sub = s
		}
	}

	plan := planForSession(cs.PaymentStatus)
	customerID := cs.CustomerID
	interval := cs.Metadata[billingstripe.MetaPlanInterval]
	var priceID string
	meta := map[string]string{}
	for k, v := range cs.Metadata {
		meta[k] = v
	}
	if sub != nil {
		plan = model.PlanForStatus(sub.Status)
		if customerID == "" {
			customerID = sub.CustomerID
		}
		if sub.Interval != "" {
			interval = sub.Interval
		}
		priceID = sub.PriceID
		for k, v := range sub.Metadata {
			if meta[k] == "" {
				meta[k] = v
			}
		}
	}

	userID, err := h.resolveUserID(ctx, billingRef{
		Metadata:          meta,
		ClientReferenceID: cs.ClientReferenceID,
		CustomerID:        customerID,
		SubscriptionID:    cs.SubscriptionID,
	})
	if errors.Is(err, errUserUnresolved) {
		h.logger.Warn("checkout completed: user unresolved, skipping", "session_id", cs.ID, "customer_id", customerID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}

	if customerID != "" {
		m := &model.CustomerMapping{
			CustomerID:     customerID,
			UserID:         userID,
			SubscriptionID: cs.SubscriptionID,
			PriceID:        priceID,
			Interval:       interval,
		}
		if sub != nil {
			m.Status = sub.Status
			m.CurrentPeriodEnd = sub.CurrentPeriodEnd
			m.CancelAtPeriodEnd = sub.CancelAtPeriodEnd
		}
		if err := h.customers.Upsert(ctx, m); err != nil {
			return err
		}
	}

	patch := model.Patch{
		Plan:                 &plan,
		StripeCustomerID:     &customerID,
		StripeSubscriptionID: &cs.SubscriptionID,
	}
	if interval != "" {
		patch.PlanInterval = &interval
	}
	if priceID != "" {
		patch.StripePriceID = &priceID
	}
	return h.applyPatch(ctx, userID, patch)
}

// planForSession is the fallback when the subscription itself can't be read.
func planForSession(paymentStatus string) model.Plan {
	switch paymentStatus {
	case "paid", "no_payment_required":
		return model.PlanPro
	default:
		return model.PlanFree
	}
}

func (h *WebhookHandler) handleSubscriptionChanged(ctx context.Context, sub *billingstripe.Subscription, deleted bool) error {
	userID, err := h.resolveUserID(ctx, billingRef{
		Metadata:       sub.Metadata,
		CustomerID:     sub.CustomerID,
		SubscriptionID: sub.ID,
	})
	if errors.Is(err, errUserUnresolved) {
		h.logger.Warn("subscription event: user unresolved, skipping", "subscription_id", sub.ID, "customer_id", sub.CustomerID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve user: %w", err)
	}

	if sub.CustomerID != "" {
		if err := h.customers.Upsert(ctx, &model.CustomerMapping{
			CustomerID:        sub.CustomerID,
			UserID:            userID,
			SubscriptionID:    sub.ID,
			Status:            sub.Status,
			PriceID:           sub.PriceID,
			Interval:          sub.Interval,
			CurrentPeriodEnd:  sub.CurrentPeriodEnd,
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
		}); err != nil {
			return err
		}
	}

	plan := model.PlanForStatus(sub.Status)
	patch := model.Patch{
		Plan:                 &plan,
		StripeCustomerID:     &sub.CustomerID,
		StripeSubscriptionID: &sub.ID,
	}
	if deleted {
		plan = model.PlanFree
		patch.PlanInterval = model.Ptr("")
		patch.StripePriceID = model.Ptr("")
	} else {
		if sub.Interval != "" {
			patch.PlanInterval = &sub.Interval
		}
		if sub.PriceID != "" {
			patch.StripePriceID = &sub.PriceID
		}
	}
	return h.applyPatch(ctx, userID, patch)
}

// applyPatch merges patch into the user's stored state and writes it back
// only when something changed.
func (h *WebhookHandler) applyPatch(ctx context.Context, userID string, patch model.Patch) error {
	user, err := h.users.GetUser(ctx, userID)
	if errors.Is(err, supabase.ErrNotFound) {
		h.logger.Warn("webhook: user no longer exists, skipping", "user_id", userID)
		return nil
	}
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}

	old := model.StateFromMetadata(user.AppMetadata)
	next := model.Merge(old, patch)
	if next.Equal(old) {
		return nil
	}
	if _, err := h.users.UpdateAppMetadata(ctx, userID, next.Diff(old)); err != nil {
		return fmt.Errorf("update user metadata: %w", err)
	}
	h.logger.Info("subscription state updated", "user_id", userID, "plan", next.Plan)
	return nil
}

// billingRef carries everything a Stripe object can tell us about its owner.
type billingRef struct {
	Metadata          map[string]string
	ClientReferenceID string
	CustomerID        string
	SubscriptionID    string
}

type userResolver func(ctx context.Context, ref billingRef) (string, error)

// resolveUserID tries each resolver in order; the first non-empty id wins.
// Errors are only reported if no resolver finds the user.
func (h *WebhookHandler) resolveUserID(ctx context.Context, ref billingRef) (string, error) {
	return resolveUser(ctx, ref, []userResolver{
		userFromMetadata,
		h.userByCustomer,
		h.userBySubscription,
	})
}

func resolveUser(ctx context.Context, ref billingRef, resolvers []userResolver) (string, error) {
	var errs []error
	for _, resolve := range resolvers {
		id, err := resolve(ctx, ref)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if id != "" {
			return id, nil
		}
	}
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	return "", errUserUnresolved
}

func userFromMetadata(_ context.Context, ref billingRef) (string, error) {
	if id := ref.Metadata[billingstripe.MetaUserID]; id != "" {
		return id, nil
	}
	return ref.ClientReferenceID, nil
}

func (h *WebhookHandler) userByCustomer(ctx context.Context, ref billingRef) (string, error) {
	if ref.CustomerID == "" {
		return "", nil
	}
	m, err := h.customers.GetByCustomerID(ctx, ref.CustomerID)
	if err != nil || m == nil {
		return "", err
	}
	return m.UserID, nil
}

func (h *WebhookHandler) userBySubscription(ctx context.Context, ref billingRef) (string, error) {
	if ref.SubscriptionID == "" {
		return "", nil
	}
	m, err := h.customers.GetBySubscriptionID(ctx, ref.SubscriptionID)
	if err != nil || m == nil {
		return "", err
	}
	return m.UserID, nil
}
