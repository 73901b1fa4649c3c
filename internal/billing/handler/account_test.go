package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/dukerupert/academy/internal/billing/model"
	billingstripe "github.com/dukerupert/academy/internal/billing/stripe"
	"github.com/dukerupert/academy/internal/supabase"
)

func newAccountHandler(t *testing.T, p *fakePayments, u *fakeUsers) (*AccountHandler, testStores) {
	t.Helper()
	st := newTestStores(t)
	h := NewAccountHandler(p, u, st.customers, st.cache, testLogger())
	h.now = func() time.Time { return testNow }
	return h, st
}

func callAccount(fn http.HandlerFunc, userID, body string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	fn(rec, authedRequest(http.MethodPost, "/api/account", body, userID))
	return rec
}

func subscriber() *supabase.User {
	return &supabase.User{ID: "u1", AppMetadata: map[string]any{
		"plan":                   "pro",
		"stripe_customer_id":     "cus_1",
		"stripe_subscription_id": "sub_1",
		"plan_interval":          "month",
		"stripe_price_id":        "price_month",
		"display_name":           "Ada",
	}}
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	for _, body := range []string{``, `{}`, `{"confirmation":"delete"}`, `{"confirmation":"yes"}`} {
		u := newFakeUsers(&supabase.User{ID: "u1"})
		h, _ := newAccountHandler(t, newFakePayments(), u)
		rec := callAccount(h.Delete, "u1", body)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d", body, rec.Code)
		}
		if len(u.deleted) != 0 {
			t.Errorf("body %q: user deleted", body)
		}
	}
}

func TestDeleteRequiresIdentity(t *testing.T) {
	h, _ := newAccountHandler(t, newFakePayments(), newFakeUsers())
	if rec := callAccount(h.Delete, "", `{"confirmation":"DELETE"}`); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestDeleteWithoutBilling(t *testing.T) {
	p := newFakePayments()
	u := newFakeUsers(&supabase.User{ID: "u1"})
	h, _ := newAccountHandler(t, p, u)

	rec := callAccount(h.Delete, "u1", `{"confirmation":"DELETE"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}
	if decodeBody(t, rec)["ok"] != true {
		t.Errorf("body = %s", rec.Body)
	}
	if len(u.deleted) != 1 || u.deleted[0] != "u1" {
		t.Errorf("deleted = %v", u.deleted)
	}
	if len(p.cancelled) != 0 {
		t.Errorf("cancelled = %v", p.cancelled)
	}
}

func TestDeleteCancelsActiveSubscriptions(t *testing.T) {
	p := newFakePayments()
	p.subs["sub_1"] = &billingstripe.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: "active"}
	p.subs["sub_old"] = &billingstripe.Subscription{ID: "sub_old", CustomerID: "cus_1", Status: "canceled"}
	p.subs["sub_due"] = &billingstripe.Subscription{ID: "sub_due", CustomerID: "cus_1", Status: "past_due"}
	u := newFakeUsers(subscriber())
	h, st := newAccountHandler(t, p, u)
	ctx := context.Background()
	st.customers.Upsert(ctx, &model.CustomerMapping{CustomerID: "cus_1", UserID: "u1", SubscriptionID: "sub_1"})
	st.cache.Put(ctx, &model.CheckoutCacheEntry{
		CacheKey: "v1:u1:price_month:month", UserID: "u1", PriceID: "price_month", Interval: "month",
		SessionID: "cs_1", URL: "https://checkout.stripe.com/c/pay/cs_1", ExpiresAt: testNow.Add(time.Hour), CreatedAt: testNow,
	})

	rec := callAccount(h.Delete, "u1", `{"confirmation":"DELETE"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	cancelled := map[string]bool{}
	for _, id := range p.cancelled {
		cancelled[id] = true
	}
	if !cancelled["sub_1"] || !cancelled["sub_due"] || cancelled["sub_old"] {
		t.Errorf("cancelled = %v", p.cancelled)
	}
	if len(u.deleted) != 1 {
		t.Errorf("deleted = %v", u.deleted)
	}

	if m, _ := st.customers.GetByUserID(ctx, "u1"); m != nil {
		t.Errorf("mapping not removed: %+v", m)
	}
	if e, _ := st.cache.Get(ctx, "v1:u1:price_month:month"); e != nil {
		t.Errorf("cache entry not removed: %+v", e)
	}
}

func TestDeleteCancelsUnlistedMetadataSubscription(t *testing.T) {
	p := newFakePayments()
	p.subs["sub_1"] = &billingstripe.Subscription{ID: "sub_1", CustomerID: "cus_other", Status: "trialing"}
	u := newFakeUsers(subscriber())
	h, _ := newAccountHandler(t, p, u)

	if rec := callAccount(h.Delete, "u1", `{"confirmation":"DELETE"}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(p.cancelled) != 1 || p.cancelled[0] != "sub_1" {
		t.Errorf("cancelled = %v", p.cancelled)
	}
}

func TestDeleteRefusedWhenCancelFails(t *testing.T) {
	p := newFakePayments()
	p.subs["sub_1"] = &billingstripe.Subscription{ID: "sub_1", CustomerID: "cus_1", Status: "active"}
	p.cancelErr = errors.New("stripe down")
	u := newFakeUsers(subscriber())
	h, _ := newAccountHandler(t, p, u)

	rec := callAccount(h.Delete, "u1", `{"confirmation":"DELETE"}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d", rec.Code)
	}
	if len(u.deleted) != 0 {
		t.Errorf("user deleted despite cancel failure")
	}
}

func TestDeleteRefusedWhenListingFails(t *testing.T) {
	p := newFakePayments()
	p.subErr = errors.New("stripe down")
	u := newFakeUsers(subscriber())
	h, _ := newAccountHandler(t, p, u)

	if rec := callAccount(h.Delete, "u1", `{"confirmation":"DELETE"}`); rec.Code != http.StatusConflict {
		t.Errorf("status = %d", rec.Code)
	}
	if len(u.deleted) != 0 {
		t.Errorf("user deleted despite listing failure")
	}
}

func TestDeleteMissingUser(t *testing.T) {
	h, _ := newAccountHandler(t, newFakePayments(), newFakeUsers())
	if rec := callAccount(h.Delete, "u1", `{"confirmation":"DELETE"}`); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestDeleteIdentityFailure(t *testing.T) {
	u := newFakeUsers(&supabase.User{ID: "u1"})
	u.deleteErr = errors.New("supabase down")
	h, _ := newAccountHandler(t, newFakePayments(), u)
	if rec := callAccount(h.Delete, "u1", `{"confirmation":"DELETE"}`); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestPauseThenResumePreservesOtherFields(t *testing.T) {
	u := newFakeUsers(subscriber())
	h, _ := newAccountHandler(t, newFakePayments(), u)

	if rec := callAccount(h.Pause, "u1", ""); rec.Code != http.StatusOK {
		t.Fatalf("pause status = %d", rec.Code)
	}
	md := u.metadata("u1")
	if md["paused"] != true {
		t.Errorf("paused = %v", md["paused"])
	}
	if md["paused_at"] != testNow.Format(time.RFC3339) {
		t.Errorf("paused_at = %v", md["paused_at"])
	}

	// Pausing again keeps the original timestamp and writes nothing.
	h.now = func() time.Time { return testNow.Add(time.Hour) }
	callAccount(h.Pause, "u1", "")
	if u.updates != 1 {
		t.Errorf("updates after re-pause = %d, want 1", u.updates)
	}

	if rec := callAccount(h.Resume, "u1", ""); rec.Code != http.StatusOK {
		t.Fatalf("resume status = %d", rec.Code)
	}
	md = u.metadata("u1")
	if md["paused"] != false {
		t.Errorf("paused = %v", md["paused"])
	}
	if _, ok := md["paused_at"]; ok {
		t.Errorf("paused_at still set: %v", md["paused_at"])
	}

	for k, v := range subscriber().AppMetadata {
		if md[k] != v {
			t.Errorf("metadata[%s] = %v, want %v", k, md[k], v)
		}
	}
}

func TestResumeWhenNotPausedWritesNothing(t *testing.T) {
	u := newFakeUsers(&supabase.User{ID: "u1"})
	h, _ := newAccountHandler(t, newFakePayments(), u)
	if rec := callAccount(h.Resume, "u1", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if u.updates != 0 {
		t.Errorf("updates = %d, want 0", u.updates)
	}
}

func TestPauseUpstreamFailure(t *testing.T) {
	u := newFakeUsers(&supabase.User{ID: "u1"})
	u.updateErr = errors.New("supabase down")
	h, _ := newAccountHandler(t, newFakePayments(), u)
	if rec := callAccount(h.Pause, "u1", ""); rec.Code != http.StatusInternalServerError {
		t.Errorf("status = %d", rec.Code)
	}
}
