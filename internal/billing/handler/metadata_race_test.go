package handler

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	billingstripe "github.com/dukerupert/academy/internal/billing/stripe"
	"github.com/dukerupert/academy/internal/supabase"
)

// interleavedUsers lands a second writer's update between a handler's read
// of the user and its own write.
type interleavedUsers struct {
	*fakeUsers
	once    sync.Once
	between map[string]any
}

func (u *interleavedUsers) GetUser(ctx context.Context, id string) (*supabase.User, error) {
	user, err := u.fakeUsers.GetUser(ctx, id)
	u.once.Do(func() {
		u.fakeUsers.UpdateAppMetadata(ctx, id, u.between)
	})
	return user, err
}

func TestWebhookKeepsConcurrentPause(t *testing.T) {
	pausedAt := testNow.Add(-time.Minute).Format(time.RFC3339)
	users := &interleavedUsers{
		fakeUsers: newFakeUsers(&supabase.User{ID: "u1", AppMetadata: map[string]any{
			"plan":               "free",
			"stripe_customer_id": "cus_1",
		}}),
		between: map[string]any{"paused": true, "paused_at": pausedAt},
	}
	p := newFakePayments()
	p.events["evt_1"] = subscriptionEvent("evt_1", "customer.subscription.updated", &billingstripe.Subscription{
		ID: "sub_1", CustomerID: "cus_1", Status: "active", PriceID: "price_month", Interval: "month",
		Metadata: map[string]string{"user_id": "u1"},
	})
	st := newTestStores(t)
	h := NewWebhookHandler(p, users, st.customers, st.events, testLogger())
	h.now = func() time.Time { return testNow }

	if rec := deliver(h, "evt_1", "{}"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body)
	}

	md := users.metadata("u1")
	if md["plan"] != "pro" {
		t.Errorf("plan = %v, want pro", md["plan"])
	}
	if md["paused"] != true || md["paused_at"] != pausedAt {
		t.Errorf("concurrent pause lost: paused = %v, paused_at = %v", md["paused"], md["paused_at"])
	}
}

func TestPauseKeepsConcurrentUpgrade(t *testing.T) {
	users := &interleavedUsers{
		fakeUsers: newFakeUsers(&supabase.User{ID: "u1", AppMetadata: map[string]any{"plan": "free"}}),
		between: map[string]any{
			"plan":                   "pro",
			"stripe_customer_id":     "cus_1",
			"stripe_subscription_id": "sub_1",
		},
	}
	st := newTestStores(t)
	h := NewAccountHandler(newFakePayments(), users, st.customers, st.cache, testLogger())
	h.now = func() time.Time { return testNow }

	if rec := callAccount(h.Pause, "u1", ""); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	md := users.metadata("u1")
	if md["plan"] != "pro" || md["stripe_subscription_id"] != "sub_1" {
		t.Errorf("concurrent upgrade reverted: %v", md)
	}
	if md["paused"] != true {
		t.Errorf("paused = %v", md["paused"])
	}
}
