package store

import (
	"testing"
	"time"

	"github.com/dukerupert/academy/internal/billing/model"
)

func TestCheckoutCachePutGet(t *testing.T) {
	cc := NewCheckoutCacheStore(setupTestDB(t))

	expires := time.Now().Add(30 * time.Minute)
	key := model.CheckoutCacheKey("user-1", "price_y", "year")
	err := cc.Put(bg, &model.CheckoutCacheEntry{
		CacheKey:  key,
		UserID:    "user-1",
		PriceID:   "price_y",
		Interval:  "year",
		SessionID: "cs_test_1",
		URL:       "https://checkout.stripe.com/c/pay/cs_test_1",
		ExpiresAt: expires,
	})
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	e, err := cc.Get(bg, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e == nil {
		t.Fatal("expected entry, got nil")
	}
	if e.SessionID != "cs_test_1" {
		t.Errorf("session id = %q", e.SessionID)
	}
	if !e.ExpiresAt.Equal(expires.Truncate(time.Second)) {
		t.Errorf("expires_at = %v, want %v", e.ExpiresAt, expires.Truncate(time.Second))
	}
	if !e.Fresh(time.Now(), 5*time.Second) {
		t.Error("entry should be fresh")
	}
}

func TestCheckoutCachePutReplaces(t *testing.T) {
	cc := NewCheckoutCacheStore(setupTestDB(t))

	entry := &model.CheckoutCacheEntry{
		CacheKey: "k", UserID: "user-1", PriceID: "p", Interval: "month",
		SessionID: "cs_1", URL: "https://checkout.stripe.com/1", ExpiresAt: time.Now().Add(time.Hour),
	}
	cc.Put(bg, entry)
	entry.SessionID = "cs_2"
	entry.URL = "https://checkout.stripe.com/2"
	if err := cc.Put(bg, entry); err != nil {
		t.Fatalf("second put: %v", err)
	}

	e, _ := cc.Get(bg, "k")
	if e.SessionID != "cs_2" {
		t.Errorf("session id = %q, want cs_2", e.SessionID)
	}
}

func TestCheckoutCacheGetNotFound(t *testing.T) {
	cc := NewCheckoutCacheStore(setupTestDB(t))

	e, err := cc.Get(bg, "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if e != nil {
		t.Errorf("expected nil, got %+v", e)
	}
}

func TestCheckoutCacheDelete(t *testing.T) {
	cc := NewCheckoutCacheStore(setupTestDB(t))

	now := time.Now()
	cc.Put(bg, &model.CheckoutCacheEntry{CacheKey: "a", UserID: "user-1", PriceID: "p", Interval: "month", SessionID: "cs_a", URL: "u", ExpiresAt: now.Add(time.Hour)})
	cc.Put(bg, &model.CheckoutCacheEntry{CacheKey: "b", UserID: "user-1", PriceID: "p", Interval: "year", SessionID: "cs_b", URL: "u", ExpiresAt: now.Add(time.Hour)})
	cc.Put(bg, &model.CheckoutCacheEntry{CacheKey: "c", UserID: "user-2", PriceID: "p", Interval: "year", SessionID: "cs_c", URL: "u", ExpiresAt: now.Add(time.Hour)})

	if err := cc.Delete(bg, "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if e, _ := cc.Get(bg, "a"); e != nil {
		t.Error("entry a still present")
	}

	n, err := cc.DeleteByUserID(bg, "user-1")
	if err != nil {
		t.Fatalf("delete by user: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if e, _ := cc.Get(bg, "c"); e == nil {
		t.Error("other user's entry was deleted")
	}
}

func TestCheckoutCacheDeleteExpired(t *testing.T) {
	cc := NewCheckoutCacheStore(setupTestDB(t))

	now := time.Now()
	cc.Put(bg, &model.CheckoutCacheEntry{CacheKey: "old", UserID: "u", PriceID: "p", Interval: "month", SessionID: "cs_old", URL: "u", ExpiresAt: now.Add(-time.Minute)})
	cc.Put(bg, &model.CheckoutCacheEntry{CacheKey: "new", UserID: "u", PriceID: "p", Interval: "year", SessionID: "cs_new", URL: "u", ExpiresAt: now.Add(time.Hour)})

	n, err := cc.DeleteExpired(bg, now)
	if err != nil {
		t.Fatalf("delete expired: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted %d, want 1", n)
	}
	if e, _ := cc.Get(bg, "new"); e == nil {
		t.Error("unexpired entry removed")
	}
}
