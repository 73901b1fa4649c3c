package auth

import (
	"context"
	"testing"
)

func TestWithIdentityAndFromContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: "8d0c-user", Email: "ada@example.com"})
	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected Identity in context")
	}
	if got.UserID != "8d0c-user" {
		t.Errorf("UserID = %q, want %q", got.UserID, "8d0c-user")
	}
	if got.Email != "ada@example.com" {
		t.Errorf("Email = %q, want %q", got.Email, "ada@example.com")
	}
}

func TestFromContextMissing(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("expected false for missing Identity")
	}
}

func TestFromContextEmptyUserID(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{Email: "ada@example.com"})
	if _, ok := FromContext(ctx); ok {
		t.Error("identity without user id should not count as authenticated")
	}
}

func TestUserID(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: "u7"})
	if UserID(ctx) != "u7" {
		t.Errorf("UserID = %q, want u7", UserID(ctx))
	}
}

func TestUserIDMissing(t *testing.T) {
	if UserID(context.Background()) != "" {
		t.Error("expected empty user id for missing context")
	}
}
