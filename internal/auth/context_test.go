package auth

import (
	"context"
	"testing"
)

func TestWithIdentityAndFromContext(t *testing.T) {
	ctx := WithIdentity(context.Background(), Identity{UserID: "user-1"})
	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected Identity in context")
	}
	if got.UserID != "user-1" {
		t.Errorf("UserID = %q, want %q", got.UserID, "user-1")
	}
	if UserID(ctx) != "user-1" {
		t.Errorf("UserID(ctx) = %q, want %q", UserID(ctx), "user-1")
	}
}

func TestFromContextMissing(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("expected false for missing Identity")
	}
	if got := UserID(context.Background()); got != "" {
		t.Errorf("UserID = %q, want empty", got)
	}
}
