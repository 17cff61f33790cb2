package middleware

import (
	"context"
	"testing"
)

func TestContextRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := GetTenant(ctx); got != "" {
		t.Errorf("GetTenant(empty) = %q, want \"\"", got)
	}

	ctx = SetTenant(ctx, "t1")
	ctx = SetConversation(ctx, "t1:sms:+15550100")
	ctx = SetAdminSubject(ctx, "apikey:abc")

	if got := GetTenant(ctx); got != "t1" {
		t.Errorf("GetTenant() = %q, want %q", got, "t1")
	}
	if got := GetConversation(ctx); got != "t1:sms:+15550100" {
		t.Errorf("GetConversation() = %q", got)
	}
	if got := GetAdminSubject(ctx); got != "apikey:abc" {
		t.Errorf("GetAdminSubject() = %q", got)
	}
	if Logger(ctx) == nil {
		t.Error("Logger() returned nil")
	}
}
