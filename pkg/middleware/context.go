// Package middleware provides shared request-context helpers for Switchboard.
//
// This package lives in pkg/ (not internal/) so that channel transports
// embedding the engine can tag their own contexts the same way.
package middleware

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type contextKey string

const (
	tenantKey       contextKey = "tenant"
	conversationKey contextKey = "conversation"
	adminKey        contextKey = "admin_subject"
)

// SetTenant stores the tenant ID in the context.
func SetTenant(ctx context.Context, tenantID string) context.Context {
	return context.WithValue(ctx, tenantKey, tenantID)
}

// GetTenant extracts the tenant ID from the context, or "".
func GetTenant(ctx context.Context) string {
	if v, ok := ctx.Value(tenantKey).(string); ok {
		return v
	}
	return ""
}

// SetConversation stores the conversation key in the context.
func SetConversation(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, conversationKey, key)
}

// GetConversation extracts the conversation key from the context, or "".
func GetConversation(ctx context.Context) string {
	if v, ok := ctx.Value(conversationKey).(string); ok {
		return v
	}
	return ""
}

// SetAdminSubject records the authenticated admin principal.
func SetAdminSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, adminKey, subject)
}

// GetAdminSubject returns the authenticated admin principal, or "".
func GetAdminSubject(ctx context.Context) string {
	if v, ok := ctx.Value(adminKey).(string); ok {
		return v
	}
	return ""
}

// Logger returns the global logger annotated with the tenant and
// conversation carried by ctx.
func Logger(ctx context.Context) *zerolog.Logger {
	lc := log.With()
	if t := GetTenant(ctx); t != "" {
		lc = lc.Str("tenant", t)
	}
	if c := GetConversation(ctx); c != "" {
		lc = lc.Str("conversation", c)
	}
	l := lc.Logger()
	return &l
}
