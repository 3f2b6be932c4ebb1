package accountcontext

import (
	"context"
	"strings"
)

// AccountContextKey is the request context key for the authenticated account ID.
type AccountContextKey struct{}

type roleKey struct{}

// WithAccountID stores the account ID in the context.
func WithAccountID(ctx context.Context, accountID string) context.Context {
	return context.WithValue(ctx, AccountContextKey{}, strings.TrimSpace(accountID))
}

// AccountIDFromContext returns the account ID from context, if set.
func AccountIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(AccountContextKey{}).(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}

// WithRole stores the caller role resolved from its token.
func WithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleKey{}, strings.ToLower(strings.TrimSpace(role)))
}

func RoleFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	role, _ := ctx.Value(roleKey{}).(string)
	return role
}
