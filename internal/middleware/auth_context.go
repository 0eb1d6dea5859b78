package middleware

import (
	"context"
	"time"

	"github.com/technosupport/ts-vod/internal/data"
)

type contextKey string

const authContextKey contextKey = "auth_context"

// AuthContext holds the authenticated caller's identity for one request.
// TokenID and ExpiresAt come from the access token so logout can blacklist
// the exact token that authenticated the call.
type AuthContext struct {
	UserID    string
	TenantID  string
	Role      data.Role
	TokenID   string // jti
	ExpiresAt time.Time
}

// GetAuthContext retrieves the caller identity, or nil for anonymous
// requests that passed through OptionalAuth.
func GetAuthContext(ctx context.Context) *AuthContext {
	ac, _ := ctx.Value(authContextKey).(*AuthContext)
	return ac
}

// WithAuthContext attaches the caller identity to the context.
func WithAuthContext(ctx context.Context, auth *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey, auth)
}
