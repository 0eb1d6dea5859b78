package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/technosupport/ts-vod/internal/data"
	"github.com/technosupport/ts-vod/internal/tokens"
)

// AccessCookie is the cookie holding an access token for browser clients
// that cannot set headers, e.g. <video> tags pointing at stream URLs.
const AccessCookie = "access_token"

type TokenValidator interface {
	ValidateAccessToken(tokenString string) (*tokens.Claims, error)
}

type Blacklist interface {
	IsBlacklisted(ctx context.Context, tenantID, jti string) (bool, error)
}

// UserDirectory loads the account behind a token so disabled users are
// rejected even while their tokens are still unexpired.
type UserDirectory interface {
	GetByID(ctx context.Context, id string) (*data.User, error)
}

type JWTAuth struct {
	tokens    TokenValidator
	blacklist Blacklist
	users     UserDirectory
}

func NewJWTAuth(t TokenValidator, b Blacklist, u UserDirectory) *JWTAuth {
	return &JWTAuth{tokens: t, blacklist: b, users: u}
}

// ResolveToken extracts the access token from a request: Authorization
// bearer header first, then the access_token cookie, then the token query
// parameter. The query form exists for players and <img> tags.
func ResolveToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
		return ""
	}
	if c, err := r.Cookie(AccessCookie); err == nil && c.Value != "" {
		return c.Value
	}
	return r.URL.Query().Get("token")
}

// Require rejects requests without a valid access token.
func (m *JWTAuth) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ResolveToken(r)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, "authentication required")
			return
		}
		ac, ok := m.authenticate(w, r, tokenString)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
	})
}

// Optional authenticates when a token is present and passes anonymous
// requests through untouched. A present but invalid token is still
// rejected rather than downgraded to anonymous.
func (m *JWTAuth) Optional(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := ResolveToken(r)
		if tokenString == "" {
			next.ServeHTTP(w, r)
			return
		}
		ac, ok := m.authenticate(w, r, tokenString)
		if !ok {
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuthContext(r.Context(), ac)))
	})
}

// authenticate runs the full check chain: signature and claims, blacklist
// (fail closed), then account status. It writes the error response itself
// and reports whether the caller may proceed.
func (m *JWTAuth) authenticate(w http.ResponseWriter, r *http.Request, tokenString string) (*AuthContext, bool) {
	claims, err := m.tokens.ValidateAccessToken(tokenString)
	if err != nil {
		if errors.Is(err, tokens.ErrExpired) {
			writeErrorCode(w, http.StatusUnauthorized, "token expired", "TOKEN_EXPIRED")
			return nil, false
		}
		writeError(w, http.StatusUnauthorized, "invalid token")
		return nil, false
	}

	blacklisted, err := m.blacklist.IsBlacklisted(r.Context(), claims.TenantID, claims.ID)
	if err != nil {
		// Fail closed: an unreachable blacklist must not admit revoked tokens.
		writeError(w, http.StatusUnauthorized, "authorization unavailable")
		return nil, false
	}
	if blacklisted {
		writeError(w, http.StatusUnauthorized, "token revoked")
		return nil, false
	}

	user, err := m.users.GetByID(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return nil, false
	}
	if !user.Active {
		writeError(w, http.StatusUnauthorized, "account disabled")
		return nil, false
	}

	return &AuthContext{
		UserID:    claims.UserID,
		TenantID:  claims.TenantID,
		Role:      data.Role(claims.Role),
		TokenID:   claims.ID,
		ExpiresAt: claims.ExpiresAt.Time,
	}, true
}
