package middleware

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-vod/internal/ratelimit"
)

// RateLimit installs the three limiter categories. The config pointer is
// swapped atomically when the overlay file changes, so in-flight requests
// always see a consistent set of windows.
type RateLimit struct {
	limiter *ratelimit.Limiter
	tokens  TokenValidator
	cfg     atomic.Pointer[ratelimit.Config]
	logger  zerolog.Logger
}

func NewRateLimit(l *ratelimit.Limiter, t TokenValidator, cfg ratelimit.Config, logger zerolog.Logger) *RateLimit {
	m := &RateLimit{limiter: l, tokens: t, logger: logger}
	m.cfg.Store(&cfg)
	return m
}

// SetConfig replaces the active limits. Wired to the config file watcher.
func (m *RateLimit) SetConfig(cfg ratelimit.Config) {
	m.cfg.Store(&cfg)
	m.logger.Info().
		Int("global_rate", cfg.Global.Rate).
		Int("auth_rate", cfg.Auth.Rate).
		Int("upload_rate", cfg.Upload.Rate).
		Msg("rate limits reloaded")
}

func (m *RateLimit) config() *ratelimit.Config { return m.cfg.Load() }

// Global applies the wide per-client window to every API request. Clients
// are keyed by token subject when one parses, otherwise by hashed IP; the
// limiter runs before auth, so the parse here is best effort.
func (m *RateLimit) Global(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := m.subjectIdentity(r)
		if identity == "" {
			identity = m.limiter.HashIP(clientIP(r))
		}

		key := m.limiter.Key(ratelimit.ScopeGlobal, identity)
		decision, err := m.limiter.Check(r.Context(), ratelimit.ScopeGlobal, key, m.config().Global)
		if err != nil {
			// Auth routes fail closed when Redis is down; everything else
			// stays up without the limiter.
			if strings.HasPrefix(r.URL.Path, "/api/auth/") {
				m.logger.Error().Err(err).Msg("rate limiter unavailable, refusing auth request")
				writeError(w, http.StatusServiceUnavailable, "service unavailable")
				return
			}
			m.logger.Warn().Err(err).Msg("rate limiter unavailable, admitting request")
			next.ServeHTTP(w, r)
			return
		}

		if !decision.Allowed {
			writeRateLimitHeaders(w, decision)
			writeErrorCode(w, http.StatusTooManyRequests, "rate limit exceeded", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Auth is the strict window for credential endpoints, keyed by caller IP.
// It fails closed: guessing passwords while Redis is down is not an option.
func (m *RateLimit) Auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := m.limiter.HashIP(clientIP(r))
		key := m.limiter.Key(ratelimit.ScopeAuth, identity)
		decision, err := m.limiter.Check(r.Context(), ratelimit.ScopeAuth, key, m.config().Auth)
		if err != nil {
			m.logger.Error().Err(err).Msg("rate limiter unavailable, refusing auth request")
			writeError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		if !decision.Allowed {
			writeRateLimitHeaders(w, decision)
			writeErrorCode(w, http.StatusTooManyRequests, "too many attempts", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Upload meters ingest per account. It runs after Require, so the auth
// context is present; IP is only a fallback against miswiring.
func (m *RateLimit) Upload(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity := ""
		if ac := GetAuthContext(r.Context()); ac != nil {
			identity = ac.TenantID + ":" + ac.UserID
		}
		if identity == "" {
			identity = m.limiter.HashIP(clientIP(r))
		}

		key := m.limiter.Key(ratelimit.ScopeUpload, identity)
		decision, err := m.limiter.Check(r.Context(), ratelimit.ScopeUpload, key, m.config().Upload)
		if err != nil {
			m.logger.Warn().Err(err).Msg("rate limiter unavailable, admitting upload")
			next.ServeHTTP(w, r)
			return
		}
		if !decision.Allowed {
			writeRateLimitHeaders(w, decision)
			writeErrorCode(w, http.StatusTooManyRequests, "upload limit exceeded", "RATE_LIMITED")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// subjectIdentity returns "tenant:user" when the request carries a token
// that verifies, "" otherwise. Invalid tokens are left for the auth
// middleware to reject properly.
func (m *RateLimit) subjectIdentity(r *http.Request) string {
	tokenString := ResolveToken(r)
	if tokenString == "" {
		return ""
	}
	claims, err := m.tokens.ValidateAccessToken(tokenString)
	if err != nil {
		return ""
	}
	return claims.TenantID + ":" + claims.UserID
}

// clientIP trusts RemoteAddr; chi's RealIP middleware has already folded
// X-Forwarded-For into it.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}
