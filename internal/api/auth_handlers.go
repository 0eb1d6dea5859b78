package api

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"net/http"
	"net/mail"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-vod/internal/auth"
	"github.com/technosupport/ts-vod/internal/data"
	"github.com/technosupport/ts-vod/internal/middleware"
	"github.com/technosupport/ts-vod/internal/tokens"
)

const (
	refreshCookie     = "refresh_token"
	refreshCookiePath = "/api/auth"

	// defaultOrgSlug is where registrations without an organization name
	// land. The seed command guarantees the row exists.
	defaultOrgSlug = "default"
)

// LoginThrottle tracks failed credential attempts per email. Backed by
// Redis in production; errors are logged and treated as "not locked"
// because the strict auth rate limiter already fails closed upstream.
type LoginThrottle interface {
	CheckLockout(ctx context.Context, email string) (bool, error)
	RecordFailedAttempt(ctx context.Context, email string) error
	ClearFailedAttempts(ctx context.Context, email string) error
}

// TokenRevoker parks an access token id until its natural expiry.
type TokenRevoker interface {
	AddToBlacklist(ctx context.Context, tenantID, jti string, ttl time.Duration) error
}

// OrgDefaults seeds the settings of organizations created at registration.
type OrgDefaults struct {
	MaxStorageGB   int
	MaxVideoSizeMB int
	AllowedFormats []string
}

// AuthHandler implements registration, the login/refresh/logout token
// lifecycle and the identity endpoint. Registration spans two tables, so
// the handler owns the *sql.DB and opens transactions itself.
type AuthHandler struct {
	DB         *sql.DB
	Tokens     *tokens.Manager
	Hasher     *auth.Hasher
	Lockouts   LoginThrottle
	Revoker    TokenRevoker
	Defaults   OrgDefaults
	Production bool
	Logger     zerolog.Logger
}

type registerRequest struct {
	Email            string `json:"email"`
	Password         string `json:"password"`
	Name             string `json:"name"`
	OrganizationName string `json:"organizationName"`
	Role             string `json:"role"`
}

type credentialResponse struct {
	User        userResponse `json:"user"`
	AccessToken string       `json:"access_token"`
}

// Register creates an account. With an organization name it creates that
// organization and makes the caller its admin and owner; without one the
// caller joins the default organization as viewer or editor.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Name = strings.TrimSpace(req.Name)
	req.OrganizationName = strings.TrimSpace(req.OrganizationName)

	details := map[string]string{}
	if addr, err := mail.ParseAddress(req.Email); err != nil || addr.Address != req.Email {
		details["email"] = "must be a valid email address"
	}
	if len(req.Password) < 8 {
		details["password"] = "must be at least 8 characters"
	}
	if req.Name == "" || len(req.Name) > 100 {
		details["name"] = "must be between 1 and 100 characters"
	}
	role := data.Role(req.Role)
	if req.Role != "" && !data.ValidRole(role) {
		details["role"] = "must be one of viewer, editor, admin"
	}
	if req.OrganizationName == "" && role == data.RoleAdmin {
		details["role"] = "admin requires creating an organization"
	}
	if req.OrganizationName != "" && data.Slugify(req.OrganizationName) == "" {
		details["organizationName"] = "must contain letters or digits"
	}
	if len(details) > 0 {
		writeValidationError(w, details)
		return
	}

	hash, err := h.Hasher.Hash(req.Password)
	if err != nil {
		h.Logger.Error().Err(err).Msg("password hash failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	tx, err := h.DB.BeginTx(r.Context(), nil)
	if err != nil {
		h.Logger.Error().Err(err).Msg("begin registration tx")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	defer tx.Rollback()

	orgs := data.OrganizationModel{DB: tx}
	users := data.UserModel{DB: tx}

	var org *data.Organization
	if req.OrganizationName != "" {
		org = &data.Organization{
			Name:           req.OrganizationName,
			MaxStorageGB:   h.Defaults.MaxStorageGB,
			MaxVideoSizeMB: h.Defaults.MaxVideoSizeMB,
			AllowedFormats: h.Defaults.AllowedFormats,
			Active:         true,
		}
		if err := orgs.Create(r.Context(), org); err != nil {
			if errors.Is(err, data.ErrSlugDuplicate) {
				writeError(w, http.StatusConflict, "organization name already taken")
				return
			}
			h.Logger.Error().Err(err).Msg("create organization")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		role = data.RoleAdmin
	} else {
		org, err = orgs.GetBySlug(r.Context(), defaultOrgSlug)
		if err != nil {
			if errors.Is(err, data.ErrOrgNotFound) {
				writeValidationError(w, map[string]string{
					"organizationName": "required: no default organization to join",
				})
				return
			}
			h.Logger.Error().Err(err).Msg("load default organization")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
		if role == "" {
			role = data.RoleViewer
		}
	}

	user := &data.User{
		Email:          req.Email,
		PasswordHash:   hash,
		Name:           req.Name,
		Role:           role,
		OrganizationID: org.ID,
		Active:         true,
	}
	if err := users.Create(r.Context(), user); err != nil {
		if errors.Is(err, data.ErrEmailDuplicate) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		h.Logger.Error().Err(err).Msg("create user")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if req.OrganizationName != "" {
		if err := orgs.SetOwner(r.Context(), org.ID, user.ID); err != nil {
			h.Logger.Error().Err(err).Msg("set organization owner")
			writeError(w, http.StatusInternalServerError, "internal server error")
			return
		}
	}

	if err := tx.Commit(); err != nil {
		h.Logger.Error().Err(err).Msg("commit registration")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.Logger.Info().
		Str("user_id", user.ID).
		Str("organization_id", org.ID).
		Str("role", string(role)).
		Msg("user registered")

	h.issueTokens(w, r, user, http.StatusCreated)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// Login verifies credentials and opens a session. Failed attempts count
// toward a per-email lockout regardless of whether the account exists.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if req.Email == "" || req.Password == "" {
		writeValidationError(w, map[string]string{
			"email":    "required",
			"password": "required",
		})
		return
	}

	locked, err := h.Lockouts.CheckLockout(r.Context(), req.Email)
	if err != nil {
		h.Logger.Warn().Err(err).Msg("lockout check unavailable")
	}
	if locked {
		writeErrorCode(w, http.StatusTooManyRequests,
			"too many failed attempts, try again later", "ACCOUNT_LOCKED")
		return
	}

	users := data.UserModel{DB: h.DB}
	user, err := users.GetByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			h.Hasher.CheckDummy(req.Password)
			h.recordFailure(r.Context(), req.Email)
			writeError(w, http.StatusUnauthorized, "invalid email or password")
			return
		}
		h.Logger.Error().Err(err).Msg("load user by email")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if !h.Hasher.Check(req.Password, user.PasswordHash) {
		h.recordFailure(r.Context(), req.Email)
		writeError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if !user.Active {
		writeError(w, http.StatusUnauthorized, "account disabled")
		return
	}

	if err := h.Lockouts.ClearFailedAttempts(r.Context(), req.Email); err != nil {
		h.Logger.Warn().Err(err).Msg("clear lockout counter")
	}
	if err := users.UpdateLastLogin(r.Context(), user.ID); err != nil {
		h.Logger.Warn().Err(err).Str("user_id", user.ID).Msg("update last login")
	}

	h.Logger.Info().Str("user_id", user.ID).Msg("user logged in")
	h.issueTokens(w, r, user, http.StatusOK)
}

// Refresh rotates the refresh token and mints a new access token. The raw
// cookie value must hash to the user's stored slot; a mismatch means the
// token was already spent, so the slot is cleared and the session ends.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookie)
	if err != nil || cookie.Value == "" {
		writeError(w, http.StatusUnauthorized, "refresh token required")
		return
	}

	claims, err := h.Tokens.ValidateRefreshToken(cookie.Value)
	if err != nil {
		h.clearRefreshCookie(w)
		if errors.Is(err, tokens.ErrExpired) {
			writeErrorCode(w, http.StatusUnauthorized, "refresh token expired", "TOKEN_EXPIRED")
			return
		}
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	users := data.UserModel{DB: h.DB}
	user, err := users.GetByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			h.clearRefreshCookie(w)
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		h.Logger.Error().Err(err).Msg("load user for refresh")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if !user.Active {
		h.clearRefreshCookie(w)
		writeError(w, http.StatusUnauthorized, "account disabled")
		return
	}

	presented := hashToken(cookie.Value)
	if user.RefreshTokenHash == nil || *user.RefreshTokenHash != presented {
		// Reuse of a rotated token. Revoke the whole session: whoever holds
		// the live token loses it too.
		if err := users.ClearRefreshToken(r.Context(), user.ID); err != nil {
			h.Logger.Warn().Err(err).Str("user_id", user.ID).Msg("clear refresh slot")
		}
		h.clearRefreshCookie(w)
		h.Logger.Warn().Str("user_id", user.ID).Msg("refresh token reuse detected")
		writeError(w, http.StatusUnauthorized, "refresh token no longer valid")
		return
	}

	accessToken, err := h.Tokens.GenerateAccessToken(user.ID, user.OrganizationID, string(user.Role))
	if err != nil {
		h.Logger.Error().Err(err).Msg("generate access token")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	refreshToken, err := h.Tokens.GenerateRefreshToken(user.ID)
	if err != nil {
		h.Logger.Error().Err(err).Msg("generate refresh token")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if err := users.RotateRefreshToken(r.Context(), user.ID, presented, hashToken(refreshToken)); err != nil {
		if errors.Is(err, data.ErrRefreshReuse) {
			// Lost the swap to a concurrent refresh with the same token.
			if err := users.ClearRefreshToken(r.Context(), user.ID); err != nil {
				h.Logger.Warn().Err(err).Str("user_id", user.ID).Msg("clear refresh slot")
			}
			h.clearRefreshCookie(w)
			writeError(w, http.StatusUnauthorized, "refresh token no longer valid")
			return
		}
		h.Logger.Error().Err(err).Msg("rotate refresh token")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.setRefreshCookie(w, refreshToken)
	writeJSON(w, http.StatusOK, credentialResponse{
		User:        toUserResponse(user),
		AccessToken: accessToken,
	})
}

// Logout revokes the presented access token for its remaining lifetime and
// empties the refresh slot.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r.Context())
	if ac == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	if ttl := time.Until(ac.ExpiresAt); ttl > 0 {
		if err := h.Revoker.AddToBlacklist(r.Context(), ac.TenantID, ac.TokenID, ttl); err != nil {
			// Without the blacklist entry the token would stay usable, so
			// the logout did not happen.
			h.Logger.Error().Err(err).Msg("blacklist access token")
			writeError(w, http.StatusInternalServerError, "logout failed")
			return
		}
	}

	users := data.UserModel{DB: h.DB}
	if err := users.ClearRefreshToken(r.Context(), ac.UserID); err != nil {
		h.Logger.Warn().Err(err).Str("user_id", ac.UserID).Msg("clear refresh slot")
	}

	h.clearRefreshCookie(w)
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.AccessCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   h.Production,
	})

	h.Logger.Info().Str("user_id", ac.UserID).Msg("user logged out")
	writeJSON(w, http.StatusOK, struct{}{})
}

// Me returns the authenticated user's profile.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	ac := middleware.GetAuthContext(r.Context())
	if ac == nil {
		writeError(w, http.StatusUnauthorized, "authentication required")
		return
	}

	users := data.UserModel{DB: h.DB}
	user, err := users.GetByID(r.Context(), ac.UserID)
	if err != nil {
		if errors.Is(err, data.ErrUserNotFound) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		h.Logger.Error().Err(err).Msg("load user")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]userResponse{"user": toUserResponse(user)})
}

// issueTokens mints the token pair, stores the refresh hash, sets the
// cookie and writes the credential response.
func (h *AuthHandler) issueTokens(w http.ResponseWriter, r *http.Request, user *data.User, status int) {
	accessToken, err := h.Tokens.GenerateAccessToken(user.ID, user.OrganizationID, string(user.Role))
	if err != nil {
		h.Logger.Error().Err(err).Msg("generate access token")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	refreshToken, err := h.Tokens.GenerateRefreshToken(user.ID)
	if err != nil {
		h.Logger.Error().Err(err).Msg("generate refresh token")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	users := data.UserModel{DB: h.DB}
	if err := users.SetRefreshToken(r.Context(), user.ID, hashToken(refreshToken)); err != nil {
		h.Logger.Error().Err(err).Msg("store refresh token")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.setRefreshCookie(w, refreshToken)
	writeJSON(w, status, credentialResponse{
		User:        toUserResponse(user),
		AccessToken: accessToken,
	})
}

func (h *AuthHandler) recordFailure(ctx context.Context, email string) {
	if err := h.Lockouts.RecordFailedAttempt(ctx, email); err != nil {
		h.Logger.Warn().Err(err).Msg("record failed attempt")
	}
}

func (h *AuthHandler) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    token,
		Path:     refreshCookiePath,
		MaxAge:   int(h.Tokens.RefreshTTL() / time.Second),
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   h.Production,
	})
}

func (h *AuthHandler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookie,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Secure:   h.Production,
	})
}

// hashToken stores refresh tokens as SHA-256 so a database leak does not
// leak usable tokens. The digest is deterministic, which the rotation
// compare-and-swap relies on.
func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
