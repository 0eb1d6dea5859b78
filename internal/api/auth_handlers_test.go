package api_test

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/technosupport/ts-vod/internal/api"
	"github.com/technosupport/ts-vod/internal/auth"
	"github.com/technosupport/ts-vod/internal/data"
	"github.com/technosupport/ts-vod/internal/middleware"
	"github.com/technosupport/ts-vod/internal/tokens"
)

type authFixture struct {
	h        *api.AuthHandler
	mock     sqlmock.Sqlmock
	throttle *fakeThrottle
	revoker  *fakeRevoker
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &authFixture{
		mock:     mock,
		throttle: &fakeThrottle{},
		revoker:  &fakeRevoker{},
	}
	f.h = &api.AuthHandler{
		DB:       db,
		Tokens:   newTokenManager(),
		Hasher:   auth.NewHasher(bcrypt.MinCost),
		Lockouts: f.throttle,
		Revoker:  f.revoker,
		Defaults: api.OrgDefaults{
			MaxStorageGB:   10,
			MaxVideoSizeMB: 500,
			AllowedFormats: []string{"mp4", "mov"},
		},
		Logger: nopLogger(),
	}
	return f
}

func jsonRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func sha256hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func userColumnsRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "email", "password_hash", "name", "role", "organization_id",
		"active", "last_login_at", "refresh_token_hash", "created_at", "updated_at",
	})
}

func orgColumnsRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "name", "slug", "owner_id", "max_storage_gb", "max_video_size_mb",
		"allowed_formats", "active", "created_at", "updated_at",
	})
}

func timestampRows() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now)
}

func findCookie(t *testing.T, rec *httptest.ResponseRecorder, name string) *http.Cookie {
	t.Helper()
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func TestRegisterCreatesOrganization(t *testing.T) {
	f := newAuthFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("INSERT INTO organizations").WillReturnRows(timestampRows())
	f.mock.ExpectQuery("INSERT INTO users").WillReturnRows(timestampRows())
	f.mock.ExpectExec("UPDATE organizations").WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectCommit()
	f.mock.ExpectExec("UPDATE users SET refresh_token_hash").WillReturnResult(sqlmock.NewResult(0, 1))

	rec := httptest.NewRecorder()
	f.h.Register(rec, jsonRequest(http.MethodPost, "/api/auth/register", `{
		"email": "owner@acme.test",
		"password": "open-sesame",
		"name": "Org Owner",
		"organizationName": "Acme Media"
	}`))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	user := body["user"].(map[string]any)
	assert.Equal(t, "owner@acme.test", user["email"])
	assert.Equal(t, "admin", user["role"])
	assert.NotContains(t, user, "password_hash")

	// The access token must verify against the issuing manager.
	claims, err := f.h.Tokens.ValidateAccessToken(body["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "admin", claims.Role)

	cookie := findCookie(t, rec, "refresh_token")
	require.NotNil(t, cookie, "refresh cookie must be set")
	assert.Equal(t, "/api/auth", cookie.Path)
	assert.True(t, cookie.HttpOnly)
	assert.NotEmpty(t, cookie.Value)

	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRegisterJoinsDefaultOrganization(t *testing.T) {
	f := newAuthFixture(t)
	now := time.Now()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT (.+) FROM organizations").
		WithArgs("default").
		WillReturnRows(orgColumnsRows().
			AddRow("org-default", "Default", "default", nil, 10, 500, "{mp4,mov}", true, now, now))
	f.mock.ExpectQuery("INSERT INTO users").WillReturnRows(timestampRows())
	f.mock.ExpectCommit()
	f.mock.ExpectExec("UPDATE users SET refresh_token_hash").WillReturnResult(sqlmock.NewResult(0, 1))

	rec := httptest.NewRecorder()
	f.h.Register(rec, jsonRequest(http.MethodPost, "/api/auth/register", `{
		"email": "newbie@example.test",
		"password": "open-sesame",
		"name": "Newbie",
		"role": "editor"
	}`))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	user := decodeBody(t, rec)["user"].(map[string]any)
	assert.Equal(t, "editor", user["role"])
	assert.Equal(t, "org-default", user["organization_id"])

	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRegisterDuplicateEmail(t *testing.T) {
	f := newAuthFixture(t)
	now := time.Now()

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("SELECT (.+) FROM organizations").
		WithArgs("default").
		WillReturnRows(orgColumnsRows().
			AddRow("org-default", "Default", "default", nil, 10, 500, "{mp4}", true, now, now))
	f.mock.ExpectQuery("INSERT INTO users").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "users_email_key"})
	f.mock.ExpectRollback()

	rec := httptest.NewRecorder()
	f.h.Register(rec, jsonRequest(http.MethodPost, "/api/auth/register", `{
		"email": "taken@example.test",
		"password": "open-sesame",
		"name": "Taken"
	}`))

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "email already registered", decodeBody(t, rec)["error"])
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRegisterDuplicateOrganizationName(t *testing.T) {
	f := newAuthFixture(t)

	f.mock.ExpectBegin()
	f.mock.ExpectQuery("INSERT INTO organizations").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "organizations_slug_key"})
	f.mock.ExpectRollback()

	rec := httptest.NewRecorder()
	f.h.Register(rec, jsonRequest(http.MethodPost, "/api/auth/register", `{
		"email": "owner@acme.test",
		"password": "open-sesame",
		"name": "Owner",
		"organizationName": "Acme Media"
	}`))

	require.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "organization name already taken", decodeBody(t, rec)["error"])
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRegisterValidation(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		detail string
	}{
		{
			"invalid email",
			`{"email": "not-an-email", "password": "open-sesame", "name": "X"}`,
			"email",
		},
		{
			"short password",
			`{"email": "a@b.test", "password": "short", "name": "X"}`,
			"password",
		},
		{
			"missing name",
			`{"email": "a@b.test", "password": "open-sesame"}`,
			"name",
		},
		{
			"admin without organization",
			`{"email": "a@b.test", "password": "open-sesame", "name": "X", "role": "admin"}`,
			"role",
		},
		{
			"unknown role",
			`{"email": "a@b.test", "password": "open-sesame", "name": "X", "role": "owner"}`,
			"role",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newAuthFixture(t)

			rec := httptest.NewRecorder()
			f.h.Register(rec, jsonRequest(http.MethodPost, "/api/auth/register", tt.body))

			require.Equal(t, http.StatusBadRequest, rec.Code)
			details := decodeBody(t, rec)["details"].(map[string]any)
			assert.Contains(t, details, tt.detail)
			require.NoError(t, f.mock.ExpectationsWereMet())
		})
	}
}

func TestLoginSuccess(t *testing.T) {
	f := newAuthFixture(t)
	hash, err := f.h.Hasher.Hash("open-sesame")
	require.NoError(t, err)
	now := time.Now()

	f.mock.ExpectQuery("SELECT (.+) FROM users WHERE email").
		WithArgs("user@acme.test").
		WillReturnRows(userColumnsRows().
			AddRow("user-1", "user@acme.test", hash, "User One", "editor", "org-1",
				true, nil, nil, now, now))
	f.mock.ExpectExec("UPDATE users SET last_login_at").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	f.mock.ExpectExec("UPDATE users SET refresh_token_hash").
		WillReturnResult(sqlmock.NewResult(0, 1))

	rec := httptest.NewRecorder()
	f.h.Login(rec, jsonRequest(http.MethodPost, "/api/auth/login",
		`{"email": "User@Acme.test", "password": "open-sesame"}`))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)

	claims, err := f.h.Tokens.ValidateAccessToken(body["access_token"].(string))
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.UserID)
	assert.Equal(t, "org-1", claims.TenantID)
	assert.Equal(t, "editor", claims.Role)

	assert.Equal(t, []string{"user@acme.test"}, f.throttle.cleared)
	require.NotNil(t, findCookie(t, rec, "refresh_token"))
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLoginWrongPassword(t *testing.T) {
	f := newAuthFixture(t)
	hash, err := f.h.Hasher.Hash("the-real-password")
	require.NoError(t, err)
	now := time.Now()

	f.mock.ExpectQuery("SELECT (.+) FROM users WHERE email").
		WithArgs("user@acme.test").
		WillReturnRows(userColumnsRows().
			AddRow("user-1", "user@acme.test", hash, "User One", "editor", "org-1",
				true, nil, nil, now, now))

	rec := httptest.NewRecorder()
	f.h.Login(rec, jsonRequest(http.MethodPost, "/api/auth/login",
		`{"email": "user@acme.test", "password": "a-wrong-guess"}`))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid email or password", decodeBody(t, rec)["error"])
	assert.Equal(t, []string{"user@acme.test"}, f.throttle.failures)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLoginUnknownEmail(t *testing.T) {
	f := newAuthFixture(t)

	f.mock.ExpectQuery("SELECT (.+) FROM users WHERE email").
		WithArgs("ghost@acme.test").
		WillReturnError(sql.ErrNoRows)

	rec := httptest.NewRecorder()
	f.h.Login(rec, jsonRequest(http.MethodPost, "/api/auth/login",
		`{"email": "ghost@acme.test", "password": "whatever-pass"}`))

	// Same answer as a wrong password: existence stays hidden.
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid email or password", decodeBody(t, rec)["error"])
	assert.Equal(t, []string{"ghost@acme.test"}, f.throttle.failures)
}

func TestLoginLockout(t *testing.T) {
	f := newAuthFixture(t)
	f.throttle.locked = true

	rec := httptest.NewRecorder()
	f.h.Login(rec, jsonRequest(http.MethodPost, "/api/auth/login",
		`{"email": "user@acme.test", "password": "open-sesame"}`))

	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ACCOUNT_LOCKED", body["code"])
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLoginDisabledAccount(t *testing.T) {
	f := newAuthFixture(t)
	hash, err := f.h.Hasher.Hash("open-sesame")
	require.NoError(t, err)
	now := time.Now()

	f.mock.ExpectQuery("SELECT (.+) FROM users WHERE email").
		WithArgs("user@acme.test").
		WillReturnRows(userColumnsRows().
			AddRow("user-1", "user@acme.test", hash, "User One", "editor", "org-1",
				false, nil, nil, now, now))

	rec := httptest.NewRecorder()
	f.h.Login(rec, jsonRequest(http.MethodPost, "/api/auth/login",
		`{"email": "user@acme.test", "password": "open-sesame"}`))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "account disabled", decodeBody(t, rec)["error"])
}

func TestRefreshRotatesToken(t *testing.T) {
	f := newAuthFixture(t)
	refresh, err := f.h.Tokens.GenerateRefreshToken("user-1")
	require.NoError(t, err)
	presented := sha256hex(refresh)
	now := time.Now()

	f.mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WithArgs("user-1").
		WillReturnRows(userColumnsRows().
			AddRow("user-1", "user@acme.test", "irrelevant", "User One", "editor", "org-1",
				true, nil, presented, now, now))
	f.mock.ExpectExec("UPDATE users").
		WithArgs(sqlmock.AnyArg(), "user-1", presented).
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := jsonRequest(http.MethodPost, "/api/auth/refresh", "")
	r.AddCookie(&http.Cookie{Name: "refresh_token", Value: refresh})

	rec := httptest.NewRecorder()
	f.h.Refresh(rec, r)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	_, err = f.h.Tokens.ValidateAccessToken(body["access_token"].(string))
	require.NoError(t, err)

	cookie := findCookie(t, rec, "refresh_token")
	require.NotNil(t, cookie)
	assert.NotEqual(t, refresh, cookie.Value, "rotation must issue a new token")
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRefreshReuseRevokesSession(t *testing.T) {
	f := newAuthFixture(t)
	// The presented token is valid JWT-wise but the slot holds a different
	// hash: this token was already spent.
	stale, err := f.h.Tokens.GenerateRefreshToken("user-1")
	require.NoError(t, err)
	now := time.Now()

	f.mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WithArgs("user-1").
		WillReturnRows(userColumnsRows().
			AddRow("user-1", "user@acme.test", "irrelevant", "User One", "editor", "org-1",
				true, nil, sha256hex("a-newer-token"), now, now))
	f.mock.ExpectExec("UPDATE users SET refresh_token_hash = NULL").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := jsonRequest(http.MethodPost, "/api/auth/refresh", "")
	r.AddCookie(&http.Cookie{Name: "refresh_token", Value: stale})

	rec := httptest.NewRecorder()
	f.h.Refresh(rec, r)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "refresh token no longer valid", decodeBody(t, rec)["error"])

	cookie := findCookie(t, rec, "refresh_token")
	require.NotNil(t, cookie)
	assert.Empty(t, cookie.Value)
	assert.Negative(t, cookie.MaxAge)
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestRefreshMissingCookie(t *testing.T) {
	f := newAuthFixture(t)

	rec := httptest.NewRecorder()
	f.h.Refresh(rec, jsonRequest(http.MethodPost, "/api/auth/refresh", ""))

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "refresh token required", decodeBody(t, rec)["error"])
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	f := newAuthFixture(t)
	access, err := f.h.Tokens.GenerateAccessToken("user-1", "org-1", "editor")
	require.NoError(t, err)

	r := jsonRequest(http.MethodPost, "/api/auth/refresh", "")
	r.AddCookie(&http.Cookie{Name: "refresh_token", Value: access})

	rec := httptest.NewRecorder()
	f.h.Refresh(rec, r)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid refresh token", decodeBody(t, rec)["error"])
}

func TestRefreshExpiredToken(t *testing.T) {
	f := newAuthFixture(t)
	// Same secrets, nanosecond lifetime: the token is expired by the time
	// the handler sees it.
	shortLived := tokens.NewManager("test-access-secret", "test-refresh-secret",
		15*time.Minute, time.Nanosecond)
	refresh, err := shortLived.GenerateRefreshToken("user-1")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	r := jsonRequest(http.MethodPost, "/api/auth/refresh", "")
	r.AddCookie(&http.Cookie{Name: "refresh_token", Value: refresh})

	rec := httptest.NewRecorder()
	f.h.Refresh(rec, r)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "TOKEN_EXPIRED", body["code"])
}

func TestLogout(t *testing.T) {
	f := newAuthFixture(t)

	f.mock.ExpectExec("UPDATE users SET refresh_token_hash = NULL").
		WithArgs("user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	r := jsonRequest(http.MethodPost, "/api/auth/logout", "")
	r = withAuth(r, authAs("user-1", "org-1", data.RoleEditor))

	rec := httptest.NewRecorder()
	f.h.Logout(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"jti-user-1"}, f.revoker.jtis)
	assert.Equal(t, "org-1", f.revoker.tenant)

	refresh := findCookie(t, rec, "refresh_token")
	require.NotNil(t, refresh)
	assert.Negative(t, refresh.MaxAge)
	access := findCookie(t, rec, middleware.AccessCookie)
	require.NotNil(t, access)
	assert.Negative(t, access.MaxAge)

	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestLogoutBlacklistFailure(t *testing.T) {
	f := newAuthFixture(t)
	f.revoker.err = errors.New("redis down")

	r := jsonRequest(http.MethodPost, "/api/auth/logout", "")
	r = withAuth(r, authAs("user-1", "org-1", data.RoleEditor))

	rec := httptest.NewRecorder()
	f.h.Logout(rec, r)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "logout failed", decodeBody(t, rec)["error"])
	require.NoError(t, f.mock.ExpectationsWereMet())
}

func TestMe(t *testing.T) {
	f := newAuthFixture(t)
	now := time.Now()

	f.mock.ExpectQuery("SELECT (.+) FROM users WHERE id").
		WithArgs("user-1").
		WillReturnRows(userColumnsRows().
			AddRow("user-1", "user@acme.test", "hash", "User One", "viewer", "org-1",
				true, nil, nil, now, now))

	r := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	r = withAuth(r, authAs("user-1", "org-1", data.RoleViewer))

	rec := httptest.NewRecorder()
	f.h.Me(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	user := decodeBody(t, rec)["user"].(map[string]any)
	assert.Equal(t, "user@acme.test", user["email"])
	assert.Equal(t, "viewer", user["role"])
	assert.NotContains(t, user, "password_hash")
	assert.NotContains(t, user, "refresh_token_hash")
}
