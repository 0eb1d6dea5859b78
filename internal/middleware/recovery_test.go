package middleware_test

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/technosupport/ts-vod/internal/middleware"
)

func TestRecoveryConvertsPanic(t *testing.T) {
	h := middleware.Recovery(zerolog.Nop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))

	r := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	if !strings.Contains(w.Body.String(), "internal server error") {
		t.Errorf("body = %q, want generic message", w.Body.String())
	}
	if strings.Contains(w.Body.String(), "boom") {
		t.Error("panic value leaked into response")
	}
}

func TestRecoveryPassesCleanRequests(t *testing.T) {
	h := middleware.Recovery(zerolog.Nop())(okHandler(nil))

	r := httptest.NewRequest(http.MethodGet, "/api/videos", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}
