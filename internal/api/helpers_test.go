package api_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-vod/internal/data"
	"github.com/technosupport/ts-vod/internal/middleware"
	"github.com/technosupport/ts-vod/internal/queue"
	"github.com/technosupport/ts-vod/internal/tokens"
)

func newTokenManager() *tokens.Manager {
	return tokens.NewManager("test-access-secret", "test-refresh-secret",
		15*time.Minute, 7*24*time.Hour)
}

func nopLogger() zerolog.Logger { return zerolog.Nop() }

// withURLParam plants a chi route context so handlers can read {id}
// without running the full router.
func withURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func withAuth(r *http.Request, ac *middleware.AuthContext) *http.Request {
	if ac == nil {
		return r
	}
	return r.WithContext(middleware.WithAuthContext(r.Context(), ac))
}

func authAs(userID, tenantID string, role data.Role) *middleware.AuthContext {
	return &middleware.AuthContext{
		UserID:    userID,
		TenantID:  tenantID,
		Role:      role,
		TokenID:   "jti-" + userID,
		ExpiresAt: time.Now().Add(15 * time.Minute),
	}
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

// fakeVideoStore satisfies the handler-side store interfaces with an
// in-memory map.
type fakeVideoStore struct {
	mu      sync.Mutex
	videos  map[string]*data.Video
	used    int64
	nextErr error

	created []*data.Video
	updated []*data.Video
	deleted []string
	viewed  chan string

	listOut   []*data.Video
	listTotal int
	listTaken data.VideoFilter
	listOrg   string
}

func newFakeVideoStore(videos ...*data.Video) *fakeVideoStore {
	s := &fakeVideoStore{
		videos: make(map[string]*data.Video),
		viewed: make(chan string, 16),
	}
	for _, v := range videos {
		s.videos[v.ID] = v
	}
	return s
}

func (s *fakeVideoStore) takeErr() error {
	err := s.nextErr
	s.nextErr = nil
	return err
}

func (s *fakeVideoStore) Create(ctx context.Context, v *data.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeErr(); err != nil {
		return err
	}
	if v.ID == "" {
		v.ID = "vid-" + time.Now().Format("150405.000000000")
	}
	v.CreatedAt = time.Now()
	v.UpdatedAt = v.CreatedAt
	s.videos[v.ID] = v
	s.created = append(s.created, v)
	return nil
}

func (s *fakeVideoStore) GetByID(ctx context.Context, id string) (*data.Video, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.videos[id]
	if !ok {
		return nil, data.ErrVideoNotFound
	}
	return v, nil
}

func (s *fakeVideoStore) List(ctx context.Context, tenantID string, f data.VideoFilter) ([]*data.Video, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listOrg = tenantID
	s.listTaken = f
	return s.listOut, s.listTotal, nil
}

func (s *fakeVideoStore) UpdateInfo(ctx context.Context, v *data.Video) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.videos[v.ID]; !ok {
		return data.ErrVideoNotFound
	}
	s.videos[v.ID] = v
	s.updated = append(s.updated, v)
	return nil
}

func (s *fakeVideoStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.videos[id]; !ok {
		return data.ErrVideoNotFound
	}
	delete(s.videos, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *fakeVideoStore) StorageUsed(ctx context.Context, tenantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used, nil
}

func (s *fakeVideoStore) IncrementViewCount(ctx context.Context, id string) error {
	select {
	case s.viewed <- id:
	default:
	}
	return nil
}

// waitForView blocks until the asynchronous view-count write lands.
func (s *fakeVideoStore) waitForView(t *testing.T) string {
	t.Helper()
	select {
	case id := <-s.viewed:
		return id
	case <-time.After(2 * time.Second):
		t.Fatal("view count increment never happened")
		return ""
	}
}

type fakeEnqueuer struct {
	mu      sync.Mutex
	err     error
	payload []byte
	opts    queue.Options
	calls   int
}

func (q *fakeEnqueuer) Enqueue(ctx context.Context, payload []byte, opts queue.Options) (*queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.err != nil {
		return nil, q.err
	}
	q.payload = payload
	q.opts = opts
	return &queue.Job{ID: "job-1", Payload: payload, State: queue.StateWaiting}, nil
}

type fakeOrgDirectory struct {
	org *data.Organization
	err error
}

func (d *fakeOrgDirectory) GetByID(ctx context.Context, id string) (*data.Organization, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.org, nil
}

type fakeThrottle struct {
	mu       sync.Mutex
	locked   bool
	failures []string
	cleared  []string
}

func (f *fakeThrottle) CheckLockout(ctx context.Context, email string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.locked, nil
}

func (f *fakeThrottle) RecordFailedAttempt(ctx context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, email)
	return nil
}

func (f *fakeThrottle) ClearFailedAttempts(ctx context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, email)
	return nil
}

type fakeRevoker struct {
	mu     sync.Mutex
	err    error
	jtis   []string
	tenant string
}

func (f *fakeRevoker) AddToBlacklist(ctx context.Context, tenantID, jti string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.tenant = tenantID
	f.jtis = append(f.jtis, jti)
	return nil
}
