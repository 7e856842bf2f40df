package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/channel-crawler/internal/clock/manual"
	"github.com/JakeFAU/channel-crawler/internal/crawler"
	"github.com/JakeFAU/channel-crawler/internal/identity"
	"github.com/JakeFAU/channel-crawler/internal/lock"
	remotememory "github.com/JakeFAU/channel-crawler/internal/remote/memory"
	"github.com/JakeFAU/channel-crawler/internal/scheduler"
	"github.com/JakeFAU/channel-crawler/internal/storage/memory"
)

type fakeScheduler struct {
	mu       sync.Mutex
	targets  []string
	tier     crawler.Tier
	triggers int
	report   *scheduler.CycleReport
}

func (f *fakeScheduler) Targets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.targets...)
}

func (f *fakeScheduler) Tier() crawler.Tier {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tier
}

func (f *fakeScheduler) Trigger() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
}

func (f *fakeScheduler) LastReport() (scheduler.CycleReport, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.report == nil {
		return scheduler.CycleReport{}, false
	}
	return *f.report, true
}

type apiFixture struct {
	store  *memory.Store
	pool   *identity.Pool
	locks  *lock.Manager
	sched  *fakeScheduler
	clock  *manual.Clock
	server *Server
}

func newFixture(t *testing.T, apiKey string) *apiFixture {
	t.Helper()
	ctx := context.Background()
	clk := manual.New(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC))
	st := memory.NewStore()
	pool, err := identity.NewPool(st, remotememory.NewPlatform(), nil, clk, identity.Config{AuthAttempts: 1}, nil)
	require.NoError(t, err)
	require.NoError(t, pool.Sync(ctx, []identity.Spec{
		{ID: "alpha", Source: identity.StaticSource("a")},
		{ID: "beta", Source: identity.StaticSource("b")},
	}))
	locks, err := lock.NewManager(lock.NewStoreBackend(st), clk, time.Hour, nil)
	require.NoError(t, err)
	sched := &fakeScheduler{targets: []string{"news", "sports", "weather"}, tier: crawler.TierNormal}
	server := NewServer(Deps{
		Identities:  pool,
		Locks:       locks,
		Scheduler:   sched,
		Memberships: st,
		Clock:       clk,
	}, apiKey, nil)
	return &apiFixture{store: st, pool: pool, locks: locks, sched: sched, clock: clk, server: server}
}

func (f *apiFixture) do(t *testing.T, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHealthAndReady(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	rec := f.do(t, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "normal", decode[map[string]string](t, rec)["tier"])
}

func TestReadyReportsDownstreamFailure(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	f.server = NewServer(Deps{
		Identities:  f.pool,
		Locks:       f.locks,
		Scheduler:   f.sched,
		Memberships: f.store,
		Ready:       func(context.Context) error { return errors.New("store down") },
	}, "", nil)

	rec := f.do(t, http.MethodGet, "/readyz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store down")
}

func TestMetricsEndpoint(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "secret")
	f.do(t, http.MethodGet, "/healthz")
	rec := f.do(t, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestListIdentities(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	require.NoError(t, f.pool.MarkBanned(context.Background(), identity.Identity{ID: "beta"}, "USER_DEACTIVATED"))

	rec := f.do(t, http.MethodGet, "/v1/identities")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Identities []identityView `json:"identities"`
	}](t, rec)
	require.Len(t, body.Identities, 2)
	assert.Equal(t, "alpha", body.Identities[0].ID)
	assert.Equal(t, "available", body.Identities[0].Status)
	assert.Equal(t, "banned", body.Identities[1].Status)
	assert.Equal(t, "USER_DEACTIVATED", body.Identities[1].Reason)
}

func TestReinstateIdentity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/v1/identities/alpha/reinstate")
	require.Equal(t, http.StatusConflict, rec.Code)

	require.NoError(t, f.pool.MarkBanned(ctx, identity.Identity{ID: "alpha"}, "banned"))
	rec = f.do(t, http.MethodPost, "/v1/identities/alpha/reinstate")
	require.Equal(t, http.StatusOK, rec.Code)

	got, err := f.store.GetIdentity(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, crawler.StatusAvailable, got.Status)

	rec = f.do(t, http.MethodPost, "/v1/identities/ghost/reinstate")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRemoveIdentity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	ctx := context.Background()
	require.NoError(t, f.store.CreateMembership(ctx, "beta", "news", f.clock.Now()))

	rec := f.do(t, http.MethodDelete, "/v1/identities/beta")
	require.Equal(t, http.StatusOK, rec.Code)

	records, err := f.pool.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	joined, err := f.store.JoinedChannels(ctx)
	require.NoError(t, err)
	assert.Empty(t, joined)
}

func TestLocksListAndRelease(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	ctx := context.Background()
	ok, err := f.locks.TryLock(ctx, "news", "alpha", 0)
	require.NoError(t, err)
	require.True(t, ok)
	f.clock.Advance(30 * time.Minute)
	ok, err = f.locks.TryLock(ctx, "sports", "beta", 0)
	require.NoError(t, err)
	require.True(t, ok)
	f.clock.Advance(45 * time.Minute)

	rec := f.do(t, http.MethodGet, "/v1/locks")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[struct {
		Locks []lockView `json:"locks"`
	}](t, rec)
	require.Len(t, body.Locks, 2)
	assert.Equal(t, "news", body.Locks[0].ChannelID)
	assert.False(t, body.Locks[0].Live)
	assert.Equal(t, "beta", body.Locks[1].HolderID)
	assert.True(t, body.Locks[1].Live)

	rec = f.do(t, http.MethodDelete, "/v1/locks/sports")
	require.Equal(t, http.StatusOK, rec.Code)
	locked, err := f.locks.IsLocked(ctx, "sports", 0)
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestMissingChannels(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	require.NoError(t, f.store.CreateMembership(context.Background(), "alpha", "sports", f.clock.Now()))

	rec := f.do(t, http.MethodGet, "/v1/channels/missing")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string][]string](t, rec)
	assert.Equal(t, []string{"news", "weather"}, body["missing"])
}

func TestTriggerAndLastCycle(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "")
	rec := f.do(t, http.MethodGet, "/v1/cycles/last")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/cycles")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 1, f.sched.triggers)

	f.sched.mu.Lock()
	f.sched.report = &scheduler.CycleReport{
		ID:       "cycle-1",
		Tier:     crawler.TierFallback,
		Selected: []string{"news"},
		Outcomes: map[string]crawler.TaskState{"news": crawler.TaskDone},
	}
	f.sched.mu.Unlock()

	rec = f.do(t, http.MethodGet, "/v1/cycles/last")
	require.Equal(t, http.StatusOK, rec.Code)
	report := decode[scheduler.CycleReport](t, rec)
	assert.Equal(t, "cycle-1", report.ID)
	assert.Equal(t, crawler.TaskDone, report.Outcomes["news"])
}

func TestAPIKeyGuardsV1Routes(t *testing.T) {
	t.Parallel()

	f := newFixture(t, "secret")

	rec := f.do(t, http.MethodGet, "/v1/identities")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/identities", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/cycles", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = f.do(t, http.MethodGet, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRequestIDPropagates(t *testing.T) {
	t.Parallel()

	var seen string
	handler := requestIDMiddleware(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "req-42")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", seen)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
}
