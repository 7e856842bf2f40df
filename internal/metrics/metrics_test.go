package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if crawlerTasksTotal == nil || crawlerLockAttemptsTotal == nil ||
		crawlerCycleDurationSeconds == nil || httpRequestsTotal == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	ObserveTask("done")
	ObserveTask("done")
	ObserveLock("denied")
	ObserveJoin("ok")
	ObserveBan()
	ObserveRecordsEmitted("memory", 3)
	ObserveRecordsEmitted("memory", 0)
	ObserveNotification("banned", "dropped")
	ObserveRateLimitWait(30 * time.Second)
	ObserveCycle("normal", time.Second)
	ObservePacingDelay("join", 3*time.Second)

	if val := testutil.ToFloat64(crawlerTasksTotal.WithLabelValues("done")); val != 2 {
		t.Errorf("expected 2 done tasks, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerLockAttemptsTotal.WithLabelValues("denied")); val != 1 {
		t.Errorf("expected 1 denied lock, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerRecordsEmittedTotal.WithLabelValues("memory")); val != 3 {
		t.Errorf("expected 3 records, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerNotificationsTotal.WithLabelValues("banned", "dropped")); val != 1 {
		t.Errorf("expected 1 dropped notification, got %f", val)
	}
	if val := testutil.CollectAndCount(crawlerRateLimitWaitSeconds); val != 1 {
		t.Errorf("expected rate limit histogram to be collected, got %d", val)
	}
	if val := testutil.CollectAndCount(crawlerPacingDelaySeconds); val != 1 {
		t.Errorf("expected one pacing series, got %d", val)
	}
}

func TestGauges(t *testing.T) {
	SetActiveIdentities(2)
	SetFallback(true)
	if val := testutil.ToFloat64(crawlerActiveIdentities); val != 2 {
		t.Errorf("expected 2 active identities, got %f", val)
	}
	if val := testutil.ToFloat64(crawlerFallbackTier); val != 1 {
		t.Errorf("expected fallback gauge 1, got %f", val)
	}
	SetFallback(false)
	if val := testutil.ToFloat64(crawlerFallbackTier); val != 0 {
		t.Errorf("expected fallback gauge 0, got %f", val)
	}
}

func TestHandlerServesCollectors(t *testing.T) {
	ObserveBan()
	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "crawler_identity_bans_total") {
		t.Fatal("expected crawler_identity_bans_total in exposition")
	}
}
