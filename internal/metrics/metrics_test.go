package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsNoop(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.SessionStarted()
	m.SessionFinished("manual_end", time.Second)
	m.RecordViolation()
	m.RecordEntry("candidate")
	m.RecordConnectionFailure("handshake")
	m.RecordAnomaly("unknown_event")
	m.RecordPersistence("save", "ok")
	m.RecordAttentionSourceFailure()
}

func TestSessionCounters(t *testing.T) {
	t.Parallel()

	m := New("test")
	m.SessionStarted()
	m.RecordViolation()
	m.RecordViolation()
	m.SessionFinished("gaze_aversion", 90*time.Second)

	if got := testutil.ToFloat64(m.ViolationsTotal); got != 2 {
		t.Fatalf("unexpected violations: %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsActive); got != 0 {
		t.Fatalf("expected no active sessions, got %v", got)
	}
	if got := testutil.ToFloat64(m.SessionsTotal.WithLabelValues("gaze_aversion")); got != 1 {
		t.Fatalf("unexpected session total: %v", got)
	}
}

func TestHandlerExposesRegistry(t *testing.T) {
	t.Parallel()

	m := New("")
	m.RecordEntry("interviewer")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `proctorcall_transcript_entries_total{role="interviewer"} 1`) {
		t.Fatalf("metric missing from output:\n%s", rec.Body.String())
	}
}
