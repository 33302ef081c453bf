package bootstrap

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"proctorcall/internal/config"
	"proctorcall/internal/domain"
	"proctorcall/internal/providers/awsstore"
	"proctorcall/internal/providers/localstore"
)

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("PROCTOR_CONFIG", "")
	t.Setenv("PROCTOR_PLAYBACK", "off")
	t.Setenv("PROCTOR_METRICS_ADDR", "")
	t.Setenv("TRANSCRIPT_BUCKET_NAME", "")
	t.Setenv("PERSONA_TABLE_NAME", "")
	t.Setenv("PROCTOR_REDACTION_FILE", "")

	wd, _ := os.Getwd()
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("chdir failed: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return home
}

func TestBuildSuccess(t *testing.T) {
	isolate(t)
	t.Setenv("OPENAI_API_KEY", "sk-test")

	services, err := Build(noopEventSink{}, nil, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer services.Close()

	if services.Coordinator == nil || services.Metrics == nil {
		t.Fatalf("expected coordinator and metrics")
	}
	status := services.Coordinator.Status()
	if status.ViolationLimit != 5 || status.Total != 15*time.Minute {
		t.Fatalf("unexpected status: %+v", status)
	}
	if services.MetricsAddr != "" {
		t.Fatalf("metrics server should be off by default")
	}
}

func TestBuildServesMetrics(t *testing.T) {
	isolate(t)
	t.Setenv("PROCTOR_METRICS_ADDR", "127.0.0.1:0")

	services, err := Build(noopEventSink{}, nil, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	defer services.Close()

	resp, err := http.Get("http://" + services.MetricsAddr + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(body), "proctorcall_") {
		t.Fatalf("unexpected metrics response: %d %s", resp.StatusCode, body)
	}
}

func TestBuildFailsOnInvalidRedactionRules(t *testing.T) {
	home := isolate(t)
	rules := filepath.Join(home, "bad.rules")
	if err := os.WriteFile(rules, []byte("not a valid rule\n"), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	t.Setenv("PROCTOR_REDACTION_FILE", rules)

	if _, err := Build(noopEventSink{}, nil, zap.NewNop().Sugar()); err == nil {
		t.Fatalf("expected build error due to invalid rules")
	}
}

func TestNewPersistenceFallsBackToLocalStore(t *testing.T) {
	t.Parallel()

	store, results, err := newPersistence(config.StorageConfig{TranscriptDir: t.TempDir()}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*localstore.TranscriptStore); !ok {
		t.Fatalf("expected local store, got %T", store)
	}
	if results != nil {
		t.Fatalf("results need a table")
	}

	store, _, _ = newPersistence(config.StorageConfig{}, zap.NewNop().Sugar())
	if store != nil {
		t.Fatalf("expected no store without a directory, got %T", store)
	}
}

func TestNewPersistenceUsesAWSWhenConfigured(t *testing.T) {
	isolate(t)
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")

	store, results, err := newPersistence(config.StorageConfig{
		Region:        "us-east-1",
		Bucket:        "interviews",
		Table:         "personas",
		TranscriptDir: t.TempDir(),
	}, zap.NewNop().Sugar())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := store.(*awsstore.TranscriptStore); !ok {
		t.Fatalf("expected s3 store, got %T", store)
	}
	if _, ok := results.(*awsstore.InsightsSource); !ok {
		t.Fatalf("expected dynamodb insights, got %T", results)
	}
}

func TestEstimatorAndCaptureSelection(t *testing.T) {
	t.Parallel()

	if newEstimator(config.EstimatorHeadPose).NeedsCalibration() {
		t.Fatalf("head pose estimator should not need calibration")
	}
	if !newEstimator(config.EstimatorGaze).NeedsCalibration() {
		t.Fatalf("gaze estimator should need calibration")
	}
	if got := newCapture(config.AudioConfig{Backend: config.AudioBackendMalgo}, nil); got == nil {
		t.Fatalf("expected capture")
	}
}

func TestZeroServicesCloseIsSafe(t *testing.T) {
	t.Parallel()
	Services{}.Close()
}

type noopEventSink struct{}

func (noopEventSink) SessionPhaseChanged(domain.SessionPhase, domain.EndCause) {}
func (noopEventSink) AttentionChanged(domain.AttentionState)                   {}
func (noopEventSink) ViolationRecorded(int, int)                               {}
func (noopEventSink) ClockTicked(time.Duration, domain.Stage)                  {}
func (noopEventSink) SessionPaused(bool)                                       {}
func (noopEventSink) ConnectionChanged(domain.ConnectionState)                 {}
func (noopEventSink) ActivityChanged(domain.Activity)                          {}
func (noopEventSink) TranscriptAppended(domain.TranscriptEntry)                {}
func (noopEventSink) InterviewerTyping(string)                                 {}
func (noopEventSink) SessionCompleted(domain.Outcome)                          {}
func (noopEventSink) SessionError(domain.ErrorCode, string)                    {}
