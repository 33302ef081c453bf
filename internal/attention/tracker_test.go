package attention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"proctorcall/internal/domain"
	"proctorcall/internal/ports"
)

func TestTrackerStartStopReleasesFeedOnce(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed()
	surface := &fakeSurface{}
	tracker := NewTracker(&fakeSource{feed: feed}, surface, NewMonitor(NewHeadPoseEstimator(), MonitorConfig{}, nil), 5*time.Millisecond, nil, nil)

	tracker.Start(context.Background(), nil)
	tracker.Start(context.Background(), nil)
	eventually(t, "feed attached", func() bool { return surface.attachedFeed() == "fake-feed" })

	tracker.Stop()
	tracker.Stop()

	if feed.closeCount() != 1 {
		t.Fatalf("expected feed closed once, got %d", feed.closeCount())
	}
	if surface.detachCount() != 1 {
		t.Fatalf("expected one detach, got %d", surface.detachCount())
	}
}

func TestTrackerStopBeforeStart(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(&fakeSource{feed: newFakeFeed()}, nil, NewMonitor(NewHeadPoseEstimator(), MonitorConfig{}, nil), 0, nil, nil)
	tracker.Stop()
}

func TestTrackerSourceFailureFailsOpen(t *testing.T) {
	t.Parallel()

	monitor := NewMonitor(NewHeadPoseEstimator(), MonitorConfig{}, nil)
	tracker := NewTracker(&fakeSource{err: errors.New("no camera")}, nil, monitor, 0, nil, nil)

	failures := make(chan error, 1)
	tracker.Start(context.Background(), func(err error) { failures <- err })
	select {
	case err := <-failures:
		if err == nil {
			t.Fatalf("expected source error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("source failure was not reported")
	}
	if monitor.State() != domain.AttentionSafe {
		t.Fatalf("expected monitor to stay safe, got %s", monitor.State())
	}
	tracker.Stop()
}

func TestTrackerStartDoesNotWaitForSource(t *testing.T) {
	t.Parallel()

	source := &blockingSource{opening: make(chan struct{})}
	monitor := NewMonitor(NewCalibratedGazeEstimator(0), MonitorConfig{}, nil)
	tracker := NewTracker(source, nil, monitor, 0, nil, nil)

	failed := false
	tracker.Start(context.Background(), func(error) { failed = true })
	if monitor.State() != domain.AttentionCalibrating {
		t.Fatalf("expected calibrating while the source opens, got %s", monitor.State())
	}
	<-source.opening

	stopped := make(chan struct{})
	go func() {
		tracker.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("stop waited for the source to finish opening")
	}
	if failed {
		t.Fatalf("a cancelled open must not be reported as a failure")
	}
}

func TestTrackerSlowInferenceDoesNotStallTimer(t *testing.T) {
	t.Parallel()

	feed := newFakeFeed()
	feed.first = &ports.Observation{Present: false}
	rec := &recorder{}
	monitor := NewMonitor(NewHeadPoseEstimator(), MonitorConfig{AwayThreshold: 30 * time.Millisecond}, nil)
	tracker := NewTracker(&fakeSource{feed: feed}, nil, monitor, 5*time.Millisecond, nil, nil)
	tracker.SetHandlers(rec.onState, rec.onViolation)

	tracker.Start(context.Background(), nil)
	tracker.Activate()
	defer tracker.Stop()

	eventually(t, "violation while inference is blocked", func() bool { return rec.violationCount() > 0 })
	if feed.detectCount() < 1 {
		t.Fatalf("expected at least one detection")
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type fakeSource struct {
	feed *fakeFeed
	err  error
}

func (f *fakeSource) Open(_ context.Context) (ports.AttentionFeed, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.feed, nil
}

// blockingSource never finishes opening until cancelled.
type blockingSource struct {
	opening chan struct{}
}

func (b *blockingSource) Open(ctx context.Context) (ports.AttentionFeed, error) {
	close(b.opening)
	<-ctx.Done()
	return nil, ctx.Err()
}

// fakeFeed returns first once (when set) and then blocks until cancelled.
type fakeFeed struct {
	mu      sync.Mutex
	first   *ports.Observation
	detects int
	closes  int
}

func newFakeFeed() *fakeFeed { return &fakeFeed{} }

func (f *fakeFeed) ID() string { return "fake-feed" }

func (f *fakeFeed) Detect(ctx context.Context) (ports.Observation, error) {
	f.mu.Lock()
	f.detects++
	first := f.first
	f.first = nil
	f.mu.Unlock()

	if first != nil {
		return *first, nil
	}
	<-ctx.Done()
	return ports.Observation{}, ctx.Err()
}

func (f *fakeFeed) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeFeed) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

func (f *fakeFeed) detectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detects
}

type fakeSurface struct {
	mu       sync.Mutex
	attached string
	detaches int
}

func (f *fakeSurface) AttachAttentionFeed(feedID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = feedID
	return nil
}

func (f *fakeSurface) DetachAttentionFeed() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detaches++
}

func (f *fakeSurface) attachedFeed() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attached
}

func (f *fakeSurface) detachCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detaches
}
