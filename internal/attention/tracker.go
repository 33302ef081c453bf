package attention

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"proctorcall/internal/domain"
	"proctorcall/internal/logging"
	"proctorcall/internal/metrics"
	"proctorcall/internal/ports"
)

// Tracker runs the fixed-cadence sampling loop feeding a Monitor.
type Tracker struct {
	source   ports.AttentionSource
	surface  ports.VideoSurface
	monitor  *Monitor
	interval time.Duration
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu  sync.Mutex
	run *trackerRun
}

// trackerRun is one Start. feed is set by the open goroutine and read only
// after done is closed.
type trackerRun struct {
	cancel  context.CancelFunc
	feed    ports.AttentionFeed
	done    chan struct{}
	detects sync.WaitGroup
}

func NewTracker(
	source ports.AttentionSource,
	surface ports.VideoSurface,
	monitor *Monitor,
	interval time.Duration,
	logger *zap.SugaredLogger,
	m *metrics.Metrics,
) *Tracker {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Tracker{
		source:   source,
		surface:  surface,
		monitor:  monitor,
		interval: interval,
		logger:   logging.OrNop(logger),
		metrics:  m,
		now:      time.Now,
	}
}

// SetHandlers forwards monitor callbacks.
func (t *Tracker) SetHandlers(onState func(domain.AttentionState), onViolation func(time.Time)) {
	t.monitor.SetHandlers(onState, onViolation)
}

// Start resets the monitor and opens the source in the background, so device
// startup never holds up the caller. Sampling begins once the source is
// ready. When it cannot be opened, failed receives the cause and the monitor
// is left without input. Start while running is a no-op.
func (t *Tracker) Start(ctx context.Context, failed func(error)) {
	t.mu.Lock()
	if t.run != nil {
		t.mu.Unlock()
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	run := &trackerRun{cancel: cancel, done: make(chan struct{})}
	t.run = run
	t.mu.Unlock()

	t.monitor.Begin()
	go t.open(runCtx, run, failed)
}

func (t *Tracker) open(ctx context.Context, run *trackerRun, failed func(error)) {
	defer close(run.done)

	feed, err := t.source.Open(ctx)
	if ctx.Err() != nil {
		if feed != nil {
			_ = feed.Close()
		}
		return
	}
	if err != nil {
		t.metrics.RecordAttentionSourceFailure()
		t.logger.Warnw("attention source unavailable; proctoring disabled", "error", err)
		if failed != nil {
			failed(fmt.Errorf("failed to open attention source: %w", err))
		}
		return
	}

	run.feed = feed
	if t.surface != nil {
		if err := t.surface.AttachAttentionFeed(feed.ID()); err != nil {
			t.logger.Warnw("failed to attach attention feed to video surface", "feed", feed.ID(), "error", err)
		}
	}
	t.logger.Infow("attention tracking started", "feed", feed.ID(), "estimator", t.monitor.Estimator().Name())
	t.loop(ctx, run)
}

// Stop cancels sampling, including a source that is still opening, and
// releases the feed. Safe to call repeatedly.
func (t *Tracker) Stop() {
	t.mu.Lock()
	run := t.run
	t.run = nil
	t.mu.Unlock()

	t.monitor.SetEnforcing(false)
	if run == nil {
		return
	}

	run.cancel()
	<-run.done
	run.detects.Wait()

	if run.feed == nil {
		return
	}
	if err := run.feed.Close(); err != nil {
		t.logger.Warnw("failed to close attention feed", "error", err)
	}
	if t.surface != nil {
		t.surface.DetachAttentionFeed()
	}
}

// Activate makes sustained away time actionable.
func (t *Tracker) Activate() {
	t.monitor.SetEnforcing(true)
}

func (t *Tracker) State() domain.AttentionState {
	return t.monitor.State()
}

func (t *Tracker) NeedsCalibration() bool {
	return t.monitor.Estimator().NeedsCalibration()
}

// CalibrationTargets returns the click-through targets, or nil when the
// estimator needs no calibration.
func (t *Tracker) CalibrationTargets() []domain.Point {
	if !t.NeedsCalibration() {
		return nil
	}
	return CalibrationTargets(t.monitor.Viewport(), DefaultCalibrationPoints)
}

func (t *Tracker) RecordCalibrationClick(target domain.Point) (int, error) {
	return t.monitor.RecordCalibrationClick(target)
}

func (t *Tracker) SkipCalibration() {
	t.monitor.SkipCalibration()
}

func (t *Tracker) loop(ctx context.Context, run *trackerRun) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var inflight atomic.Bool
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if !inflight.CompareAndSwap(false, true) {
			t.monitor.Advance(t.now())
			continue
		}

		run.detects.Add(1)
		go func() {
			defer run.detects.Done()
			defer inflight.Store(false)

			obs, err := run.feed.Detect(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				t.logger.Debugw("attention detection failed", "error", err)
				t.monitor.Advance(t.now())
				return
			}
			if obs.Timestamp.IsZero() {
				obs.Timestamp = t.now()
			}
			t.monitor.Observe(obs)
		}()
	}
}
