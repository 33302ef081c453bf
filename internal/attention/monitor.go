package attention

import (
	"errors"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"proctorcall/internal/domain"
	"proctorcall/internal/logging"
	"proctorcall/internal/ports"
)

var ErrNotCalibrating = errors.New("attention monitor is not calibrating")

// MonitorConfig holds classification thresholds.
type MonitorConfig struct {
	Viewport      domain.Viewport
	Margin        float64
	MaxYaw        float64
	MaxPitch      float64
	AwayThreshold time.Duration
}

func (c MonitorConfig) withDefaults() MonitorConfig {
	if c.Viewport.Width <= 0 || c.Viewport.Height <= 0 {
		c.Viewport = domain.Viewport{Width: 1280, Height: 720}
	}
	if c.Margin <= 0 {
		c.Margin = 100
	}
	if c.MaxYaw <= 0 {
		c.MaxYaw = 25
	}
	if c.MaxPitch <= 0 {
		c.MaxPitch = 20
	}
	if c.AwayThreshold <= 0 {
		c.AwayThreshold = 2 * time.Second
	}
	return c
}

// Monitor classifies attention samples and raises violations after sustained
// disengagement. Callbacks run outside the monitor lock.
type Monitor struct {
	estimator Estimator
	cfg       MonitorConfig
	logger    *zap.SugaredLogger

	mu          sync.Mutex
	state       domain.AttentionState
	enforcing   bool
	awayActive  bool
	awaySince   time.Time
	rebase      bool
	lastObs     *ports.Observation
	onState     func(domain.AttentionState)
	onViolation func(time.Time)
}

func NewMonitor(estimator Estimator, cfg MonitorConfig, logger *zap.SugaredLogger) *Monitor {
	return &Monitor{
		estimator: estimator,
		cfg:       cfg.withDefaults(),
		logger:    logging.OrNop(logger),
		state:     domain.AttentionCalibrating,
	}
}

// SetHandlers installs the state-change and violation callbacks.
func (m *Monitor) SetHandlers(onState func(domain.AttentionState), onViolation func(time.Time)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onState = onState
	m.onViolation = onViolation
}

// Begin resets the monitor and its estimator, entering calibration when the
// estimator requires it.
func (m *Monitor) Begin() {
	m.estimator.Reset()
	next := domain.AttentionSafe
	if m.estimator.NeedsCalibration() {
		next = domain.AttentionCalibrating
	}

	m.mu.Lock()
	m.awayActive = false
	m.enforcing = false
	m.lastObs = nil
	notify := m.setStateLocked(next)
	m.mu.Unlock()
	notify()
}

// SetEnforcing controls whether sustained away time produces violations.
func (m *Monitor) SetEnforcing(enforcing bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enforcing && !m.enforcing {
		m.rebase = true
	}
	m.enforcing = enforcing
}

// State returns the current display state.
func (m *Monitor) State() domain.AttentionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Estimator returns the active strategy.
func (m *Monitor) Estimator() Estimator {
	return m.estimator
}

// Viewport returns the configured interview surface.
func (m *Monitor) Viewport() domain.Viewport {
	return m.cfg.Viewport
}

// RecordCalibrationClick pairs target with the latest observation. It returns
// the number of points still required.
func (m *Monitor) RecordCalibrationClick(target domain.Point) (int, error) {
	m.mu.Lock()
	if m.state != domain.AttentionCalibrating {
		m.mu.Unlock()
		return 0, ErrNotCalibrating
	}
	if m.lastObs == nil {
		m.mu.Unlock()
		return 0, ErrNoObservation
	}
	obs := *m.lastObs
	m.mu.Unlock()

	remaining, err := m.estimator.AddCalibrationPoint(target, obs)
	if err != nil {
		return remaining, err
	}
	if remaining == 0 {
		m.finishCalibration("complete")
	}
	return remaining, nil
}

// SkipCalibration leaves calibration with whatever correction has been learned.
func (m *Monitor) SkipCalibration() {
	m.finishCalibration("skipped")
}

func (m *Monitor) finishCalibration(how string) {
	m.mu.Lock()
	if m.state != domain.AttentionCalibrating {
		m.mu.Unlock()
		return
	}
	notify := m.setStateLocked(domain.AttentionSafe)
	m.mu.Unlock()

	m.logger.Infow("attention calibration finished", "result", how, "estimator", m.estimator.Name())
	notify()
}

// Observe classifies one observation. It must stay O(1).
func (m *Monitor) Observe(obs ports.Observation) {
	m.mu.Lock()
	copied := obs
	m.lastObs = &copied
	if m.state == domain.AttentionCalibrating {
		m.mu.Unlock()
		return
	}

	sample := m.estimator.Estimate(obs)
	var notify func()
	if m.isAway(sample) {
		if !m.awayActive {
			m.awayActive = true
			m.awaySince = sample.Timestamp
		}
		notify = chain(m.setStateLocked(domain.AttentionWarning), m.checkAwayLocked(sample.Timestamp))
	} else {
		m.awayActive = false
		notify = m.setStateLocked(domain.AttentionSafe)
	}
	m.mu.Unlock()
	notify()
}

// Advance evaluates the away timer without a new sample.
func (m *Monitor) Advance(now time.Time) {
	m.mu.Lock()
	if m.state == domain.AttentionCalibrating || !m.awayActive {
		m.mu.Unlock()
		return
	}
	notify := m.checkAwayLocked(now)
	m.mu.Unlock()
	notify()
}

func (m *Monitor) checkAwayLocked(now time.Time) func() {
	if !m.awayActive || !m.enforcing {
		return noop
	}
	if m.rebase {
		// Away time accrued before enforcement began does not count.
		m.rebase = false
		m.awaySince = now
		return noop
	}
	if now.Sub(m.awaySince) < m.cfg.AwayThreshold {
		return noop
	}
	m.awaySince = now
	callback := m.onViolation
	m.logger.Debugw("attention violation", "at", now)
	if callback == nil {
		return noop
	}
	return func() { callback(now) }
}

func (m *Monitor) setStateLocked(next domain.AttentionState) func() {
	if m.state == next {
		return noop
	}
	m.state = next
	callback := m.onState
	if callback == nil {
		return noop
	}
	return func() { callback(next) }
}

func (m *Monitor) isAway(sample domain.AttentionSample) bool {
	if !sample.Present {
		return true
	}
	if p := sample.Point; p != nil {
		margin := m.cfg.Margin
		if p.X < -margin || p.Y < -margin || p.X > m.cfg.Viewport.Width+margin || p.Y > m.cfg.Viewport.Height+margin {
			return true
		}
	}
	if pose := sample.Pose; pose != nil {
		if math.Abs(pose.Yaw) > m.cfg.MaxYaw || math.Abs(pose.Pitch) > m.cfg.MaxPitch {
			return true
		}
	}
	return false
}

func noop() {}

func chain(fns ...func()) func() {
	return func() {
		for _, fn := range fns {
			fn()
		}
	}
}
