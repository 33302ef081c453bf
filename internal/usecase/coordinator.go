package usecase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"proctorcall/internal/domain"
	"proctorcall/internal/logging"
	"proctorcall/internal/metrics"
	"proctorcall/internal/ports"
	"proctorcall/internal/realtime"
)

var (
	ErrInvalidPhase = errors.New("operation not allowed in the current session phase")
	ErrClosed       = errors.New("session coordinator is closed")
)

// conversation is the part of realtime.Channel the coordinator drives.
type conversation interface {
	SetListener(listener realtime.Listener)
	Start(ctx context.Context) error
	Stop()
	Reset()
	SetMicrophoneEnabled(enabled bool)
	SendOpening(text string) error
	Entries() []domain.TranscriptEntry
	FreezeTranscript() bool
	State() domain.ConnectionState
	Activity() domain.Activity
}

// attentionTracker is the part of attention.Tracker the coordinator drives.
type attentionTracker interface {
	SetHandlers(onState func(domain.AttentionState), onViolation func(time.Time))
	Start(ctx context.Context, failed func(error))
	Stop()
	Activate()
	State() domain.AttentionState
	NeedsCalibration() bool
	CalibrationTargets() []domain.Point
	RecordCalibrationClick(target domain.Point) (int, error)
	SkipCalibration()
}

// Config controls interview timing and hand-off behavior.
type Config struct {
	Budget          time.Duration
	TickInterval    time.Duration
	ViolationLimit  int
	SettleDelay     time.Duration
	OpeningMessage  string
	ResultsAttempts int
	ResultsInterval time.Duration
	Model           string
}

func (c Config) withDefaults() Config {
	if c.Budget <= 0 {
		c.Budget = 15 * time.Minute
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.ViolationLimit <= 0 {
		c.ViolationLimit = 5
	}
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.OpeningMessage == "" {
		c.OpeningMessage = "Hello, I'm ready to begin the interview."
	}
	if c.ResultsAttempts < 0 {
		c.ResultsAttempts = 0
	}
	if c.ResultsInterval <= 0 {
		c.ResultsInterval = 3 * time.Second
	}
	return c
}

// SessionCoordinator arbitrates the clock, attention violations and the
// conversation channel into one session outcome. All session state is
// mutated on a single event loop.
type SessionCoordinator struct {
	channel   conversation
	tracker   attentionTracker
	events    ports.EventSink
	finalizer transcriptFinalizer
	logger    *zap.SugaredLogger
	metrics   *metrics.Metrics
	cfg       Config
	newTicker TickerFactory
	now       func() time.Time

	loop       *eventLoop
	live       atomic.Pointer[interviewSession]
	background sync.WaitGroup
	closeOnce  sync.Once

	// Loop-owned.
	baseCtx  context.Context
	current  *interviewSession
	prepared bool
	closed   bool
}

func NewSessionCoordinator(
	channel conversation,
	tracker attentionTracker,
	store ports.TranscriptStore,
	results ports.ResultsSource,
	redactor ports.TextRedactor,
	events ports.EventSink,
	logger *zap.SugaredLogger,
	m *metrics.Metrics,
	cfg Config,
) *SessionCoordinator {
	cfg = cfg.withDefaults()
	logger = logging.OrNop(logger)

	c := &SessionCoordinator{
		channel: channel,
		tracker: tracker,
		events:  events,
		finalizer: transcriptFinalizer{
			store:    store,
			results:  results,
			redactor: redactor,
			events:   events,
			logger:   logger,
			metrics:  m,
			attempts: cfg.ResultsAttempts,
			interval: cfg.ResultsInterval,
		},
		logger:    logger,
		metrics:   m,
		cfg:       cfg,
		newTicker: newRealTicker,
		now:       time.Now,
		loop:      newEventLoop(),
		baseCtx:   context.Background(),
	}
	c.current = c.newSession()
	c.live.Store(c.current)

	channel.SetListener(channelEvents{c: c})
	tracker.SetHandlers(c.onAttentionState, c.onViolation)
	return c
}

func (c *SessionCoordinator) newSession() *interviewSession {
	ctx, cancel := context.WithCancel(c.baseCtx)
	return &interviewSession{
		id:         uuid.NewString(),
		ctx:        ctx,
		cancel:     cancel,
		phase:      domain.SessionPhaseCalibrating,
		remaining:  c.cfg.Budget,
		attention:  domain.AttentionCalibrating,
		connection: domain.ConnectionState{Phase: domain.ConnectionIdle},
		activity:   domain.ActivityListening,
	}
}

// exec runs fn on the loop and returns its error.
func (c *SessionCoordinator) exec(fn func() error) error {
	var err error
	if !c.loop.call(func() {
		if c.closed {
			err = ErrClosed
			return
		}
		err = fn()
	}) {
		return ErrClosed
	}
	return err
}

// dispatch posts fn for s. It is dropped if s has been replaced by then.
func (c *SessionCoordinator) dispatch(s *interviewSession, fn func(s *interviewSession)) {
	c.loop.post(func() {
		if c.closed || s != c.current {
			return
		}
		fn(s)
	})
}

// Prepare starts attention tracking for the first session.
func (c *SessionCoordinator) Prepare(ctx context.Context) error {
	return c.exec(func() error {
		if c.prepared {
			return nil
		}
		if ctx != nil {
			c.baseCtx = context.WithoutCancel(ctx)
			c.current.cancel()
			c.current = c.newSession()
			c.live.Store(c.current)
		}
		c.prepared = true
		c.prepare(c.current)
		return nil
	})
}

func (c *SessionCoordinator) prepare(s *interviewSession) {
	phase := domain.SessionPhaseAttentionSetup
	if c.tracker.NeedsCalibration() {
		phase = domain.SessionPhaseCalibrating
	}

	c.tracker.Start(s.ctx, func(err error) {
		c.dispatch(s, func(s *interviewSession) { c.attentionUnavailable(s, err) })
	})

	s.phase = phase
	s.attention = c.tracker.State()
	c.events.SessionPhaseChanged(phase, s.cause)
	c.events.AttentionChanged(s.attention)
	c.logger.Infow("session prepared", "session_id", s.id, "phase", phase)
}

// attentionUnavailable fails open: calibration is abandoned and the interview
// may still start without proctoring.
func (c *SessionCoordinator) attentionUnavailable(s *interviewSession, err error) {
	if s.phase.Terminal() {
		return
	}
	c.logger.Warnw("attention monitoring disabled", "session_id", s.id, "error", err)
	s.message = "camera unavailable; attention monitoring is disabled"
	c.events.SessionError(domain.ErrorCodeDevice, s.message)
	if s.phase == domain.SessionPhaseCalibrating {
		c.tracker.SkipCalibration()
		c.setPhase(s, domain.SessionPhaseAttentionSetup)
	}
}

// CalibrationTargets returns the click-through targets for the current session.
func (c *SessionCoordinator) CalibrationTargets() []domain.Point {
	return c.tracker.CalibrationTargets()
}

// RecordCalibrationClick feeds one calibration click and returns how many remain.
func (c *SessionCoordinator) RecordCalibrationClick(target domain.Point) (int, error) {
	var remaining int
	err := c.exec(func() error {
		if c.current.phase != domain.SessionPhaseCalibrating {
			return ErrInvalidPhase
		}
		var err error
		remaining, err = c.tracker.RecordCalibrationClick(target)
		return err
	})
	return remaining, err
}

func (c *SessionCoordinator) SkipCalibration() error {
	return c.exec(func() error {
		if c.current.phase != domain.SessionPhaseCalibrating {
			return ErrInvalidPhase
		}
		c.tracker.SkipCalibration()
		return nil
	})
}

// StartInterview enters the interview and connects the conversation channel.
// Calling it again during the interview retries a failed connection.
func (c *SessionCoordinator) StartInterview(_ context.Context) error {
	return c.exec(func() error {
		s := c.current
		switch s.phase {
		case domain.SessionPhaseCalibrating, domain.SessionPhaseAttentionSetup:
			if !c.prepared {
				c.prepared = true
				c.prepare(s)
			}
			c.beginInterview(s)
		case domain.SessionPhaseInterview:
		default:
			return ErrInvalidPhase
		}

		if s.connecting || s.connection.Phase != domain.ConnectionIdle {
			return nil
		}
		c.connect(s)
		return nil
	})
}

func (c *SessionCoordinator) beginInterview(s *interviewSession) {
	if s.phase == domain.SessionPhaseCalibrating {
		c.tracker.SkipCalibration()
	}
	s.startedAt = c.now()
	s.remaining = c.cfg.Budget
	c.tracker.Activate()
	c.startClock(s)
	c.metrics.SessionStarted()
	c.setPhase(s, domain.SessionPhaseInterview)
	c.events.ClockTicked(s.remaining, domain.StageFor(0))
	c.logger.Infow("interview started", "session_id", s.id, "budget", c.cfg.Budget)
}

func (c *SessionCoordinator) connect(s *interviewSession) {
	s.connecting = true
	ctx := s.ctx

	c.background.Add(1)
	go func() {
		defer c.background.Done()
		err := c.channel.Start(ctx)
		c.dispatch(s, func(s *interviewSession) { c.onConnectResult(s, err) })
	}()
}

func (c *SessionCoordinator) onConnectResult(s *interviewSession, err error) {
	s.connecting = false
	if err == nil || !s.active() {
		return
	}
	s.message = "could not reach the interviewer; try again"
	c.logger.Warnw("interviewer connection failed", "session_id", s.id, "error", err)
	c.events.SessionError(domain.ErrorCodeConnection, fmt.Sprintf("interviewer connection failed: %v", err))
}

func (c *SessionCoordinator) startClock(s *interviewSession) {
	ticker := c.newTicker(c.cfg.TickInterval)
	stop := make(chan struct{})
	var once sync.Once
	s.clockStop = func() {
		once.Do(func() {
			ticker.Stop()
			close(stop)
		})
	}

	go func() {
		for {
			select {
			case <-stop:
				return
			case <-ticker.C():
				c.dispatch(s, c.onTick)
			}
		}
	}()
}

func (c *SessionCoordinator) onTick(s *interviewSession) {
	if !s.active() || s.paused {
		return
	}
	s.remaining -= c.cfg.TickInterval
	if s.remaining < 0 {
		s.remaining = 0
	}
	c.events.ClockTicked(s.remaining, domain.StageFor(elapsedFraction(c.cfg.Budget, s.remaining)))
	if s.remaining == 0 {
		c.finish(s, domain.EndCauseTimeExpired)
	}
}

func (c *SessionCoordinator) onAttentionState(state domain.AttentionState) {
	s := c.live.Load()
	c.dispatch(s, func(s *interviewSession) {
		if s.attention == state {
			return
		}
		s.attention = state
		c.events.AttentionChanged(state)
		if s.phase == domain.SessionPhaseCalibrating && state != domain.AttentionCalibrating {
			c.setPhase(s, domain.SessionPhaseAttentionSetup)
		}
	})
}

func (c *SessionCoordinator) onViolation(at time.Time) {
	s := c.live.Load()
	c.dispatch(s, func(s *interviewSession) {
		if !s.active() {
			return
		}
		s.violations++
		c.metrics.RecordViolation()
		c.logger.Infow("attention violation", "session_id", s.id, "count", s.violations, "at", at)
		c.events.ViolationRecorded(s.violations, c.cfg.ViolationLimit)
		if s.violations > c.cfg.ViolationLimit {
			c.terminate(s)
		}
	})
}

// terminate ends the session for sustained inattention. It is immediate and
// irreversible; only Restart leaves the terminated phase.
func (c *SessionCoordinator) terminate(s *interviewSession) {
	s.stopTimers()
	s.cause = domain.EndCauseGazeAversion
	s.endedAt = c.now()
	s.paused = false

	if c.channel.FreezeTranscript() {
		c.logger.Infow("unfinished interviewer turn dropped at termination", "session_id", s.id)
	}
	c.channel.Stop()
	c.tracker.Stop()

	c.metrics.SessionFinished(string(s.cause), s.endedAt.Sub(s.startedAt))
	c.setPhase(s, domain.SessionPhaseTerminated)
	c.logger.Warnw("interview terminated", "session_id", s.id, "violations", s.violations)

	outcome := domain.Outcome{
		SessionID:  s.id,
		Cause:      s.cause,
		Message:    s.cause.Message(),
		Violations: s.violations,
	}
	s.outcome = &outcome
	c.events.SessionCompleted(outcome)
}

// Pause disables the microphone and freezes the clock.
func (c *SessionCoordinator) Pause() error {
	return c.setPaused(true)
}

func (c *SessionCoordinator) Resume() error {
	return c.setPaused(false)
}

func (c *SessionCoordinator) setPaused(paused bool) error {
	return c.exec(func() error {
		s := c.current
		if !s.active() {
			return ErrInvalidPhase
		}
		if s.paused == paused {
			return nil
		}
		s.paused = paused
		c.channel.SetMicrophoneEnabled(!paused)
		c.events.SessionPaused(paused)
		return nil
	})
}

// End finishes the interview gracefully and hands off the transcript.
func (c *SessionCoordinator) End(_ context.Context) error {
	return c.exec(func() error {
		s := c.current
		switch s.phase {
		case domain.SessionPhaseInterview:
			c.finish(s, domain.EndCauseManualEnd)
			return nil
		case domain.SessionPhaseSaving, domain.SessionPhaseCompleted:
			return nil
		default:
			return ErrInvalidPhase
		}
	})
}

// finish is the graceful end shared by manual end and clock expiry.
func (c *SessionCoordinator) finish(s *interviewSession, cause domain.EndCause) {
	s.stopTimers()
	s.cause = cause
	s.endedAt = c.now()
	s.paused = false

	c.channel.FreezeTranscript()
	c.channel.Stop()
	c.tracker.Stop()

	doc := c.document(s, c.channel.Entries())
	c.metrics.SessionFinished(string(cause), s.endedAt.Sub(s.startedAt))
	c.setPhase(s, domain.SessionPhaseSaving)
	c.logger.Infow("interview finished", "session_id", s.id, "cause", cause, "messages", doc.TotalMessages)

	ctx := s.ctx
	c.background.Add(1)
	go func() {
		defer c.background.Done()
		result := c.finalizer.Finalize(ctx, doc)
		c.dispatch(s, func(s *interviewSession) { c.complete(s, result) })
	}()
}

func (c *SessionCoordinator) complete(s *interviewSession, result finalizeResult) {
	if s.phase != domain.SessionPhaseSaving {
		return
	}
	outcome := domain.Outcome{
		SessionID:  s.id,
		Cause:      s.cause,
		Message:    s.cause.Message(),
		Violations: s.violations,
		Saved:      result.saved,
		Results:    result.results,
	}
	s.outcome = &outcome
	c.setPhase(s, domain.SessionPhaseCompleted)
	c.events.SessionCompleted(outcome)
}

func (c *SessionCoordinator) document(s *interviewSession, entries []domain.TranscriptEntry) domain.TranscriptDocument {
	messages := make([]domain.TranscriptMessage, 0, len(entries))
	for _, entry := range entries {
		messages = append(messages, domain.TranscriptMessage{
			ID:        entry.ID,
			Role:      entry.Role,
			Content:   entry.Content,
			Timestamp: entry.Timestamp,
		})
	}
	elapsed := c.cfg.Budget - s.remaining
	return domain.TranscriptDocument{
		SessionID:      s.id,
		InterviewStart: s.startedAt,
		InterviewEnd:   s.endedAt,
		TotalMessages:  len(messages),
		Messages:       messages,
		Metadata: domain.TranscriptMetadata{
			EndCause:       s.cause,
			EndMessage:     s.cause.Message(),
			Violations:     s.violations,
			BudgetSeconds:  int(c.cfg.Budget / time.Second),
			ElapsedSeconds: int(elapsed / time.Second),
			Model:          c.cfg.Model,
		},
	}
}

// Restart tears everything down and prepares a fresh session.
func (c *SessionCoordinator) Restart(_ context.Context) error {
	return c.exec(func() error {
		old := c.current
		old.stopTimers()
		old.cancel()
		c.channel.Reset()
		c.tracker.Stop()
		if old.active() {
			c.metrics.SessionFinished("restart", c.now().Sub(old.startedAt))
		}

		s := c.newSession()
		c.current = s
		c.live.Store(s)
		c.prepared = true

		c.events.ViolationRecorded(0, c.cfg.ViolationLimit)
		c.events.ClockTicked(s.remaining, domain.StageFor(0))
		c.prepare(s)
		c.logger.Infow("session restarted", "previous", old.id, "session_id", s.id)
		return nil
	})
}

// Status returns a snapshot of the current session.
func (c *SessionCoordinator) Status() domain.Status {
	var status domain.Status
	if !c.loop.call(func() { status = c.status(c.current) }) {
		s := c.live.Load()
		return domain.Status{SessionID: s.id, Phase: s.phase, Cause: s.cause, Message: "closed"}
	}
	return status
}

func (c *SessionCoordinator) status(s *interviewSession) domain.Status {
	return domain.Status{
		SessionID:      s.id,
		Phase:          s.phase,
		Cause:          s.cause,
		Attention:      s.attention,
		Connection:     s.connection,
		Activity:       s.activity,
		Violations:     s.violations,
		ViolationLimit: c.cfg.ViolationLimit,
		Total:          c.cfg.Budget,
		Remaining:      s.remaining,
		Stage:          domain.StageFor(elapsedFraction(c.cfg.Budget, s.remaining)),
		Paused:         s.paused,
		Message:        s.message,
	}
}

// Outcome returns the result of the last finished session, if any.
func (c *SessionCoordinator) Outcome() (domain.Outcome, bool) {
	var (
		outcome domain.Outcome
		ok      bool
	)
	c.loop.call(func() {
		if c.current.outcome != nil {
			outcome, ok = *c.current.outcome, true
		}
	})
	return outcome, ok
}

func (c *SessionCoordinator) Transcript() []domain.TranscriptEntry {
	return c.channel.Entries()
}

// Close releases every resource. Safe to call more than once.
func (c *SessionCoordinator) Close() {
	c.closeOnce.Do(func() {
		c.loop.call(func() {
			c.closed = true
			s := c.current
			s.stopTimers()
			s.cancel()
			c.channel.Stop()
			c.tracker.Stop()
			if s.active() {
				c.metrics.SessionFinished("shutdown", c.now().Sub(s.startedAt))
			}
		})
		c.loop.close()
		c.background.Wait()
	})
}

func (c *SessionCoordinator) setPhase(s *interviewSession, phase domain.SessionPhase) {
	if s.phase == phase {
		return
	}
	s.phase = phase
	c.events.SessionPhaseChanged(phase, s.cause)
}

func (c *SessionCoordinator) onConnectionChanged(s *interviewSession, state domain.ConnectionState) {
	previous := s.connection
	s.connection = state
	c.events.ConnectionChanged(state)

	if !s.active() {
		return
	}
	switch state.Phase {
	case domain.ConnectionOpen:
		if !s.hasStarted && s.settle == nil {
			s.settle = time.AfterFunc(c.cfg.SettleDelay, func() {
				c.dispatch(s, c.sendOpening)
			})
		}
	case domain.ConnectionClosed:
		if previous.Phase == domain.ConnectionOpen {
			s.message = "the interviewer disconnected; restart to try again"
			c.events.SessionError(domain.ErrorCodeConnection, s.message)
		}
	}
}

func (c *SessionCoordinator) sendOpening(s *interviewSession) {
	s.settle = nil
	if !s.active() || s.hasStarted {
		return
	}
	if err := c.channel.SendOpening(c.cfg.OpeningMessage); err != nil {
		c.logger.Warnw("failed to send opening message", "session_id", s.id, "error", err)
		c.events.SessionError(domain.ErrorCodeConnection, "could not start the interviewer")
		return
	}
	s.hasStarted = true
	c.logger.Infow("opening message sent", "session_id", s.id)
}

// channelEvents adapts realtime.Listener callbacks onto the loop.
type channelEvents struct {
	c *SessionCoordinator
}

func (e channelEvents) ConnectionChanged(state domain.ConnectionState) {
	e.c.dispatch(e.c.live.Load(), func(s *interviewSession) { e.c.onConnectionChanged(s, state) })
}

func (e channelEvents) ActivityChanged(activity domain.Activity) {
	e.c.dispatch(e.c.live.Load(), func(s *interviewSession) {
		s.activity = activity
		e.c.events.ActivityChanged(activity)
	})
}

func (e channelEvents) EntryAppended(entry domain.TranscriptEntry) {
	e.c.dispatch(e.c.live.Load(), func(s *interviewSession) {
		e.c.events.TranscriptAppended(entry)
	})
}

func (e channelEvents) InterviewerDelta(delta string) {
	e.c.dispatch(e.c.live.Load(), func(s *interviewSession) {
		if s.active() {
			e.c.events.InterviewerTyping(delta)
		}
	})
}

func (e channelEvents) ChannelWarning(code domain.ErrorCode, detail string) {
	e.c.dispatch(e.c.live.Load(), func(s *interviewSession) {
		e.c.events.SessionError(code, detail)
	})
}
