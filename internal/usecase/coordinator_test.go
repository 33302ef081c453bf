package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"proctorcall/internal/domain"
	"proctorcall/internal/realtime"
)

func TestCoordinatorTerminatesAfterViolationLimit(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{ViolationLimit: 5})
	h.startInterview(t)

	for i := 0; i < 6; i++ {
		h.tracker.violate()
	}
	waitFor(t, "terminated", func() bool { return h.coordinator.Status().Phase == domain.SessionPhaseTerminated })

	status := h.coordinator.Status()
	if status.Violations != 6 || status.Cause != domain.EndCauseGazeAversion {
		t.Fatalf("unexpected status after termination: %+v", status)
	}
	if h.channel.stopCount() == 0 || !h.channel.isFrozen() || h.tracker.stopCount() == 0 {
		t.Fatalf("termination must stop channel, freeze transcript and stop tracker")
	}

	remaining := status.Remaining
	h.tracker.violate()
	h.ticks.last().tick()
	time.Sleep(20 * time.Millisecond)

	after := h.coordinator.Status()
	if after.Violations != 6 || after.Remaining != remaining || after.Phase != domain.SessionPhaseTerminated {
		t.Fatalf("state mutated after termination: %+v", after)
	}
	if got := h.events.countPhase(domain.SessionPhaseTerminated); got != 1 {
		t.Fatalf("expected a single terminated transition, got %d", got)
	}
	outcomes := h.events.snapshotOutcomes()
	if len(outcomes) != 1 || outcomes[0].Message != "excessive gaze aversion" || outcomes[0].Saved {
		t.Fatalf("unexpected outcome: %+v", outcomes)
	}
	if h.store.saveCount() != 0 {
		t.Fatalf("terminated sessions are not handed to persistence")
	}
}

func TestCoordinatorViolationsBelowLimitKeepInterview(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{ViolationLimit: 5})
	h.startInterview(t)
	for i := 0; i < 5; i++ {
		h.tracker.violate()
	}
	waitFor(t, "five violations", func() bool { return h.coordinator.Status().Violations == 5 })

	if phase := h.coordinator.Status().Phase; phase != domain.SessionPhaseInterview {
		t.Fatalf("expected interview to continue at the limit, got %s", phase)
	}
}

func TestCoordinatorIgnoresViolationsBeforeInterview(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{})
	if err := h.coordinator.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	h.tracker.violate()
	time.Sleep(10 * time.Millisecond)
	if got := h.coordinator.Status().Violations; got != 0 {
		t.Fatalf("violation counted outside the interview: %d", got)
	}
}

func TestCoordinatorClockExpiryCompletesGracefully(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{Budget: 3 * time.Second, TickInterval: time.Second, Model: "gpt-4o-realtime-preview"})
	h.channel.entries = []domain.TranscriptEntry{
		{ID: "a", Seq: 1, Role: domain.RoleInterviewer, Content: "Tell me about yourself."},
		{ID: "b", Seq: 2, Role: domain.RoleCandidate, Content: "I build Go services."},
	}
	h.startInterview(t)

	ticker := h.ticks.last()
	for i := 0; i < 3; i++ {
		ticker.tick()
	}
	waitFor(t, "completed", func() bool { return h.coordinator.Status().Phase == domain.SessionPhaseCompleted })

	status := h.coordinator.Status()
	if status.Cause != domain.EndCauseTimeExpired || status.Remaining != 0 {
		t.Fatalf("unexpected status: %+v", status)
	}
	if h.events.countPhase(domain.SessionPhaseTerminated) != 0 {
		t.Fatalf("clock expiry must not terminate")
	}

	doc := h.store.last()
	if doc.SessionID != status.SessionID || doc.TotalMessages != 2 || doc.Messages[1].Content != "I build Go services." {
		t.Fatalf("unexpected transcript document: %+v", doc)
	}
	if doc.Metadata.EndMessage != "time expired" || doc.Metadata.BudgetSeconds != 3 || doc.Metadata.ElapsedSeconds != 3 {
		t.Fatalf("unexpected metadata: %+v", doc.Metadata)
	}
	outcomes := h.events.snapshotOutcomes()
	if len(outcomes) != 1 || !outcomes[0].Saved || outcomes[0].Cause != domain.EndCauseTimeExpired {
		t.Fatalf("unexpected outcome: %+v", outcomes)
	}
}

func TestCoordinatorPauseFreezesClock(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{Budget: 10 * time.Second, TickInterval: time.Second})
	h.startInterview(t)
	ticker := h.ticks.last()

	ticker.tick()
	waitFor(t, "first tick", func() bool { return h.coordinator.Status().Remaining == 9*time.Second })

	if err := h.coordinator.Pause(); err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if h.channel.micEnabled() {
		t.Fatalf("pause must disable the microphone")
	}
	ticker.tick()
	ticker.tick()
	time.Sleep(20 * time.Millisecond)
	if got := h.coordinator.Status().Remaining; got != 9*time.Second {
		t.Fatalf("clock moved while paused: %v", got)
	}
	if !h.coordinator.Status().Paused {
		t.Fatalf("expected paused status")
	}

	if err := h.coordinator.Resume(); err != nil {
		t.Fatalf("resume failed: %v", err)
	}
	ticker.tick()
	waitFor(t, "tick after resume", func() bool { return h.coordinator.Status().Remaining == 8*time.Second })
	if !h.channel.micEnabled() || h.channel.stopCount() != 0 {
		t.Fatalf("resume must re-enable the microphone without tearing down")
	}
}

func TestCoordinatorSendsOpeningOnce(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{SettleDelay: time.Millisecond, OpeningMessage: "Hi"})
	h.startInterview(t)
	waitFor(t, "opening", func() bool { return h.channel.openingCount() == 1 })

	h.channel.emit(domain.ConnectionState{Phase: domain.ConnectionOpen, DataChannelReady: true})
	time.Sleep(20 * time.Millisecond)
	if got := h.channel.openingCount(); got != 1 {
		t.Fatalf("expected opening once, got %d", got)
	}
	if h.channel.lastOpening() != "Hi" {
		t.Fatalf("unexpected opening text %q", h.channel.lastOpening())
	}
}

func TestCoordinatorConnectionFailureAllowsRetry(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{})
	h.channel.setStartErr(errors.New("handshake refused"))
	if err := h.coordinator.StartInterview(context.Background()); err != nil {
		t.Fatalf("start interview failed: %v", err)
	}
	waitFor(t, "connection error", func() bool { return h.events.countError(domain.ErrorCodeConnection) == 1 })

	if phase := h.coordinator.Status().Phase; phase != domain.SessionPhaseInterview {
		t.Fatalf("connection failure must not end the interview, got %s", phase)
	}

	h.channel.setStartErr(nil)
	waitFor(t, "retry", func() bool {
		_ = h.coordinator.StartInterview(context.Background())
		return h.channel.startCount() == 2
	})
	waitFor(t, "open", func() bool { return h.coordinator.Status().Connection.Phase == domain.ConnectionOpen })
}

func TestCoordinatorManualEndSurvivesPersistenceFailure(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{ResultsAttempts: 3, ResultsInterval: time.Millisecond})
	h.store.err = errors.New("access denied")
	h.startInterview(t)

	if err := h.coordinator.End(context.Background()); err != nil {
		t.Fatalf("end failed: %v", err)
	}
	waitFor(t, "completed", func() bool { return h.coordinator.Status().Phase == domain.SessionPhaseCompleted })

	if h.events.countError(domain.ErrorCodePersistence) != 1 {
		t.Fatalf("expected a persistence error event")
	}
	outcome, ok := h.coordinator.Outcome()
	if !ok || outcome.Saved || outcome.Cause != domain.EndCauseManualEnd || outcome.Message != "manual end" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
}

func TestCoordinatorPollsResultsUntilReady(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{ResultsAttempts: 5, ResultsInterval: time.Millisecond})
	h.results.readyAfter = 3
	h.startInterview(t)
	_ = h.coordinator.End(context.Background())
	waitFor(t, "completed", func() bool { return h.coordinator.Status().Phase == domain.SessionPhaseCompleted })

	outcome, _ := h.coordinator.Outcome()
	if outcome.Results == nil || outcome.Results.Summary != "solid" {
		t.Fatalf("expected results in outcome: %+v", outcome)
	}
	if h.results.callCount() != 3 {
		t.Fatalf("expected 3 polls, got %d", h.results.callCount())
	}
}

func TestCoordinatorCompletesWhenHandOffPanics(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{})
	h.store.panics = true
	h.startInterview(t)
	_ = h.coordinator.End(context.Background())
	waitFor(t, "completed", func() bool { return h.coordinator.Status().Phase == domain.SessionPhaseCompleted })
}

func TestCoordinatorRestartAfterTermination(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{ViolationLimit: 1, SettleDelay: time.Millisecond})
	h.startInterview(t)
	waitFor(t, "opening", func() bool { return h.channel.openingCount() == 1 })
	h.tracker.violate()
	h.tracker.violate()
	waitFor(t, "terminated", func() bool { return h.coordinator.Status().Phase == domain.SessionPhaseTerminated })
	previous := h.coordinator.Status().SessionID

	if err := h.coordinator.Restart(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}
	status := h.coordinator.Status()
	if status.Phase != domain.SessionPhaseAttentionSetup || status.Violations != 0 || status.Remaining != status.Total {
		t.Fatalf("unexpected status after restart: %+v", status)
	}
	if status.SessionID == previous || h.channel.resetCount() != 1 || len(h.coordinator.Transcript()) != 0 {
		t.Fatalf("restart must start a fresh session with an empty transcript")
	}

	if err := h.coordinator.StartInterview(context.Background()); err != nil {
		t.Fatalf("start after restart failed: %v", err)
	}
	waitFor(t, "second opening", func() bool { return h.channel.openingCount() == 2 })
}

func TestCoordinatorDeviceFailureFailsOpen(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{})
	h.tracker.startErr = errors.New("camera busy")
	h.tracker.needsCalibration = true

	if err := h.coordinator.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare should not fail: %v", err)
	}
	waitFor(t, "attention_setup after device failure", func() bool {
		return h.coordinator.Status().Phase == domain.SessionPhaseAttentionSetup
	})
	if h.events.countError(domain.ErrorCodeDevice) != 1 {
		t.Fatalf("expected device error")
	}
	if err := h.coordinator.StartInterview(context.Background()); err != nil {
		t.Fatalf("interview should still start: %v", err)
	}
}

func TestCoordinatorDropsDeviceFailureFromReplacedSession(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{})
	h.tracker.startErr = errors.New("camera busy")
	h.tracker.hold = make(chan struct{})
	h.tracker.needsCalibration = true

	if err := h.coordinator.Prepare(context.Background()); err != nil {
		t.Fatalf("prepare failed: %v", err)
	}
	if phase := h.coordinator.Status().Phase; phase != domain.SessionPhaseCalibrating {
		t.Fatalf("prepare must not wait for the camera, got %s", phase)
	}
	if err := h.coordinator.Restart(context.Background()); err != nil {
		t.Fatalf("restart failed: %v", err)
	}

	close(h.tracker.hold)
	waitFor(t, "late failure delivered", func() bool { return h.tracker.failureCount() == 1 })
	if phase := h.coordinator.Status().Phase; phase != domain.SessionPhaseCalibrating {
		t.Fatalf("stale failure changed the new session: %s", phase)
	}
	if h.events.countError(domain.ErrorCodeDevice) != 0 {
		t.Fatalf("stale failure surfaced a device error")
	}
}

func TestCoordinatorCalibrationLeadsToAttentionSetup(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{})
	h.tracker.needsCalibration = true
	_ = h.coordinator.Prepare(context.Background())
	if phase := h.coordinator.Status().Phase; phase != domain.SessionPhaseCalibrating {
		t.Fatalf("expected calibrating, got %s", phase)
	}

	if err := h.coordinator.SkipCalibration(); err != nil {
		t.Fatalf("skip failed: %v", err)
	}
	waitFor(t, "attention setup", func() bool { return h.coordinator.Status().Phase == domain.SessionPhaseAttentionSetup })
	if err := h.coordinator.SkipCalibration(); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected ErrInvalidPhase, got %v", err)
	}
}

func TestCoordinatorRejectsInvalidPhaseOperations(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{})
	if err := h.coordinator.End(context.Background()); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected ErrInvalidPhase for end, got %v", err)
	}
	if err := h.coordinator.Pause(); !errors.Is(err, ErrInvalidPhase) {
		t.Fatalf("expected ErrInvalidPhase for pause, got %v", err)
	}
}

func TestCoordinatorCloseTwice(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{})
	h.startInterview(t)
	h.coordinator.Close()
	h.coordinator.Close()

	if err := h.coordinator.StartInterview(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestCoordinatorForwardsChannelEvents(t *testing.T) {
	t.Parallel()

	h := newCoordinatorHarness(t, Config{})
	h.startInterview(t)
	listener := h.channel.currentListener()
	listener.InterviewerDelta("Hel")
	listener.EntryAppended(domain.TranscriptEntry{ID: "x", Role: domain.RoleInterviewer, Content: "Hello"})
	listener.ActivityChanged(domain.ActivitySpeaking)
	listener.ChannelWarning(domain.ErrorCodeTranscription, "garbled")

	waitFor(t, "forwarded", func() bool { return h.events.countError(domain.ErrorCodeTranscription) == 1 })
	if h.coordinator.Status().Activity != domain.ActivitySpeaking {
		t.Fatalf("expected speaking activity")
	}
	if h.events.typingText() != "Hel" || h.events.entryCount() != 1 {
		t.Fatalf("channel events not forwarded")
	}
}

type coordinatorHarness struct {
	coordinator *SessionCoordinator
	channel     *fakeConversation
	tracker     *fakeTracker
	store       *fakeStore
	results     *fakeResults
	events      *fakeEventSink
	ticks       *fakeTickers
}

func newCoordinatorHarness(t *testing.T, cfg Config) *coordinatorHarness {
	t.Helper()
	h := &coordinatorHarness{
		channel: &fakeConversation{mic: true},
		tracker: &fakeTracker{},
		store:   &fakeStore{},
		results: &fakeResults{},
		events:  &fakeEventSink{},
		ticks:   &fakeTickers{},
	}
	h.coordinator = NewSessionCoordinator(h.channel, h.tracker, h.store, h.results, nil, h.events, nil, nil, cfg)
	h.coordinator.newTicker = h.ticks.newTicker
	t.Cleanup(h.coordinator.Close)
	return h
}

func (h *coordinatorHarness) startInterview(t *testing.T) {
	t.Helper()
	if err := h.coordinator.StartInterview(context.Background()); err != nil {
		t.Fatalf("start interview failed: %v", err)
	}
	waitFor(t, "channel open", func() bool {
		return h.coordinator.Status().Connection.Phase == domain.ConnectionOpen
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

type fakeConversation struct {
	mu       sync.Mutex
	listener realtime.Listener
	startErr error
	starts   int
	stops    int
	resets   int
	frozen   bool
	mic      bool
	openings []string
	entries  []domain.TranscriptEntry
	state    domain.ConnectionState
}

func (f *fakeConversation) SetListener(listener realtime.Listener) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listener = listener
}

func (f *fakeConversation) Start(context.Context) error {
	f.mu.Lock()
	f.starts++
	err := f.startErr
	f.mu.Unlock()

	f.emit(domain.ConnectionState{Phase: domain.ConnectionConnecting})
	if err != nil {
		f.emit(domain.ConnectionState{Phase: domain.ConnectionIdle})
		return err
	}
	f.emit(domain.ConnectionState{Phase: domain.ConnectionOpen, DataChannelReady: true})
	return nil
}

func (f *fakeConversation) emit(state domain.ConnectionState) {
	f.mu.Lock()
	f.state = state
	listener := f.listener
	f.mu.Unlock()
	listener.ConnectionChanged(state)
}

func (f *fakeConversation) Stop() {
	f.mu.Lock()
	f.stops++
	wasOpen := f.state.Phase == domain.ConnectionOpen || f.state.Phase == domain.ConnectionConnecting
	f.mu.Unlock()
	if wasOpen {
		f.emit(domain.ConnectionState{Phase: domain.ConnectionClosed})
	}
}

func (f *fakeConversation) Reset() {
	f.Stop()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	f.frozen = false
	f.entries = nil
	f.state = domain.ConnectionState{Phase: domain.ConnectionIdle}
}

func (f *fakeConversation) SetMicrophoneEnabled(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mic = enabled
}

func (f *fakeConversation) SendOpening(text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.openings = append(f.openings, text)
	return nil
}

func (f *fakeConversation) Entries() []domain.TranscriptEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.TranscriptEntry(nil), f.entries...)
}

func (f *fakeConversation) FreezeTranscript() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frozen = true
	return false
}

func (f *fakeConversation) State() domain.ConnectionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConversation) Activity() domain.Activity { return domain.ActivityListening }

func (f *fakeConversation) setStartErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startErr = err
}

func (f *fakeConversation) currentListener() realtime.Listener {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listener
}

func (f *fakeConversation) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts
}

func (f *fakeConversation) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

func (f *fakeConversation) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

func (f *fakeConversation) isFrozen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frozen
}

func (f *fakeConversation) micEnabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mic
}

func (f *fakeConversation) openingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.openings)
}

func (f *fakeConversation) lastOpening() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.openings) == 0 {
		return ""
	}
	return f.openings[len(f.openings)-1]
}

type fakeTracker struct {
	mu               sync.Mutex
	onState          func(domain.AttentionState)
	onViolation      func(time.Time)
	startErr         error
	hold             chan struct{}
	failures         int
	needsCalibration bool
	state            domain.AttentionState
	stops            int
	active           bool
}

func (f *fakeTracker) SetHandlers(onState func(domain.AttentionState), onViolation func(time.Time)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = onState
	f.onViolation = onViolation
}

// Start fails asynchronously with startErr, once. When hold is set the
// failure waits for it to close.
func (f *fakeTracker) Start(_ context.Context, failed func(error)) {
	f.mu.Lock()
	next := domain.AttentionSafe
	if f.needsCalibration {
		next = domain.AttentionCalibrating
	}
	f.state = next
	f.active = false
	err := f.startErr
	f.startErr = nil
	hold := f.hold
	onState := f.onState
	f.mu.Unlock()

	onState(next)
	if err == nil {
		return
	}
	go func() {
		if hold != nil {
			<-hold
		}
		failed(err)
		f.mu.Lock()
		f.failures++
		f.mu.Unlock()
	}()
}

func (f *fakeTracker) failureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failures
}

func (f *fakeTracker) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	f.active = false
}

func (f *fakeTracker) Activate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active = true
}

func (f *fakeTracker) State() domain.AttentionState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTracker) NeedsCalibration() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.needsCalibration
}

func (f *fakeTracker) CalibrationTargets() []domain.Point { return nil }

func (f *fakeTracker) RecordCalibrationClick(domain.Point) (int, error) { return 0, nil }

func (f *fakeTracker) SkipCalibration() {
	f.mu.Lock()
	changed := f.state == domain.AttentionCalibrating
	f.state = domain.AttentionSafe
	onState := f.onState
	f.mu.Unlock()
	if changed {
		onState(domain.AttentionSafe)
	}
}

func (f *fakeTracker) violate() {
	f.mu.Lock()
	onViolation := f.onViolation
	f.mu.Unlock()
	onViolation(time.Now())
}

func (f *fakeTracker) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

type fakeTickers struct {
	mu      sync.Mutex
	tickers []*fakeTicker
}

func (f *fakeTickers) newTicker(time.Duration) Ticker {
	f.mu.Lock()
	defer f.mu.Unlock()
	ticker := &fakeTicker{ch: make(chan time.Time)}
	f.tickers = append(f.tickers, ticker)
	return ticker
}

func (f *fakeTickers) last() *fakeTicker {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tickers[len(f.tickers)-1]
}

type fakeTicker struct {
	ch chan time.Time
}

func (f *fakeTicker) C() <-chan time.Time { return f.ch }
func (f *fakeTicker) Stop()               {}

// tick delivers a tick, or gives up once the clock goroutine has stopped.
func (f *fakeTicker) tick() {
	select {
	case f.ch <- time.Now():
	case <-time.After(50 * time.Millisecond):
	}
}
