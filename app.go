package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/wailsapp/wails/v2/pkg/runtime"

	"proctorcall/internal/bootstrap"
	"proctorcall/internal/config"
	"proctorcall/internal/domain"
	"proctorcall/internal/usecase"
)

const (
	eventPhase      = "proctor:phase"
	eventAttention  = "proctor:attention"
	eventViolation  = "proctor:violation"
	eventClock      = "proctor:clock"
	eventPaused     = "proctor:paused"
	eventConnection = "proctor:connection"
	eventActivity   = "proctor:activity"
	eventEntry      = "proctor:entry"
	eventTyping     = "proctor:typing"
	eventCompleted  = "proctor:completed"
	eventError      = "proctor:error"
	eventVideo      = "proctor:video"
)

type emitFunc func(ctx context.Context, name string, data ...interface{})

// App is the Wails application root.
type App struct {
	ctx  context.Context
	emit emitFunc

	services    bootstrap.Services
	coordinator *usecase.SessionCoordinator
	cfg         config.Config
	bootErr     error
}

func NewApp() *App {
	return &App{emit: runtime.EventsEmit}
}

func (a *App) startup(ctx context.Context) {
	a.ctx = ctx

	services, err := bootstrap.Build(a, a, nil)
	if err != nil {
		a.bootErr = err
		a.SessionError(domain.ErrorCodeStartup, err.Error())
		return
	}

	a.services = services
	a.cfg = services.Config
	a.coordinator = services.Coordinator
	if err := a.coordinator.Prepare(ctx); err != nil {
		a.SessionError(domain.ErrorCodeStartup, err.Error())
	}
}

func (a *App) shutdown(context.Context) {
	a.services.Close()
}

// CalibrationTargets returns the on-screen points to click through.
func (a *App) CalibrationTargets() []domain.Point {
	if a.coordinator == nil {
		return nil
	}
	return a.coordinator.CalibrationTargets()
}

// RecordCalibrationClick pairs a clicked target with the current gaze and
// returns how many targets remain.
func (a *App) RecordCalibrationClick(x float64, y float64) (int, error) {
	if err := a.requireReady(); err != nil {
		return 0, err
	}
	return a.coordinator.RecordCalibrationClick(domain.Point{X: x, Y: y})
}

func (a *App) SkipCalibration() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.coordinator.SkipCalibration()
}

// StartInterview begins the interview, or retries a failed connection.
func (a *App) StartInterview() (domain.Status, error) {
	if err := a.requireReady(); err != nil {
		return domain.Status{}, err
	}
	if err := a.coordinator.StartInterview(a.ctx); err != nil {
		return a.coordinator.Status(), err
	}
	return a.coordinator.Status(), nil
}

func (a *App) PauseInterview() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.coordinator.Pause()
}

func (a *App) ResumeInterview() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.coordinator.Resume()
}

// EndInterview stops the interview and hands the transcript off.
func (a *App) EndInterview() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.coordinator.End(a.ctx)
}

// RestartInterview discards the current session and prepares a fresh one.
func (a *App) RestartInterview() error {
	if err := a.requireReady(); err != nil {
		return err
	}
	return a.coordinator.Restart(a.ctx)
}

// GetStatus returns the current session status.
func (a *App) GetStatus() domain.Status {
	if a.coordinator == nil {
		if a.bootErr != nil {
			return domain.Status{Message: a.bootErr.Error()}
		}
		return domain.Status{}
	}
	return a.coordinator.Status()
}

func (a *App) GetTranscript() []domain.TranscriptEntry {
	if a.coordinator == nil {
		return nil
	}
	return a.coordinator.Transcript()
}

// GetOutcome returns the last finished session, or nil while one is running.
func (a *App) GetOutcome() *domain.Outcome {
	if a.coordinator == nil {
		return nil
	}
	outcome, ok := a.coordinator.Outcome()
	if !ok {
		return nil
	}
	return &outcome
}

// GetRuntimeInfo returns non-sensitive config for the UI.
func (a *App) GetRuntimeInfo() map[string]string {
	if a.bootErr != nil {
		return map[string]string{"error": a.bootErr.Error()}
	}

	storage := "local"
	if a.cfg.Storage.Bucket != "" {
		storage = "s3://" + a.cfg.Storage.Bucket
	}
	return map[string]string{
		"model":          a.cfg.OpenAI.Model,
		"voice":          a.cfg.OpenAI.Voice,
		"estimator":      a.cfg.Attention.Estimator,
		"budget":         a.cfg.Session.Budget.String(),
		"violationLimit": fmt.Sprint(a.cfg.Session.ViolationLimit),
		"audioBackend":   a.cfg.Audio.Backend,
		"storage":        storage,
	}
}

func (a *App) requireReady() error {
	if a.bootErr != nil {
		return a.bootErr
	}
	if a.coordinator == nil {
		return errors.New("application is not initialized")
	}
	return nil
}

func (a *App) send(name string, payload interface{}) {
	if a.ctx == nil || a.emit == nil {
		return
	}
	a.emit(a.ctx, name, payload)
}

func (a *App) SessionPhaseChanged(phase domain.SessionPhase, cause domain.EndCause) {
	a.send(eventPhase, map[string]string{
		"phase":   string(phase),
		"cause":   string(cause),
		"message": phaseMessage(phase, cause),
	})
}

func (a *App) AttentionChanged(state domain.AttentionState) {
	a.send(eventAttention, map[string]string{"state": string(state)})
}

func (a *App) ViolationRecorded(count int, limit int) {
	a.send(eventViolation, map[string]int{"count": count, "limit": limit})
}

// ClockTicked emits the remaining time in whole seconds with the agenda stage.
func (a *App) ClockTicked(remaining time.Duration, stage domain.Stage) {
	a.send(eventClock, map[string]interface{}{
		"remainingSeconds": int(remaining / time.Second),
		"display":          formatClock(remaining),
		"stage":            string(stage),
	})
}

func (a *App) SessionPaused(paused bool) {
	a.send(eventPaused, map[string]bool{"paused": paused})
}

func (a *App) ConnectionChanged(state domain.ConnectionState) {
	a.send(eventConnection, state)
}

func (a *App) ActivityChanged(activity domain.Activity) {
	a.send(eventActivity, map[string]string{"activity": string(activity)})
}

func (a *App) TranscriptAppended(entry domain.TranscriptEntry) {
	a.send(eventEntry, entry)
}

func (a *App) InterviewerTyping(delta string) {
	a.send(eventTyping, map[string]string{"delta": delta})
}

func (a *App) SessionCompleted(outcome domain.Outcome) {
	a.send(eventCompleted, outcome)
}

// SessionError emits backend errors to the UI.
func (a *App) SessionError(code domain.ErrorCode, detail string) {
	a.send(eventError, map[string]string{
		"code":    string(code),
		"message": errorMessage(code, detail),
		"detail":  detail,
	})
}

// AttachAttentionFeed tells the frontend to show the camera preview beside
// the interview.
func (a *App) AttachAttentionFeed(feedID string) error {
	if a.ctx == nil {
		return errors.New("window is not ready")
	}
	a.send(eventVideo, map[string]interface{}{"attached": true, "feedId": feedID})
	return nil
}

func (a *App) DetachAttentionFeed() {
	a.send(eventVideo, map[string]interface{}{"attached": false})
}

func phaseMessage(phase domain.SessionPhase, cause domain.EndCause) string {
	switch phase {
	case domain.SessionPhaseCalibrating:
		return "Look at each dot and click it"
	case domain.SessionPhaseAttentionSetup:
		return "Ready when you are"
	case domain.SessionPhaseInterview:
		return "Interview in progress"
	case domain.SessionPhaseSaving:
		return "Saving transcript..."
	case domain.SessionPhaseCompleted:
		if cause == domain.EndCauseTimeExpired {
			return "Interview complete: time expired"
		}
		return "Interview complete"
	case domain.SessionPhaseTerminated:
		return "Interview terminated: " + cause.Message()
	default:
		return ""
	}
}

func errorMessage(code domain.ErrorCode, detail string) string {
	switch code {
	case domain.ErrorCodeStartup:
		return "Startup failed"
	case domain.ErrorCodeDevice:
		return "Camera unavailable; attention monitoring is off"
	case domain.ErrorCodeConnection:
		return "Could not reach the interviewer"
	case domain.ErrorCodeProtocol:
		return "Interviewer stream issue"
	case domain.ErrorCodeTranscription:
		return "Speech transcription issue"
	case domain.ErrorCodePersistence:
		return "Transcript could not be saved"
	case domain.ErrorCodeResults:
		return "Feedback is not ready yet"
	default:
		if detail == "" {
			return "Unknown error"
		}
		return detail
	}
}

func formatClock(remaining time.Duration) string {
	if remaining < 0 {
		remaining = 0
	}
	seconds := int(remaining / time.Second)
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}
