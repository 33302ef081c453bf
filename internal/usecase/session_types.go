package usecase

import (
	"context"
	"time"

	"proctorcall/internal/domain"
)

// interviewSession is one interview attempt. Its fields are owned by the
// coordinator loop; a restart replaces the whole value.
type interviewSession struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	phase      domain.SessionPhase
	cause      domain.EndCause
	violations int
	remaining  time.Duration
	paused     bool
	hasStarted bool
	connecting bool
	message    string

	startedAt time.Time
	endedAt   time.Time

	attention  domain.AttentionState
	connection domain.ConnectionState
	activity   domain.Activity

	clockStop func()
	settle    *time.Timer
	outcome   *domain.Outcome
}

func (s *interviewSession) stopTimers() {
	if s.clockStop != nil {
		s.clockStop()
		s.clockStop = nil
	}
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
}

func (s *interviewSession) active() bool {
	return s.phase == domain.SessionPhaseInterview
}
