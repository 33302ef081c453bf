package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"proctorcall/internal/bootstrap"
	"proctorcall/internal/domain"
)

func newRunCommand() *cobra.Command {
	var (
		budget         time.Duration
		violationLimit int
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an interview from the terminal",
		Long: "Runs a full interview with microphone and speaker but no window. " +
			"Calibration is skipped. Press Ctrl-C once to end and save, twice to abandon.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("budget") {
				_ = os.Setenv("PROCTOR_BUDGET", budget.String())
			}
			if cmd.Flags().Changed("violation-limit") {
				_ = os.Setenv("PROCTOR_VIOLATION_LIMIT", strconv.Itoa(violationLimit))
			}
			return runInterview(cmd.Context(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().DurationVar(&budget, "budget", 15*time.Minute, "interview time budget")
	cmd.Flags().IntVar(&violationLimit, "violation-limit", 5, "attention violations tolerated before termination")
	return cmd
}

func runInterview(parent context.Context, out io.Writer) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sink := newTerminalSink(out)
	services, err := bootstrap.Build(sink, nil, nil)
	if err != nil {
		return err
	}
	defer services.Close()

	coordinator := services.Coordinator
	if err := coordinator.Prepare(ctx); err != nil {
		return err
	}
	if coordinator.Status().Phase == domain.SessionPhaseCalibrating {
		if err := coordinator.SkipCalibration(); err != nil {
			return err
		}
	}
	if err := coordinator.StartInterview(ctx); err != nil {
		return err
	}

	select {
	case <-sink.Done():
	case <-ctx.Done():
		stop()
		fmt.Fprintln(out, "ending interview...")
		abandon, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		if err := coordinator.End(abandon); err != nil {
			return err
		}
		select {
		case <-sink.Done():
		case <-abandon.Done():
			return fmt.Errorf("interview abandoned before the transcript was saved")
		}
	}

	if outcome, ok := coordinator.Outcome(); ok {
		fmt.Fprintln(out, formatOutcome(outcome))
	}
	return nil
}

// terminalSink prints engine events as plain lines.
type terminalSink struct {
	mu       sync.Mutex
	out      io.Writer
	done     chan struct{}
	doneOnce sync.Once
	typing   bool
}

func newTerminalSink(out io.Writer) *terminalSink {
	return &terminalSink{out: out, done: make(chan struct{})}
}

func (s *terminalSink) Done() <-chan struct{} { return s.done }

func (s *terminalSink) line(format string, args ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.typing {
		fmt.Fprintln(s.out)
		s.typing = false
	}
	fmt.Fprintf(s.out, format+"\n", args...)
}

func (s *terminalSink) SessionPhaseChanged(phase domain.SessionPhase, cause domain.EndCause) {
	if cause != domain.EndCauseNone {
		s.line("[phase] %s (%s)", phase, cause.Message())
		return
	}
	s.line("[phase] %s", phase)
}

func (s *terminalSink) AttentionChanged(state domain.AttentionState) {
	s.line("[attention] %s", state)
}

func (s *terminalSink) ViolationRecorded(count int, limit int) {
	if count == 0 {
		return
	}
	s.line("[violation] %d of %d allowed", count, limit)
}

// ClockTicked prints once a minute to keep the terminal readable.
func (s *terminalSink) ClockTicked(remaining time.Duration, stage domain.Stage) {
	if remaining%time.Minute != 0 {
		return
	}
	s.line("[clock] %s left, %s", remaining, stage)
}

func (s *terminalSink) SessionPaused(paused bool) {
	s.line("[paused] %t", paused)
}

func (s *terminalSink) ConnectionChanged(state domain.ConnectionState) {
	s.line("[connection] %s", state.Phase)
}

func (s *terminalSink) ActivityChanged(domain.Activity) {}

func (s *terminalSink) TranscriptAppended(entry domain.TranscriptEntry) {
	if entry.Role == domain.RoleInterviewer {
		s.mu.Lock()
		typed := s.typing
		s.typing = false
		s.mu.Unlock()
		if typed {
			s.line("")
			return
		}
	}
	s.line("%s: %s", entry.Role, entry.Content)
}

func (s *terminalSink) InterviewerTyping(delta string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.typing {
		fmt.Fprint(s.out, "interviewer: ")
		s.typing = true
	}
	fmt.Fprint(s.out, delta)
}

func (s *terminalSink) SessionCompleted(domain.Outcome) {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *terminalSink) SessionError(code domain.ErrorCode, detail string) {
	s.line("[error] %s: %s", code, detail)
}

func formatOutcome(outcome domain.Outcome) string {
	text := fmt.Sprintf("session %s ended: %s, %d violations, saved=%t",
		outcome.SessionID, outcome.Message, outcome.Violations, outcome.Saved)
	if outcome.Results != nil {
		text += fmt.Sprintf("\nscore %.1f: %s", outcome.Results.Score, outcome.Results.Summary)
	}
	return text
}
