package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"proctorcall/internal/domain"
)

const recordedEvents = `{"type":"session.created"}
{"type":"response.created"}
{"type":"response.audio_transcript.delta","delta":"Tell me about "}
{"type":"response.audio_transcript.delta","delta":"yourself."}
{"type":"response.done"}
{"type":"conversation.item.input_audio_transcription.failed","error":{"message":"inaudible"}}
{"type":"conversation.item.input_audio_transcription.completed","transcript":"I build data pipelines."}
`

func writeEvents(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	if err := os.WriteFile(path, []byte(recordedEvents), 0o600); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	return path
}

func TestReplayCommandPrintsTranscript(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	root := newRootCommand()
	root.SetOut(&out)
	root.SetArgs([]string{"replay", writeEvents(t)})
	if err := root.Execute(); err != nil {
		t.Fatalf("replay failed: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two entries, got %q", out.String())
	}
	if !strings.Contains(lines[0], "interviewer") || !strings.HasSuffix(lines[0], "Tell me about yourself.") {
		t.Fatalf("unexpected first line: %q", lines[0])
	}
	if !strings.Contains(lines[1], "candidate") || !strings.HasSuffix(lines[1], "I build data pipelines.") {
		t.Fatalf("unexpected second line: %q", lines[1])
	}
}

func TestReplayJSONAndVerbose(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	if err := replay(strings.NewReader(recordedEvents), &out, true, false); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	var entries []domain.TranscriptEntry
	if err := json.Unmarshal(out.Bytes(), &entries); err != nil {
		t.Fatalf("invalid json output: %v", err)
	}
	if len(entries) != 2 || entries[0].Seq != 1 || entries[1].Seq != 2 {
		t.Fatalf("unexpected entries: %+v", entries)
	}

	out.Reset()
	if err := replay(strings.NewReader(recordedEvents), &out, false, true); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if !strings.Contains(out.String(), "# warning transcription") || !strings.Contains(out.String(), "# activity thinking") {
		t.Fatalf("expected verbose annotations, got %q", out.String())
	}
}

func TestReplayCommandRequiresReadableFile(t *testing.T) {
	t.Parallel()

	root := newRootCommand()
	root.SetOut(&bytes.Buffer{})
	root.SetArgs([]string{"replay", filepath.Join(t.TempDir(), "missing.jsonl")})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected error for missing file")
	}

	root = newRootCommand()
	root.SetArgs([]string{"replay"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected argument error")
	}
}

func TestTerminalSinkFormatsEvents(t *testing.T) {
	t.Parallel()

	var out bytes.Buffer
	sink := newTerminalSink(&out)

	sink.SessionPhaseChanged(domain.SessionPhaseInterview, domain.EndCauseNone)
	sink.ClockTicked(14*time.Minute+59*time.Second, domain.StageIntroduction)
	sink.ClockTicked(14*time.Minute, domain.StageIntroduction)
	sink.ViolationRecorded(0, 5)
	sink.ViolationRecorded(2, 5)
	sink.InterviewerTyping("Wel")
	sink.InterviewerTyping("come.")
	sink.TranscriptAppended(domain.TranscriptEntry{Role: domain.RoleInterviewer, Content: "Welcome."})
	sink.TranscriptAppended(domain.TranscriptEntry{Role: domain.RoleCandidate, Content: "Thanks."})
	sink.SessionPhaseChanged(domain.SessionPhaseTerminated, domain.EndCauseGazeAversion)

	want := strings.Join([]string{
		"[phase] interview",
		"[clock] 14m0s left, Introduction",
		"[violation] 2 of 5 allowed",
		"interviewer: Welcome.",
		"candidate: Thanks.",
		"[phase] terminated (excessive gaze aversion)",
	}, "\n") + "\n"
	if out.String() != want {
		t.Fatalf("unexpected output:\n%s\nwant:\n%s", out.String(), want)
	}

	select {
	case <-sink.Done():
		t.Fatalf("done before completion")
	default:
	}
	sink.SessionCompleted(domain.Outcome{})
	sink.SessionCompleted(domain.Outcome{})
	<-sink.Done()
}

func TestFormatOutcome(t *testing.T) {
	t.Parallel()

	got := formatOutcome(domain.Outcome{
		SessionID:  "s-1",
		Message:    "time expired",
		Violations: 1,
		Saved:      true,
		Results:    &domain.SessionResults{Score: 8, Summary: "Strong finish."},
	})
	if !strings.Contains(got, "s-1 ended: time expired, 1 violations, saved=true") || !strings.Contains(got, "score 8.0: Strong finish.") {
		t.Fatalf("unexpected outcome text: %q", got)
	}
}
