package ports

import (
	"context"
	"io"
	"time"

	"proctorcall/internal/domain"
)

// AudioConfig describes how the microphone should be captured.
type AudioConfig struct {
	SampleRate  int
	Channels    int
	InputFormat string
	InputDevice string
}

// AudioSession is a live capture session.
type AudioSession interface {
	io.ReadCloser
	Stop() error
}

// AudioCapture creates microphone capture sessions.
type AudioCapture interface {
	Start(ctx context.Context, cfg AudioConfig) (AudioSession, error)
}

// AudioPlayback plays interviewer audio as it arrives.
type AudioPlayback interface {
	Play(pcm []byte) error
	Flush()
	Close() error
}

// Credential is a short-lived secret for one realtime connection.
type Credential struct {
	Token     string
	Model     string
	ExpiresAt time.Time
}

// CredentialIssuer mints realtime credentials.
type CredentialIssuer interface {
	Issue(ctx context.Context) (Credential, error)
}

// TransportHandlers receive control-stream and media callbacks.
type TransportHandlers struct {
	OnOpen        func()
	OnMessage     func(payload []byte)
	OnRemoteAudio func(pcm []byte)
	OnClose       func(err error)
}

// RealtimeTransport is the media and control connection to the conversation service.
type RealtimeTransport interface {
	AttachAudio(track AudioSession) error
	OpenControl(handlers TransportHandlers) error
	Handshake(ctx context.Context, cred Credential) error
	SetAudioEnabled(enabled bool)
	Send(payload []byte) error
	Close() error
}

// TransportFactory establishes new media transports.
type TransportFactory interface {
	NewTransport() (RealtimeTransport, error)
}

// Observation is one raw reading from the face/gaze tracker.
type Observation struct {
	Present   bool              `json:"present"`
	Gaze      *domain.Point     `json:"gaze,omitempty"`
	Landmarks []domain.Landmark `json:"landmarks,omitempty"`
	Timestamp time.Time         `json:"-"`
}

// AttentionFeed yields observations from an opened video source.
type AttentionFeed interface {
	ID() string
	Detect(ctx context.Context) (Observation, error)
	Close() error
}

// AttentionSource opens the camera and inference pipeline.
type AttentionSource interface {
	Open(ctx context.Context) (AttentionFeed, error)
}

// VideoSurface displays the attention feed next to the interview.
type VideoSurface interface {
	AttachAttentionFeed(feedID string) error
	DetachAttentionFeed()
}

// TranscriptStore persists finished transcripts.
type TranscriptStore interface {
	SaveTranscript(ctx context.Context, sessionID string, doc domain.TranscriptDocument) error
}

// ResultsSource reports whether post-interview results are available.
type ResultsSource interface {
	FetchResults(ctx context.Context, sessionID string) (domain.SessionResults, bool, error)
}

// TextRedactor rewrites transcript text before it leaves the client. Rules
// are validated when the redactor is built, so applying them cannot fail.
type TextRedactor interface {
	Apply(text string) string
}

// EventSink emits engine state/events to the UI.
type EventSink interface {
	SessionPhaseChanged(phase domain.SessionPhase, cause domain.EndCause)
	AttentionChanged(state domain.AttentionState)
	ViolationRecorded(count int, limit int)
	ClockTicked(remaining time.Duration, stage domain.Stage)
	SessionPaused(paused bool)
	ConnectionChanged(state domain.ConnectionState)
	ActivityChanged(activity domain.Activity)
	TranscriptAppended(entry domain.TranscriptEntry)
	InterviewerTyping(delta string)
	SessionCompleted(outcome domain.Outcome)
	SessionError(code domain.ErrorCode, detail string)
}
