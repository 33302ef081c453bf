package domain

import "time"

// SessionPhase models the externally visible interview lifecycle.
type SessionPhase string

const (
	SessionPhaseCalibrating    SessionPhase = "calibrating"
	SessionPhaseAttentionSetup SessionPhase = "attention_setup"
	SessionPhaseInterview      SessionPhase = "interview"
	SessionPhaseSaving         SessionPhase = "saving"
	SessionPhaseCompleted      SessionPhase = "completed"
	SessionPhaseTerminated     SessionPhase = "terminated"
)

// Terminal reports whether no further transitions are possible without a restart.
func (p SessionPhase) Terminal() bool {
	return p == SessionPhaseCompleted || p == SessionPhaseTerminated
}

// EndCause explains why an interview stopped.
type EndCause string

const (
	EndCauseNone         EndCause = ""
	EndCauseGazeAversion EndCause = "gaze_aversion"
	EndCauseTimeExpired  EndCause = "time_expired"
	EndCauseManualEnd    EndCause = "manual_end"
)

// Message returns the human-readable cause shown to the candidate.
func (c EndCause) Message() string {
	switch c {
	case EndCauseGazeAversion:
		return "excessive gaze aversion"
	case EndCauseTimeExpired:
		return "time expired"
	case EndCauseManualEnd:
		return "manual end"
	default:
		return ""
	}
}

// AttentionState is the monitor's display classification.
type AttentionState string

const (
	AttentionCalibrating AttentionState = "calibrating"
	AttentionSafe        AttentionState = "safe"
	AttentionWarning     AttentionState = "warning"
)

// Point is a position in viewport pixels.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Landmark is a face-mesh point in normalized image coordinates.
type Landmark struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Pose is a head orientation in degrees.
type Pose struct {
	Yaw   float64 `json:"yaw"`
	Pitch float64 `json:"pitch"`
}

// Viewport is the interview surface the candidate should be looking at.
type Viewport struct {
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// AttentionSample is one estimated attention reading.
type AttentionSample struct {
	Present   bool
	Point     *Point
	Pose      *Pose
	Timestamp time.Time
}

// Role identifies the speaker of a transcript entry.
type Role string

const (
	RoleCandidate   Role = "candidate"
	RoleInterviewer Role = "interviewer"
)

// TranscriptEntry is an immutable line of the interview transcript.
type TranscriptEntry struct {
	ID        string    `json:"id"`
	Seq       int       `json:"seq"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// ConnectionPhase is the conversation channel lifecycle.
type ConnectionPhase string

const (
	ConnectionIdle       ConnectionPhase = "idle"
	ConnectionConnecting ConnectionPhase = "connecting"
	ConnectionOpen       ConnectionPhase = "open"
	ConnectionClosed     ConnectionPhase = "closed"
)

// ConnectionState is the channel's transport status.
type ConnectionState struct {
	Phase            ConnectionPhase `json:"phase"`
	DataChannelReady bool            `json:"dataChannelReady"`
}

// Activity is the turn-taking projection shown in the UI.
type Activity string

const (
	ActivityListening Activity = "listening"
	ActivityThinking  Activity = "thinking"
	ActivitySpeaking  Activity = "speaking"
)

// Stage is the agenda section derived from elapsed budget.
type Stage string

const (
	StageIntroduction Stage = "Introduction"
	StageTechnical    Stage = "Technical"
	StageBehavioral   Stage = "Behavioral"
	StageConclusion   Stage = "Conclusion"
)

// StageFor maps an elapsed fraction of the budget to an agenda stage.
func StageFor(elapsed float64) Stage {
	switch {
	case elapsed < 0.15:
		return StageIntroduction
	case elapsed < 0.55:
		return StageTechnical
	case elapsed < 0.85:
		return StageBehavioral
	default:
		return StageConclusion
	}
}

// ErrorCode identifies non-fatal and fatal engine errors.
type ErrorCode string

const (
	ErrorCodeStartup       ErrorCode = "startup"
	ErrorCodeDevice        ErrorCode = "device"
	ErrorCodeConnection    ErrorCode = "connection"
	ErrorCodeProtocol      ErrorCode = "protocol"
	ErrorCodeTranscription ErrorCode = "transcription"
	ErrorCodePersistence   ErrorCode = "persistence"
	ErrorCodeResults       ErrorCode = "results"
)

// TranscriptMessage is one message of the persisted transcript document.
type TranscriptMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptMetadata describes how the session ended.
type TranscriptMetadata struct {
	EndCause       EndCause `json:"end_cause"`
	EndMessage     string   `json:"end_message"`
	Violations     int      `json:"violations"`
	BudgetSeconds  int      `json:"budget_seconds"`
	ElapsedSeconds int      `json:"elapsed_seconds"`
	Model          string   `json:"model,omitempty"`
}

// TranscriptDocument is handed to the persistence collaborator.
type TranscriptDocument struct {
	SessionID      string              `json:"session_id"`
	InterviewStart time.Time           `json:"interview_start"`
	InterviewEnd   time.Time           `json:"interview_end"`
	TotalMessages  int                 `json:"total_messages"`
	Messages       []TranscriptMessage `json:"messages"`
	Metadata       TranscriptMetadata  `json:"metadata"`
}

// SessionResults are post-interview insights produced by the backend.
type SessionResults struct {
	Summary    string   `json:"summary" dynamodbav:"summary"`
	Strengths  []string `json:"strengths" dynamodbav:"strengths"`
	Weaknesses []string `json:"weaknesses" dynamodbav:"weaknesses"`
	Score      float64  `json:"score" dynamodbav:"score"`
	NextSteps  []string `json:"nextSteps" dynamodbav:"next_steps"`
}

// Outcome summarizes a finished session.
type Outcome struct {
	SessionID  string          `json:"sessionId"`
	Cause      EndCause        `json:"cause"`
	Message    string          `json:"message"`
	Violations int             `json:"violations"`
	Saved      bool            `json:"saved"`
	Results    *SessionResults `json:"results,omitempty"`
}

// Status summarizes the current runtime status.
type Status struct {
	SessionID      string          `json:"sessionId"`
	Phase          SessionPhase    `json:"phase"`
	Cause          EndCause        `json:"cause,omitempty"`
	Attention      AttentionState  `json:"attention"`
	Connection     ConnectionState `json:"connection"`
	Activity       Activity        `json:"activity"`
	Violations     int             `json:"violations"`
	ViolationLimit int             `json:"violationLimit"`
	Total          time.Duration   `json:"total"`
	Remaining      time.Duration   `json:"remaining"`
	Stage          Stage           `json:"stage"`
	Paused         bool            `json:"paused"`
	Message        string          `json:"message,omitempty"`
}
