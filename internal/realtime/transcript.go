package realtime

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctorcall/internal/domain"
)

type draft struct {
	content   strings.Builder
	startedAt time.Time
}

// TranscriptAssembler turns streamed fragments into immutable transcript entries.
type TranscriptAssembler struct {
	mu      sync.Mutex
	now     func() time.Time
	entries []domain.TranscriptEntry
	draft   *draft
	frozen  bool
}

func NewTranscriptAssembler(now func() time.Time) *TranscriptAssembler {
	if now == nil {
		now = time.Now
	}
	return &TranscriptAssembler{now: now}
}

// BeginDraft opens a new interviewer draft. It reports whether an unfinished
// draft was discarded to make room.
func (a *TranscriptAssembler) BeginDraft() (orphaned bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.frozen {
		return false
	}
	orphaned = a.draft != nil
	a.draft = &draft{startedAt: a.now()}
	return orphaned
}

// AppendDelta adds text to the open draft. implicit is true when no draft was
// open and one had to be started.
func (a *TranscriptAssembler) AppendDelta(delta string) (implicit bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.frozen || delta == "" {
		return false
	}
	if a.draft == nil {
		a.draft = &draft{startedAt: a.now()}
		implicit = true
	}
	a.draft.content.WriteString(delta)
	return implicit
}

// FinalizeDraft closes the draft. The entry is the exact concatenation of the
// deltas. When the draft is blank the fallback text is used instead; nothing
// is appended when both are blank.
func (a *TranscriptAssembler) FinalizeDraft(fallback string) (domain.TranscriptEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.frozen {
		return domain.TranscriptEntry{}, false
	}
	current := a.draft
	a.draft = nil

	stamp := a.now()
	text := ""
	if current != nil {
		stamp = current.startedAt
		text = current.content.String()
	}
	if strings.TrimSpace(text) == "" {
		text = strings.TrimSpace(fallback)
	}
	if text == "" {
		return domain.TranscriptEntry{}, false
	}
	return a.appendLocked(domain.RoleInterviewer, text, stamp), true
}

// AppendCandidate records a completed candidate transcription.
func (a *TranscriptAssembler) AppendCandidate(text string) (domain.TranscriptEntry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	text = strings.TrimSpace(text)
	if a.frozen || text == "" {
		return domain.TranscriptEntry{}, false
	}
	return a.appendLocked(domain.RoleCandidate, text, a.now()), true
}

func (a *TranscriptAssembler) appendLocked(role domain.Role, content string, stamp time.Time) domain.TranscriptEntry {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	entry := domain.TranscriptEntry{
		ID:        id.String(),
		Seq:       len(a.entries) + 1,
		Role:      role,
		Content:   content,
		Timestamp: stamp,
	}
	a.entries = append(a.entries, entry)
	return entry
}

// Freeze stops all further mutation and drops any open draft. It reports
// whether a draft was dropped.
func (a *TranscriptAssembler) Freeze() (droppedDraft bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	droppedDraft = a.draft != nil && a.draft.content.Len() > 0
	a.draft = nil
	a.frozen = true
	return droppedDraft
}

// HasDraft reports whether an interviewer draft is open.
func (a *TranscriptAssembler) HasDraft() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.draft != nil
}

func (a *TranscriptAssembler) Entries() []domain.TranscriptEntry {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]domain.TranscriptEntry, len(a.entries))
	copy(out, a.entries)
	return out
}

func (a *TranscriptAssembler) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.entries = nil
	a.draft = nil
	a.frozen = false
}
