package usecase

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"proctorcall/internal/domain"
	"proctorcall/internal/metrics"
	"proctorcall/internal/ports"
)

type finalizeResult struct {
	saved   bool
	results *domain.SessionResults
}

// transcriptFinalizer redacts, persists and enriches a finished transcript.
// Every step is best effort.
type transcriptFinalizer struct {
	store    ports.TranscriptStore
	results  ports.ResultsSource
	redactor ports.TextRedactor
	events   ports.EventSink
	logger   *zap.SugaredLogger
	metrics  *metrics.Metrics
	attempts int
	interval time.Duration
}

func (f transcriptFinalizer) Finalize(ctx context.Context, doc domain.TranscriptDocument) (result finalizeResult) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Errorw("transcript hand-off panicked", "session_id", doc.SessionID, "panic", fmt.Sprint(r))
			f.events.SessionError(domain.ErrorCodePersistence, "transcript hand-off failed unexpectedly")
		}
	}()

	doc = f.redact(doc)

	if f.store == nil {
		f.logger.Warnw("no transcript store configured; transcript not saved", "session_id", doc.SessionID)
		return result
	}
	if err := f.store.SaveTranscript(ctx, doc.SessionID, doc); err != nil {
		f.metrics.RecordPersistence("save", "error")
		f.logger.Errorw("failed to save transcript", "session_id", doc.SessionID, "error", err)
		f.events.SessionError(domain.ErrorCodePersistence, "transcript could not be saved")
		return result
	}
	f.metrics.RecordPersistence("save", "ok")
	result.saved = true
	f.logger.Infow("transcript saved", "session_id", doc.SessionID, "messages", doc.TotalMessages)

	result.results = f.poll(ctx, doc.SessionID)
	return result
}

func (f transcriptFinalizer) redact(doc domain.TranscriptDocument) domain.TranscriptDocument {
	if f.redactor == nil {
		return doc
	}
	messages := make([]domain.TranscriptMessage, len(doc.Messages))
	for i, message := range doc.Messages {
		message.Content = f.redactor.Apply(message.Content)
		messages[i] = message
	}
	doc.Messages = messages
	return doc
}

func (f transcriptFinalizer) poll(ctx context.Context, sessionID string) *domain.SessionResults {
	if f.results == nil || f.attempts <= 0 {
		return nil
	}

	for attempt := 1; attempt <= f.attempts; attempt++ {
		results, ready, err := f.results.FetchResults(ctx, sessionID)
		switch {
		case err != nil:
			f.metrics.RecordPersistence("results", "error")
			f.logger.Debugw("results lookup failed", "session_id", sessionID, "attempt", attempt, "error", err)
		case ready:
			f.metrics.RecordPersistence("results", "ok")
			return &results
		}

		if attempt == f.attempts {
			break
		}
		timer := time.NewTimer(f.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}

	f.metrics.RecordPersistence("results", "timeout")
	f.logger.Infow("results not ready; completing without them", "session_id", sessionID, "attempts", f.attempts)
	f.events.SessionError(domain.ErrorCodeResults, "interview feedback is still being prepared")
	return nil
}
