// Package localstore writes transcripts to disk when no bucket is configured.
package localstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"proctorcall/internal/domain"
)

type TranscriptStore struct {
	dir string
}

func NewTranscriptStore(dir string) (*TranscriptStore, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, fmt.Errorf("missing transcript directory")
	}
	return &TranscriptStore{dir: dir}, nil
}

// SaveTranscript writes {dir}/transcripts/{session_id}.json atomically.
func (s *TranscriptStore) SaveTranscript(ctx context.Context, sessionID string, doc domain.TranscriptDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}

	target := s.Path(sessionID)
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Errorf("failed to create transcript directory: %w", err)
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode transcript: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), sessionID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write transcript: %w", err)
	}
	return nil
}

func (s *TranscriptStore) Path(sessionID string) string {
	return filepath.Join(s.dir, "transcripts", sessionID+".json")
}
