package awsstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"proctorcall/internal/domain"
)

type s3Putter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// TranscriptStore uploads transcript documents as transcripts/{session_id}.json.
// The upload is what triggers insight generation on the backend.
type TranscriptStore struct {
	client s3Putter
	bucket string
	prefix string
}

func (s *TranscriptStore) SaveTranscript(ctx context.Context, sessionID string, doc domain.TranscriptDocument) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return fmt.Errorf("missing session id")
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode transcript: %w", err)
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.Key(sessionID)),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return fmt.Errorf("failed to upload transcript: %w", err)
	}
	return nil
}

// Key returns the object key for a session.
func (s *TranscriptStore) Key(sessionID string) string {
	return s.prefix + sessionID + ".json"
}
