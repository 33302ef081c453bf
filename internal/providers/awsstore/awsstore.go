// Package awsstore persists transcripts to S3 and reads post-interview
// insights from DynamoDB.
package awsstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config selects the bucket and table used by the backend pipeline.
type Config struct {
	Region    string
	Bucket    string
	Table     string
	KeyPrefix string
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.KeyPrefix) == "" {
		c.KeyPrefix = "transcripts/"
	}
	if !strings.HasSuffix(c.KeyPrefix, "/") {
		c.KeyPrefix += "/"
	}
	return c
}

// New builds both collaborators from the default AWS credential chain.
// Either return value is nil when its bucket or table is not configured.
func New(cfg Config) (*TranscriptStore, *InsightsSource, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.Bucket) == "" && strings.TrimSpace(cfg.Table) == "" {
		return nil, nil, fmt.Errorf("missing bucket and table")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var opts []func(*config.LoadOptions) error
	if region := strings.TrimSpace(cfg.Region); region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	var store *TranscriptStore
	if cfg.Bucket != "" {
		store = &TranscriptStore{client: s3.NewFromConfig(awsCfg), bucket: cfg.Bucket, prefix: cfg.KeyPrefix}
	}
	var insights *InsightsSource
	if cfg.Table != "" {
		insights = &InsightsSource{client: dynamodb.NewFromConfig(awsCfg), table: cfg.Table}
	}
	return store, insights, nil
}
