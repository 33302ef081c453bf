package awsstore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"proctorcall/internal/domain"
)

const analysisCompleted = "COMPLETED"

type itemGetter interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
}

// InsightsSource reads analysis results written by the insight pipeline.
type InsightsSource struct {
	client itemGetter
	table  string
}

type insightRecord struct {
	SessionID      string                 `dynamodbav:"session_id"`
	AnalysisStatus string                 `dynamodbav:"analysis_status"`
	Insights       *domain.SessionResults `dynamodbav:"insights"`
}

// FetchResults reports ready only once the session row is marked COMPLETED
// and carries insights. A missing row is not an error.
func (s *InsightsSource) FetchResults(ctx context.Context, sessionID string) (domain.SessionResults, bool, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            map[string]types.AttributeValue{"session_id": &types.AttributeValueMemberS{Value: sessionID}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.SessionResults{}, false, fmt.Errorf("failed to read insights: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return domain.SessionResults{}, false, nil
	}

	var record insightRecord
	if err := attributevalue.UnmarshalMap(out.Item, &record); err != nil {
		return domain.SessionResults{}, false, fmt.Errorf("invalid insights record: %w", err)
	}
	if record.AnalysisStatus != analysisCompleted || record.Insights == nil {
		return domain.SessionResults{}, false, nil
	}
	return *record.Insights, true, nil
}
