// Package dynamo implements the keyed store on a DynamoDB table with partition
// key id, sort key timestamp and a global secondary index on
// (category, timestamp).
package dynamo

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	dtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/tallyhq/tally/internal/store"
	"github.com/tallyhq/tally/pkg/types"
)

// DefaultIndex is the name of the (category, timestamp) index.
const DefaultIndex = "category-timestamp-index"

const (
	attrID          = "id"
	attrTimestamp   = "timestamp"
	attrCategory    = "category"
	attrMetricValue = "metric_value"
)

// API is the subset of the DynamoDB client used by Store.
type API interface {
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Config holds DynamoDB store configuration.
type Config struct {
	Table    string
	Index    string
	Region   string
	Endpoint string
}

// Store is a store.Store backed by DynamoDB.
type Store struct {
	client API
	table  string
	index  string
}

var _ store.Store = (*Store)(nil)

// New creates a store using the default AWS credential chain.
func New(ctx context.Context, cfg Config) (*Store, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("dynamo: failed to load AWS config: %w", err)
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return NewWithClient(client, cfg)
}

// NewWithClient creates a store over an existing client.
func NewWithClient(client API, cfg Config) (*Store, error) {
	if cfg.Table == "" {
		return nil, fmt.Errorf("dynamo: table name is required")
	}
	if cfg.Index == "" {
		cfg.Index = DefaultIndex
	}
	return &Store{client: client, table: cfg.Table, index: cfg.Index}, nil
}

// Put writes item unconditionally, replacing any item with the same key.
func (s *Store) Put(ctx context.Context, item types.StoredItem) error {
	if err := item.ValidateKey(); err != nil {
		return err
	}
	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      encodeItem(item),
	})
	if err != nil {
		return fmt.Errorf("dynamo: put item %s@%s failed: %w", item.ID, item.Timestamp, err)
	}
	return nil
}

// QueryByCategory queries the category index for the window.
func (s *Store) QueryByCategory(ctx context.Context, category string, start, end time.Time) ([]types.StoredItem, error) {
	from, to := store.Bounds(start, end)
	keyCond := expression.Key(attrCategory).Equal(expression.Value(category)).
		And(expression.Key(attrTimestamp).Between(expression.Value(from), expression.Value(to)))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCond).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamo: failed to build key condition: %w", err)
	}

	p := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.table),
		IndexName:                 aws.String(s.index),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	items := []types.StoredItem{}
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamo: query %s failed: %w", s.index, err)
		}
		if items, err = appendDecoded(items, page.Items); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// ScanByTimeRange scans the whole table with a timestamp filter.
func (s *Store) ScanByTimeRange(ctx context.Context, start, end time.Time) ([]types.StoredItem, error) {
	from, to := store.Bounds(start, end)
	filt := expression.Name(attrTimestamp).Between(expression.Value(from), expression.Value(to))
	expr, err := expression.NewBuilder().WithFilter(filt).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamo: failed to build filter: %w", err)
	}

	p := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.table),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	items := []types.StoredItem{}
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("dynamo: scan %s failed: %w", s.table, err)
		}
		if items, err = appendDecoded(items, page.Items); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *Store) Close() error { return nil }

func encodeItem(item types.StoredItem) map[string]dtypes.AttributeValue {
	av := map[string]dtypes.AttributeValue{
		attrID:          &dtypes.AttributeValueMemberS{Value: item.ID},
		attrTimestamp:   &dtypes.AttributeValueMemberS{Value: item.Timestamp},
		attrMetricValue: &dtypes.AttributeValueMemberN{Value: item.MetricValue.String()},
	}
	if item.Category != nil {
		av[attrCategory] = &dtypes.AttributeValueMemberS{Value: *item.Category}
	}
	return av
}

func appendDecoded(items []types.StoredItem, raw []map[string]dtypes.AttributeValue) ([]types.StoredItem, error) {
	for _, av := range raw {
		item, err := decodeItem(av)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, nil
}

func decodeItem(av map[string]dtypes.AttributeValue) (types.StoredItem, error) {
	item := types.StoredItem{MetricValue: types.DefaultMetricValue}
	if v, ok := av[attrID].(*dtypes.AttributeValueMemberS); ok {
		item.ID = v.Value
	}
	if v, ok := av[attrTimestamp].(*dtypes.AttributeValueMemberS); ok {
		item.Timestamp = v.Value
	}
	if v, ok := av[attrCategory].(*dtypes.AttributeValueMemberS); ok {
		item.Category = types.StringPtr(v.Value)
	}
	if v, ok := av[attrMetricValue].(*dtypes.AttributeValueMemberN); ok {
		d, err := decimal.NewFromString(v.Value)
		if err != nil {
			return types.StoredItem{}, fmt.Errorf("dynamo: item %s@%s has invalid metric_value %q: %w", item.ID, item.Timestamp, v.Value, err)
		}
		item.MetricValue = d
	}
	return item, nil
}
