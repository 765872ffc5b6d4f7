// Package dynamodb stores the exchange history in a DynamoDB table with hash
// key NodeID and range key RecordID, both strings.
package dynamodb

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awstypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"

	"bespoke/pkg/storage"
	"bespoke/pkg/types"
)

const (
	attrNodeID   = "NodeID"
	attrRecordID = "RecordID"
	attrMethod   = "Method"
	attrPath     = "Path"
	attrStatus   = "Status"
	attrOutcome  = "Outcome"
	attrStarted  = "Started"
	attrDuration = "DurationNanos"
)

// API is the subset of the DynamoDB client used by Storage.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// Options locate the table. Endpoint and static credentials are meant for
// DynamoDB Local; leave them empty to use the default AWS chain.
type Options struct {
	Table           string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// Storage is an exchange log backed by DynamoDB.
type Storage struct {
	client API
	table  string
}

var _ storage.ExchangeLog = (*Storage)(nil)

// New creates a Storage using client.
func New(client API, table string) *Storage {
	return &Storage{client: client, table: table}
}

// NewFromOptions loads the AWS configuration and builds a client for opts.
func NewFromOptions(ctx context.Context, opts Options) (*Storage, error) {
	if opts.Table == "" {
		return nil, fmt.Errorf("dynamodb history requires a table name")
	}

	var loadOpts []func(*config.LoadOptions) error
	if opts.Region != "" {
		loadOpts = append(loadOpts, config.WithRegion(opts.Region))
	}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})
	return New(client, opts.Table), nil
}

// Record stores rec, assigning an id if it has none.
func (s *Storage) Record(ctx context.Context, rec *types.ExchangeRecord) error {
	if rec.NodeID == "" {
		return fmt.Errorf("exchange record without node id")
	}
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("failed to generate record id: %w", err)
		}
		rec.ID = id.String()
	}

	_, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      encode(rec),
	})
	if err != nil {
		return fmt.Errorf("failed to put exchange record: %w", err)
	}
	return nil
}

// List returns up to limit records for nodeID, newest first.
func (s *Storage) List(ctx context.Context, nodeID string, limit int) ([]*types.ExchangeRecord, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	out, err := s.client.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(s.table),
		KeyConditionExpression: aws.String("#n = :n"),
		ExpressionAttributeNames: map[string]string{
			"#n": attrNodeID,
		},
		ExpressionAttributeValues: map[string]awstypes.AttributeValue{
			":n": &awstypes.AttributeValueMemberS{Value: nodeID},
		},
		ScanIndexForward: aws.Bool(false),
		Limit:            aws.Int32(int32(limit)),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query exchange records: %w", err)
	}

	records := make([]*types.ExchangeRecord, 0, len(out.Items))
	for _, item := range out.Items {
		rec, err := decode(item)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// Close is a no-op; the SDK client holds no resources that need releasing.
func (s *Storage) Close() error {
	return nil
}

func encode(rec *types.ExchangeRecord) map[string]awstypes.AttributeValue {
	return map[string]awstypes.AttributeValue{
		attrNodeID:   &awstypes.AttributeValueMemberS{Value: rec.NodeID},
		attrRecordID: &awstypes.AttributeValueMemberS{Value: rec.ID},
		attrMethod:   &awstypes.AttributeValueMemberS{Value: rec.Method},
		attrPath:     &awstypes.AttributeValueMemberS{Value: rec.Path},
		attrStatus:   &awstypes.AttributeValueMemberN{Value: strconv.Itoa(rec.Status)},
		attrOutcome:  &awstypes.AttributeValueMemberS{Value: string(rec.Outcome)},
		attrStarted:  &awstypes.AttributeValueMemberS{Value: rec.Started.UTC().Format(time.RFC3339Nano)},
		attrDuration: &awstypes.AttributeValueMemberN{Value: strconv.FormatInt(int64(rec.Duration), 10)},
	}
}

func decode(item map[string]awstypes.AttributeValue) (*types.ExchangeRecord, error) {
	str := func(name string) string {
		if v, ok := item[name].(*awstypes.AttributeValueMemberS); ok {
			return v.Value
		}
		return ""
	}
	num := func(name string) (int64, error) {
		v, ok := item[name].(*awstypes.AttributeValueMemberN)
		if !ok {
			return 0, nil
		}
		n, err := strconv.ParseInt(v.Value, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid number in attribute %s: %w", name, err)
		}
		return n, nil
	}

	rec := &types.ExchangeRecord{
		ID:      str(attrRecordID),
		NodeID:  str(attrNodeID),
		Method:  str(attrMethod),
		Path:    str(attrPath),
		Outcome: types.Outcome(str(attrOutcome)),
	}
	status, err := num(attrStatus)
	if err != nil {
		return nil, err
	}
	rec.Status = int(status)
	duration, err := num(attrDuration)
	if err != nil {
		return nil, err
	}
	rec.Duration = time.Duration(duration)
	if started := str(attrStarted); started != "" {
		t, err := time.Parse(time.RFC3339Nano, started)
		if err != nil {
			return nil, fmt.Errorf("invalid start time %q: %w", started, err)
		}
		rec.Started = t
	}
	return rec, nil
}
