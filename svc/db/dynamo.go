package db

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"

	"quickpaste/metrics"
	"quickpaste/pkg/domain"
)

type dynamoAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DescribeTable(ctx context.Context, in *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// dynamoItem is the table layout. ttl is the table's TTL attribute, so
// DynamoDB removes expired items on its own schedule.
type dynamoItem struct {
	ID            string             `dynamodbav:"id"`
	Content       string             `dynamodbav:"content"`
	TTL           *int64             `dynamodbav:"ttl,omitempty"`
	CreatedAt     int64              `dynamodbav:"createdAt"`
	UploadedFiles []dynamoAttachment `dynamodbav:"uploadedFiles"`
}

type dynamoAttachment struct {
	FileName string `dynamodbav:"fileName"`
	URL      string `dynamodbav:"url"`
}

type Dynamo struct {
	api     dynamoAPI
	table   string
	timeout time.Duration
}

// NewDynamo connects to table using the default AWS credential chain.
// endpoint may point at DynamoDB Local.
func NewDynamo(ctx context.Context, table, region, endpoint string, timeout time.Duration) (*Dynamo, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	client := dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	d := newDynamo(client, table, timeout)
	if err := d.Ping(ctx); err != nil {
		return nil, errors.Wrap(err, "describe table")
	}
	return d, nil
}

func newDynamo(api dynamoAPI, table string, timeout time.Duration) *Dynamo {
	if timeout <= 0 {
		timeout = defaultQueryTimeout
	}
	return &Dynamo{api: api, table: table, timeout: timeout}
}

func (d *Dynamo) PutIfAbsent(ctx context.Context, rec *domain.PasteRecord) error {
	item := dynamoItem{
		ID:        rec.ID,
		Content:   rec.Content,
		TTL:       rec.ExpiresAt,
		CreatedAt: rec.CreatedAt,
	}
	item.UploadedFiles = make([]dynamoAttachment, 0, len(rec.Attachments))
	for _, a := range rec.Attachments {
		item.UploadedFiles = append(item.UploadedFiles, dynamoAttachment{FileName: a.FileName, URL: a.URL})
	}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return errors.Wrap(err, "marshal item")
	}
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err = d.api.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                aws.String(d.table),
		Item:                     av,
		ConditionExpression:      aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{"#id": "id"},
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return domain.ErrKeyExists
		}
		metrics.StoreErrors.WithLabelValues("put").Inc()
		return errors.Wrap(err, "dynamodb put")
	}
	return nil
}

func (d *Dynamo) Get(ctx context.Context, id string) (*domain.PasteRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(d.table),
		Key:            idKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("get").Inc()
		return nil, errors.Wrap(err, "dynamodb get")
	}
	if len(out.Item) == 0 {
		return nil, domain.ErrPasteNotFound
	}
	var item dynamoItem
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, errors.Wrap(err, "unmarshal item")
	}
	rec := &domain.PasteRecord{
		ID:          item.ID,
		Content:     item.Content,
		ExpiresAt:   item.TTL,
		CreatedAt:   item.CreatedAt,
		Attachments: make([]domain.Attachment, 0, len(item.UploadedFiles)),
	}
	for _, a := range item.UploadedFiles {
		rec.Attachments = append(rec.Attachments, domain.Attachment{FileName: a.FileName, URL: a.URL})
	}
	return rec, nil
}

func (d *Dynamo) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	out, err := d.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:                aws.String(d.table),
		Key:                      idKey(id),
		ConsistentRead:           aws.Bool(true),
		ProjectionExpression:     aws.String("#id"),
		ExpressionAttributeNames: map[string]string{"#id": "id"},
	})
	if err != nil {
		metrics.StoreErrors.WithLabelValues("exists").Inc()
		return false, errors.Wrap(err, "dynamodb exists")
	}
	return len(out.Item) > 0, nil
}

func (d *Dynamo) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	_, err := d.api.DescribeTable(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(d.table)})
	return err
}

func (d *Dynamo) Close() error {
	return nil
}

func idKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"id": &types.AttributeValueMemberS{Value: id},
	}
}
