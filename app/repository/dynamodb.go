package repository

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/entity"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

const (
	dynamoTransactionsTable    = "transactions"
	dynamoProcessedEventsTable = "processed_events"
	dynamoWebhookLogsTable     = "webhook_logs"
	dynamoRequestIDIndex       = "request_id-index"
)

// DynamoDBAPI is the subset of the DynamoDB client used by the repositories.
type DynamoDBAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

type DynamoDBOptions struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// NewDynamoDBClient builds a client from the default AWS chain. Static
// credentials and a custom endpoint are only used when set (local DynamoDB).
func NewDynamoDBClient(ctx context.Context, opts DynamoDBOptions) (*dynamodb.Client, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(opts.Region),
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, err
	}

	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	}), nil
}

type dynamoTransactionItem struct {
	Reference                string                `dynamodbav:"reference"`
	RequestID                string                `dynamodbav:"request_id,omitempty"`
	Provider                 string                `dynamodbav:"provider"`
	Kind                     string                `dynamodbav:"kind"`
	ProviderReference        string                `dynamodbav:"provider_reference,omitempty"`
	SubscriptionReference    string                `dynamodbav:"subscription_reference,omitempty"`
	Status                   string                `dynamodbav:"status"`
	History                  []entity.StatusChange `dynamodbav:"history"`
	Amount                   int64                 `dynamodbav:"amount"`
	Currency                 string                `dynamodbav:"currency"`
	CreditedAmount           int64                 `dynamodbav:"credited_amount"`
	Description              string                `dynamodbav:"description"`
	PayerEmail               string                `dynamodbav:"payer_email"`
	RedirectURL              string                `dynamodbav:"redirect_url,omitempty"`
	ExpiresAt                *int64                `dynamodbav:"expires_at,omitempty"`
	StatusCallbackURL        string                `dynamodbav:"status_callback_url"`
	Metadata                 map[string]string     `dynamodbav:"metadata"`
	CallbackDeliveryStatus   int32                 `dynamodbav:"callback_delivery_status"`
	CallbackDeliveryAttempts int32                 `dynamodbav:"callback_delivery_attempts"`
	CallbackDeliveryNextAt   *int64                `dynamodbav:"callback_delivery_next_at,omitempty"`
	CallbackDeliveryLastErr  *string               `dynamodbav:"callback_delivery_last_error,omitempty"`
	Version                  int64                 `dynamodbav:"version"`
	CreatedAt                int64                 `dynamodbav:"created_at"`
	UpdatedAt                int64                 `dynamodbav:"updated_at"`
}

type DynamoTransactionRepository struct {
	ddb       DynamoDBAPI
	tableName string
}

func NewDynamoTransactionRepository(ddb DynamoDBAPI, tablePrefix string) *DynamoTransactionRepository {
	return &DynamoTransactionRepository{ddb: ddb, tableName: tablePrefix + dynamoTransactionsTable}
}

func (r *DynamoTransactionRepository) Create(ctx context.Context, tx *entity.Transaction) error {
	if tx.RequestID != "" {
		existing, err := r.FindByRequestID(ctx, tx.RequestID)
		if err != nil {
			return err
		}
		if existing != nil {
			return ErrTransactionAlreadyExists
		}
	}

	it := toDynamoTransactionItem(tx)
	it.Version = 1
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return err
	}

	_, err = r.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(#ref)"),
		ExpressionAttributeNames: map[string]string{
			"#ref": "reference",
		},
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrTransactionAlreadyExists
		}
		return err
	}

	tx.Version = 1
	return nil
}

func (r *DynamoTransactionRepository) Update(ctx context.Context, tx *entity.Transaction, expectedVersion int64) error {
	it := toDynamoTransactionItem(tx)
	it.Version = expectedVersion + 1
	av, err := attributevalue.MarshalMap(it)
	if err != nil {
		return err
	}

	_, err = r.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_exists(#ref) AND #version = :expected"),
		ExpressionAttributeNames: map[string]string{
			"#ref":     "reference",
			"#version": "version",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":expected": numberValue(expectedVersion),
		},
	})
	if err != nil {
		if !isConditionalCheckFailed(err) {
			return err
		}
		current, findErr := r.FindByReference(ctx, tx.Reference)
		if findErr != nil {
			return findErr
		}
		if current == nil {
			return ErrTransactionNotFound
		}
		return ErrVersionConflict
	}

	tx.Version = expectedVersion + 1
	return nil
}

func (r *DynamoTransactionRepository) FindByReference(ctx context.Context, reference string) (*entity.Transaction, error) {
	out, err := r.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]ddbtypes.AttributeValue{
			"reference": &ddbtypes.AttributeValueMemberS{Value: reference},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Item) == 0 {
		return nil, nil
	}

	var it dynamoTransactionItem
	if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
		return nil, err
	}
	return fromDynamoTransactionItem(it), nil
}

func (r *DynamoTransactionRepository) FindByRequestID(ctx context.Context, requestID string) (*entity.Transaction, error) {
	out, err := r.ddb.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.tableName),
		IndexName:              aws.String(dynamoRequestIDIndex),
		KeyConditionExpression: aws.String("request_id = :rid"),
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":rid": &ddbtypes.AttributeValueMemberS{Value: requestID},
		},
		Limit: aws.Int32(1),
	})
	if err != nil {
		return nil, err
	}
	if len(out.Items) == 0 {
		return nil, nil
	}

	var it dynamoTransactionItem
	if err := attributevalue.UnmarshalMap(out.Items[0], &it); err != nil {
		return nil, err
	}
	return fromDynamoTransactionItem(it), nil
}

func (r *DynamoTransactionRepository) ListForReconcile(ctx context.Context, before time.Time, limit int32) ([]*entity.Transaction, error) {
	items, err := r.scan(ctx, limit,
		"#status IN (:created, :pending) AND updated_at <= :before",
		map[string]string{"#status": "status"},
		map[string]ddbtypes.AttributeValue{
			":created": &ddbtypes.AttributeValueMemberS{Value: string(types.StatusCreated)},
			":pending": &ddbtypes.AttributeValueMemberS{Value: string(types.StatusPending)},
			":before":  numberValue(before.UnixMilli()),
		},
	)
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool { return items[i].UpdatedAt.Before(items[j].UpdatedAt) })
	return items, nil
}

func (r *DynamoTransactionRepository) ListDueCallbackDispatch(ctx context.Context, now time.Time, limit int32) ([]*entity.Transaction, error) {
	items, err := r.scan(ctx, limit,
		"callback_delivery_status = :pending AND callback_delivery_next_at <= :now",
		nil,
		map[string]ddbtypes.AttributeValue{
			":pending": numberValue(int64(entity.CallbackDeliveryPending)),
			":now":     numberValue(now.UnixMilli()),
		},
	)
	if err != nil {
		return nil, err
	}

	sort.Slice(items, func(i, j int) bool {
		return items[i].CallbackDeliveryNextAt.Before(*items[j].CallbackDeliveryNextAt)
	})
	return items, nil
}

// scan pages through the table until limit matches are collected. The jobs
// that use it run in the background, so a filtered scan is acceptable.
func (r *DynamoTransactionRepository) scan(
	ctx context.Context,
	limit int32,
	filter string,
	names map[string]string,
	values map[string]ddbtypes.AttributeValue,
) ([]*entity.Transaction, error) {
	items := make([]*entity.Transaction, 0)
	var startKey map[string]ddbtypes.AttributeValue

	for {
		input := &dynamodb.ScanInput{
			TableName:                 aws.String(r.tableName),
			FilterExpression:          aws.String(filter),
			ExpressionAttributeValues: values,
			ExclusiveStartKey:         startKey,
		}
		if len(names) > 0 {
			input.ExpressionAttributeNames = names
		}

		out, err := r.ddb.Scan(ctx, input)
		if err != nil {
			return nil, err
		}

		for _, raw := range out.Items {
			var it dynamoTransactionItem
			if err := attributevalue.UnmarshalMap(raw, &it); err != nil {
				return nil, err
			}
			items = append(items, fromDynamoTransactionItem(it))
			if limit > 0 && len(items) >= int(limit) {
				return items, nil
			}
		}

		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		startKey = out.LastEvaluatedKey
	}
}

func toDynamoTransactionItem(tx *entity.Transaction) dynamoTransactionItem {
	history := tx.History
	if history == nil {
		history = []entity.StatusChange{}
	}
	metadata := tx.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}

	return dynamoTransactionItem{
		Reference:                tx.Reference,
		RequestID:                strings.TrimSpace(tx.RequestID),
		Provider:                 string(tx.Provider),
		Kind:                     string(tx.Kind),
		ProviderReference:        tx.ProviderReference,
		SubscriptionReference:    tx.SubscriptionReference,
		Status:                   string(tx.Status),
		History:                  history,
		Amount:                   tx.Amount,
		Currency:                 tx.Currency,
		CreditedAmount:           tx.CreditedAmount,
		Description:              tx.Description,
		PayerEmail:               tx.PayerEmail,
		RedirectURL:              tx.RedirectURL,
		ExpiresAt:                millisPtr(tx.ExpiresAt),
		StatusCallbackURL:        tx.StatusCallbackURL,
		Metadata:                 metadata,
		CallbackDeliveryStatus:   tx.CallbackDeliveryStatus,
		CallbackDeliveryAttempts: tx.CallbackDeliveryAttempts,
		CallbackDeliveryNextAt:   millisPtr(tx.CallbackDeliveryNextAt),
		CallbackDeliveryLastErr:  tx.CallbackDeliveryLastErr,
		Version:                  tx.Version,
		CreatedAt:                tx.CreatedAt.UnixMilli(),
		UpdatedAt:                tx.UpdatedAt.UnixMilli(),
	}
}

func fromDynamoTransactionItem(it dynamoTransactionItem) *entity.Transaction {
	metadata := it.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	history := it.History
	if history == nil {
		history = []entity.StatusChange{}
	}

	return &entity.Transaction{
		Reference:                it.Reference,
		RequestID:                it.RequestID,
		Provider:                 types.ProviderID(it.Provider),
		Kind:                     types.TransactionKind(it.Kind),
		ProviderReference:        it.ProviderReference,
		SubscriptionReference:    it.SubscriptionReference,
		Status:                   types.TransactionStatus(it.Status),
		History:                  history,
		Amount:                   it.Amount,
		Currency:                 it.Currency,
		CreditedAmount:           it.CreditedAmount,
		Description:              it.Description,
		PayerEmail:               it.PayerEmail,
		RedirectURL:              it.RedirectURL,
		ExpiresAt:                timeFromMillisPtr(it.ExpiresAt),
		StatusCallbackURL:        it.StatusCallbackURL,
		Metadata:                 metadata,
		CallbackDeliveryStatus:   it.CallbackDeliveryStatus,
		CallbackDeliveryAttempts: it.CallbackDeliveryAttempts,
		CallbackDeliveryNextAt:   timeFromMillisPtr(it.CallbackDeliveryNextAt),
		CallbackDeliveryLastErr:  it.CallbackDeliveryLastErr,
		Version:                  it.Version,
		CreatedAt:                time.UnixMilli(it.CreatedAt).UTC(),
		UpdatedAt:                time.UnixMilli(it.UpdatedAt).UTC(),
	}
}

type dynamoProcessedEventItem struct {
	ID             string `dynamodbav:"id"`
	Provider       string `dynamodbav:"provider"`
	EventID        string `dynamodbav:"event_id"`
	TransactionRef string `dynamodbav:"transaction_ref,omitempty"`
	CreatedAt      int64  `dynamodbav:"created_at"`
}

type DynamoProcessedEventRepository struct {
	ddb       DynamoDBAPI
	tableName string
	now       func() time.Time
}

func NewDynamoProcessedEventRepository(ddb DynamoDBAPI, tablePrefix string) *DynamoProcessedEventRepository {
	return &DynamoProcessedEventRepository{ddb: ddb, tableName: tablePrefix + dynamoProcessedEventsTable, now: time.Now}
}

func (r *DynamoProcessedEventRepository) CheckAndMark(ctx context.Context, provider, eventID string) (*entity.MarkResult, error) {
	key := eventKey(provider, eventID)
	av, err := attributevalue.MarshalMap(dynamoProcessedEventItem{
		ID:        key,
		Provider:  provider,
		EventID:   eventID,
		CreatedAt: r.now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}

	_, err = r.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(r.tableName),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(#id)"),
		ExpressionAttributeNames: map[string]string{
			"#id": "id",
		},
	})
	if err == nil {
		return &entity.MarkResult{}, nil
	}
	if !isConditionalCheckFailed(err) {
		return nil, err
	}

	out, err := r.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]ddbtypes.AttributeValue{
			"id": &ddbtypes.AttributeValueMemberS{Value: key},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}

	result := &entity.MarkResult{AlreadyProcessed: true}
	if len(out.Item) > 0 {
		var it dynamoProcessedEventItem
		if err := attributevalue.UnmarshalMap(out.Item, &it); err != nil {
			return nil, err
		}
		result.TransactionRef = it.TransactionRef
	}
	return result, nil
}

func (r *DynamoProcessedEventRepository) Complete(ctx context.Context, provider, eventID, transactionRef string) error {
	_, err := r.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]ddbtypes.AttributeValue{
			"id": &ddbtypes.AttributeValueMemberS{Value: eventKey(provider, eventID)},
		},
		UpdateExpression:    aws.String("SET transaction_ref = :ref"),
		ConditionExpression: aws.String("attribute_exists(#id)"),
		ExpressionAttributeNames: map[string]string{
			"#id": "id",
		},
		ExpressionAttributeValues: map[string]ddbtypes.AttributeValue{
			":ref": &ddbtypes.AttributeValueMemberS{Value: transactionRef},
		},
	})
	if isConditionalCheckFailed(err) {
		return nil
	}
	return err
}

func (r *DynamoProcessedEventRepository) Release(ctx context.Context, provider, eventID string) error {
	_, err := r.ddb.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.tableName),
		Key: map[string]ddbtypes.AttributeValue{
			"id": &ddbtypes.AttributeValueMemberS{Value: eventKey(provider, eventID)},
		},
	})
	return err
}

type dynamoWebhookLogItem struct {
	ID             string  `dynamodbav:"id"`
	Provider       string  `dynamodbav:"provider"`
	EventID        string  `dynamodbav:"event_id,omitempty"`
	TransactionRef string  `dynamodbav:"transaction_ref,omitempty"`
	Checksum       string  `dynamodbav:"checksum"`
	Payload        string  `dynamodbav:"payload"`
	Status         int32   `dynamodbav:"status"`
	Error          *string `dynamodbav:"error,omitempty"`
	CreatedAt      int64   `dynamodbav:"created_at"`
}

type DynamoWebhookLogRepository struct {
	ddb       DynamoDBAPI
	tableName string
}

func NewDynamoWebhookLogRepository(ddb DynamoDBAPI, tablePrefix string) *DynamoWebhookLogRepository {
	return &DynamoWebhookLogRepository{ddb: ddb, tableName: tablePrefix + dynamoWebhookLogsTable}
}

// Create stores the log under a random key. log.ID stays zero since DynamoDB
// has no sequence to hand out.
func (r *DynamoWebhookLogRepository) Create(ctx context.Context, log *entity.WebhookLog) error {
	av, err := attributevalue.MarshalMap(dynamoWebhookLogItem{
		ID:             uuid.NewString(),
		Provider:       log.Provider,
		EventID:        log.EventID,
		TransactionRef: log.TransactionRef,
		Checksum:       log.Checksum,
		Payload:        log.Payload,
		Status:         log.Status,
		Error:          log.Error,
		CreatedAt:      log.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return err
	}

	_, err = r.ddb.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(r.tableName),
		Item:      av,
	})
	return err
}

func isConditionalCheckFailed(err error) bool {
	var ccf *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}

func numberValue(n int64) ddbtypes.AttributeValue {
	v, _ := attributevalue.Marshal(n)
	return v
}

func millisPtr(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func timeFromMillisPtr(ms *int64) *time.Time {
	if ms == nil {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}
