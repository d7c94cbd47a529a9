package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/entity"
	"github.com/vibast-solutions/ms-go-payment-gateway/app/types"
)

type fakeDynamo struct {
	putItemFn    func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	getItemFn    func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	updateItemFn func(*dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error)
	deleteItemFn func(*dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error)
	queryFn      func(*dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	scanFn       func(*dynamodb.ScanInput) (*dynamodb.ScanOutput, error)
}

func (f *fakeDynamo) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.putItemFn == nil {
		return &dynamodb.PutItemOutput{}, nil
	}
	return f.putItemFn(in)
}

func (f *fakeDynamo) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getItemFn == nil {
		return &dynamodb.GetItemOutput{}, nil
	}
	return f.getItemFn(in)
}

func (f *fakeDynamo) UpdateItem(_ context.Context, in *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	if f.updateItemFn == nil {
		return &dynamodb.UpdateItemOutput{}, nil
	}
	return f.updateItemFn(in)
}

func (f *fakeDynamo) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if f.deleteItemFn == nil {
		return &dynamodb.DeleteItemOutput{}, nil
	}
	return f.deleteItemFn(in)
}

func (f *fakeDynamo) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if f.queryFn == nil {
		return &dynamodb.QueryOutput{}, nil
	}
	return f.queryFn(in)
}

func (f *fakeDynamo) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if f.scanFn == nil {
		return &dynamodb.ScanOutput{}, nil
	}
	return f.scanFn(in)
}

func conditionFailed() error {
	return &ddbtypes.ConditionalCheckFailedException{Message: aws.String("conditional request failed")}
}

func marshalItem(t *testing.T, v interface{}) map[string]ddbtypes.AttributeValue {
	t.Helper()
	av, err := attributevalue.MarshalMap(v)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return av
}

func TestDynamoTransactionItemRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := now.Add(time.Minute)
	lastErr := "timeout"
	tx := &entity.Transaction{
		Reference:         "ref-1",
		RequestID:         "req-1",
		Provider:          types.ProviderMercadoPago,
		Kind:              types.KindSubscription,
		ProviderReference: "pref-1",
		Status:            types.StatusPaid,
		History: []entity.StatusChange{
			{Status: types.StatusPaid, Applied: true, Source: entity.SourceWebhook, EventID: "evt-1", Amount: 990, Currency: "USD", At: now},
		},
		Amount:                  990,
		Currency:                "USD",
		CreditedAmount:          990,
		Metadata:                map[string]string{"k": "v"},
		CallbackDeliveryStatus:  entity.CallbackDeliveryPending,
		CallbackDeliveryNextAt:  &next,
		CallbackDeliveryLastErr: &lastErr,
		Version:                 4,
		CreatedAt:               now,
		UpdatedAt:               now,
	}

	av := marshalItem(t, toDynamoTransactionItem(tx))
	var it dynamoTransactionItem
	if err := attributevalue.UnmarshalMap(av, &it); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	got := fromDynamoTransactionItem(it)

	if got.Reference != "ref-1" || got.Provider != types.ProviderMercadoPago || got.Status != types.StatusPaid {
		t.Fatalf("unexpected identity fields: %+v", got)
	}
	if got.CreditedAmount != 990 || got.Version != 4 || got.Metadata["k"] != "v" {
		t.Fatalf("unexpected amounts: %+v", got)
	}
	if len(got.History) != 1 || got.History[0].EventID != "evt-1" || !got.History[0].At.Equal(now) {
		t.Fatalf("unexpected history: %+v", got.History)
	}
	if got.CallbackDeliveryNextAt == nil || !got.CallbackDeliveryNextAt.Equal(next) {
		t.Fatalf("unexpected next at: %v", got.CallbackDeliveryNextAt)
	}
	if !got.CreatedAt.Equal(now) || got.ExpiresAt != nil {
		t.Fatalf("unexpected timestamps: %+v", got)
	}
}

func TestDynamoTransactionCreateConditional(t *testing.T) {
	var captured *dynamodb.PutItemInput
	fake := &fakeDynamo{
		putItemFn: func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			captured = in
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	repo := NewDynamoTransactionRepository(fake, "gw_")

	tx := &entity.Transaction{Reference: "ref-1", Status: types.StatusCreated, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	if err := repo.Create(context.Background(), tx); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if tx.Version != 1 {
		t.Fatalf("expected version 1, got %d", tx.Version)
	}
	if aws.ToString(captured.TableName) != "gw_transactions" {
		t.Fatalf("unexpected table: %s", aws.ToString(captured.TableName))
	}
	if aws.ToString(captured.ConditionExpression) != "attribute_not_exists(#ref)" {
		t.Fatalf("unexpected condition: %s", aws.ToString(captured.ConditionExpression))
	}

	fake.putItemFn = func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		return nil, conditionFailed()
	}
	if err := repo.Create(context.Background(), tx); !errors.Is(err, ErrTransactionAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
}

func TestDynamoTransactionCreateRejectsKnownRequestID(t *testing.T) {
	fake := &fakeDynamo{
		queryFn: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
			if aws.ToString(in.IndexName) != dynamoRequestIDIndex {
				t.Errorf("unexpected index: %s", aws.ToString(in.IndexName))
			}
			return &dynamodb.QueryOutput{Items: []map[string]ddbtypes.AttributeValue{
				marshalItem(t, dynamoTransactionItem{Reference: "ref-0", RequestID: "req-1", Version: 1}),
			}}, nil
		},
		putItemFn: func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			t.Errorf("put must not run when the request id is known")
			return &dynamodb.PutItemOutput{}, nil
		},
	}
	repo := NewDynamoTransactionRepository(fake, "")

	err := repo.Create(context.Background(), &entity.Transaction{Reference: "ref-1", RequestID: "req-1"})
	if !errors.Is(err, ErrTransactionAlreadyExists) {
		t.Fatalf("expected already exists, got %v", err)
	}
}

func TestDynamoTransactionUpdateConflictVsNotFound(t *testing.T) {
	stored := true
	fake := &fakeDynamo{
		putItemFn: func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			expected, ok := in.ExpressionAttributeValues[":expected"].(*ddbtypes.AttributeValueMemberN)
			if !ok || expected.Value != "3" {
				t.Errorf("unexpected expected version: %#v", in.ExpressionAttributeValues[":expected"])
			}
			return nil, conditionFailed()
		},
		getItemFn: func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			if !stored {
				return &dynamodb.GetItemOutput{}, nil
			}
			return &dynamodb.GetItemOutput{Item: marshalItem(t, dynamoTransactionItem{Reference: "ref-1", Version: 4})}, nil
		},
	}
	repo := NewDynamoTransactionRepository(fake, "")
	tx := &entity.Transaction{Reference: "ref-1", Version: 3}

	if err := repo.Update(context.Background(), tx, 3); !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	stored = false
	if err := repo.Update(context.Background(), tx, 3); !errors.Is(err, ErrTransactionNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if tx.Version != 3 {
		t.Fatalf("failed update must not advance the version")
	}

	fake.putItemFn = func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		return &dynamodb.PutItemOutput{}, nil
	}
	if err := repo.Update(context.Background(), tx, 3); err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if tx.Version != 4 {
		t.Fatalf("expected version 4, got %d", tx.Version)
	}
}

func TestDynamoTransactionScanPagesUntilLimit(t *testing.T) {
	calls := 0
	fake := &fakeDynamo{
		scanFn: func(in *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
			calls++
			if in.ExpressionAttributeNames["#status"] != "status" {
				t.Errorf("status must be aliased, got %v", in.ExpressionAttributeNames)
			}
			switch calls {
			case 1:
				return &dynamodb.ScanOutput{
					Items: []map[string]ddbtypes.AttributeValue{
						marshalItem(t, dynamoTransactionItem{Reference: "b", Status: "PENDING", UpdatedAt: 20}),
					},
					LastEvaluatedKey: map[string]ddbtypes.AttributeValue{
						"reference": &ddbtypes.AttributeValueMemberS{Value: "b"},
					},
				}, nil
			default:
				if in.ExclusiveStartKey == nil {
					t.Errorf("expected the second page to resume from the last key")
				}
				return &dynamodb.ScanOutput{
					Items: []map[string]ddbtypes.AttributeValue{
						marshalItem(t, dynamoTransactionItem{Reference: "a", Status: "CREATED", UpdatedAt: 10}),
						marshalItem(t, dynamoTransactionItem{Reference: "c", Status: "CREATED", UpdatedAt: 30}),
					},
				}, nil
			}
		},
	}
	repo := NewDynamoTransactionRepository(fake, "")

	items, err := repo.ListForReconcile(context.Background(), time.UnixMilli(1000), 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected two scan pages, got %d", calls)
	}
	if len(items) != 2 || items[0].Reference != "a" || items[1].Reference != "b" {
		t.Fatalf("unexpected items: %v", references(items))
	}
}

func TestDynamoCheckAndMark(t *testing.T) {
	marked := map[string]dynamoProcessedEventItem{}
	fake := &fakeDynamo{
		putItemFn: func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
			var it dynamoProcessedEventItem
			if err := attributevalue.UnmarshalMap(in.Item, &it); err != nil {
				return nil, err
			}
			if _, ok := marked[it.ID]; ok {
				return nil, conditionFailed()
			}
			marked[it.ID] = it
			return &dynamodb.PutItemOutput{}, nil
		},
		getItemFn: func(in *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
			id := in.Key["id"].(*ddbtypes.AttributeValueMemberS).Value
			it, ok := marked[id]
			if !ok {
				return &dynamodb.GetItemOutput{}, nil
			}
			return &dynamodb.GetItemOutput{Item: marshalItem(t, it)}, nil
		},
		updateItemFn: func(in *dynamodb.UpdateItemInput) (*dynamodb.UpdateItemOutput, error) {
			id := in.Key["id"].(*ddbtypes.AttributeValueMemberS).Value
			it, ok := marked[id]
			if !ok {
				return nil, conditionFailed()
			}
			it.TransactionRef = in.ExpressionAttributeValues[":ref"].(*ddbtypes.AttributeValueMemberS).Value
			marked[id] = it
			return &dynamodb.UpdateItemOutput{}, nil
		},
		deleteItemFn: func(in *dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error) {
			delete(marked, in.Key["id"].(*ddbtypes.AttributeValueMemberS).Value)
			return &dynamodb.DeleteItemOutput{}, nil
		},
	}
	events := NewDynamoProcessedEventRepository(fake, "")
	ctx := context.Background()

	first, err := events.CheckAndMark(ctx, "paypal", "WH-1")
	if err != nil || first.AlreadyProcessed {
		t.Fatalf("expected a fresh mark, got %+v err=%v", first, err)
	}
	if err := events.Complete(ctx, "paypal", "WH-1", "ref-9"); err != nil {
		t.Fatalf("complete failed: %v", err)
	}

	second, err := events.CheckAndMark(ctx, "paypal", "WH-1")
	if err != nil || !second.AlreadyProcessed || second.TransactionRef != "ref-9" {
		t.Fatalf("expected duplicate with ref, got %+v err=%v", second, err)
	}

	if err := events.Release(ctx, "paypal", "WH-1"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := events.Complete(ctx, "paypal", "WH-1", "ref-9"); err != nil {
		t.Fatalf("completing a released mark should be a no-op, got %v", err)
	}
	third, _ := events.CheckAndMark(ctx, "paypal", "WH-1")
	if third.AlreadyProcessed {
		t.Fatalf("released event should be markable again")
	}
}

func TestDynamoCheckAndMarkPropagatesErrors(t *testing.T) {
	boom := errors.New("throttled")
	fake := &fakeDynamo{
		putItemFn: func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) { return nil, boom },
	}
	events := NewDynamoProcessedEventRepository(fake, "")

	if _, err := events.CheckAndMark(context.Background(), "flow", "e"); !errors.Is(err, boom) {
		t.Fatalf("expected store error, got %v", err)
	}
}
