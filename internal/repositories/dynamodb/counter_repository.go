package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/donorportal/api/internal/repositories"
)

// API is the subset of the DynamoDB client used by the counter.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

type counterItem struct {
	ID           string `dynamodbav:"id"`
	CurrentValue int64  `dynamodbav:"currentValue"`
	Step         int64  `dynamodbav:"step"`
	MaxValue     *int64 `dynamodbav:"maxValue,omitempty"`
	UpdatedAt    string `dynamodbav:"updatedAt"`
}

// CounterRepository sequences values with DynamoDB's atomic ADD.
//
// Table requirements:
//   - PK: id (string)
type CounterRepository struct {
	ddb   API
	table string
	now   func() time.Time
}

var _ repositories.CounterRepository = (*CounterRepository)(nil)

// NewCounterRepository constructs the DynamoDB counter backed by table.
func NewCounterRepository(ddb API, table string) (*CounterRepository, error) {
	if ddb == nil {
		return nil, errors.New("dynamodb counter repository: client is required")
	}
	if strings.TrimSpace(table) == "" {
		return nil, errors.New("dynamodb counter repository: table is required")
	}
	return &CounterRepository{ddb: ddb, table: table, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Next reads the counter's step and bound, then increments with a single
// conditional ADD so concurrent callers never receive the same value.
func (r *CounterRepository) Next(ctx context.Context, counterID string, step int64) (int64, error) {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return 0, repositories.NewCounterError(id, repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}
	if step < 0 {
		return 0, repositories.NewCounterError(id, repositories.CounterErrorInvalidInput, fmt.Sprintf("step must be positive, got %d", step), nil)
	}

	current, err := r.get(ctx, id)
	if err != nil {
		return 0, err
	}
	increment := repositories.CounterIncrement(step, current.Step)

	values := map[string]types.AttributeValue{
		":inc":  &types.AttributeValueMemberN{Value: strconv.FormatInt(increment, 10)},
		":now":  &types.AttributeValueMemberS{Value: r.now().Format(time.RFC3339Nano)},
		":step": &types.AttributeValueMemberN{Value: strconv.FormatInt(increment, 10)},
	}
	input := &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       counterKey(id),
		UpdateExpression:          aws.String("ADD currentValue :inc SET updatedAt = :now, step = :step"),
		ExpressionAttributeValues: values,
		ReturnValues:              types.ReturnValueUpdatedNew,
	}
	if current.MaxValue != nil {
		ceiling := *current.MaxValue - increment
		if ceiling < 0 {
			return 0, exhausted(id, *current.MaxValue)
		}
		values[":ceiling"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(ceiling, 10)}
		input.ConditionExpression = aws.String("attribute_not_exists(currentValue) OR currentValue <= :ceiling")
	}

	out, err := r.ddb.UpdateItem(ctx, input)
	if err != nil {
		var cfe *types.ConditionalCheckFailedException
		if errors.As(err, &cfe) && current.MaxValue != nil {
			return 0, exhausted(id, *current.MaxValue)
		}
		return 0, wrapError("counters.next", err)
	}

	var updated counterItem
	if err := attributevalue.UnmarshalMap(out.Attributes, &updated); err != nil {
		return 0, fmt.Errorf("dynamodb counters: decode %s: %w", id, err)
	}
	return updated.CurrentValue, nil
}

// Configure sets step, bound and optionally resets the current value.
func (r *CounterRepository) Configure(ctx context.Context, counterID string, cfg repositories.CounterConfig) error {
	id := strings.TrimSpace(counterID)
	if id == "" {
		return repositories.NewCounterError(id, repositories.CounterErrorInvalidInput, "counter id is required", nil)
	}

	sets := []string{"updatedAt = :now"}
	values := map[string]types.AttributeValue{
		":now": &types.AttributeValueMemberS{Value: r.now().Format(time.RFC3339Nano)},
	}
	if cfg.Step > 0 {
		sets = append(sets, "step = :step")
		values[":step"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(cfg.Step, 10)}
	}
	if cfg.MaxValue != nil {
		sets = append(sets, "maxValue = :max")
		values[":max"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(*cfg.MaxValue, 10)}
	}
	if cfg.InitialValue != nil {
		sets = append(sets, "currentValue = :initial")
		values[":initial"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(*cfg.InitialValue, 10)}
	}

	_, err := r.ddb.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(r.table),
		Key:                       counterKey(id),
		UpdateExpression:          aws.String("SET " + strings.Join(sets, ", ")),
		ExpressionAttributeValues: values,
	})
	return wrapError("counters.configure", err)
}

func (r *CounterRepository) get(ctx context.Context, id string) (counterItem, error) {
	out, err := r.ddb.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(r.table),
		Key:            counterKey(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return counterItem{}, wrapError("counters.get", err)
	}
	var item counterItem
	if len(out.Item) == 0 {
		return item, nil
	}
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return counterItem{}, fmt.Errorf("dynamodb counters: decode %s: %w", id, err)
	}
	return item, nil
}

func counterKey(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"id": &types.AttributeValueMemberS{Value: id}}
}

func exhausted(id string, max int64) error {
	return repositories.NewCounterError(id, repositories.CounterErrorExhausted, fmt.Sprintf("exceeded max value %d", max), nil)
}
