package conversation

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"github.com/oberoende/clinic-assistant/pkg/logging"
)

type dynamoAPI interface {
	PutItem(context.Context, *dynamodb.PutItemInput, ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(context.Context, *dynamodb.GetItemInput, ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(context.Context, *dynamodb.DeleteItemInput, ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// stateRecord is the DynamoDB item layout. Lock items share the table under
// a "lock#" prefixed identity.
type stateRecord struct {
	Identity  string `dynamodbav:"identity"`
	State     *State `dynamodbav:"state,omitempty"`
	LockToken string `dynamodbav:"lockToken,omitempty"`
	ExpiresAt int64  `dynamodbav:"expiresAt"`
}

// DynamoStateStore persists state in a DynamoDB table with TTL on expiresAt.
type DynamoStateStore struct {
	client    dynamoAPI
	tableName string
	ttl       time.Duration
	lockTTL   time.Duration
	lockWait  time.Duration
	logger    *logging.Logger
	now       func() time.Time
}

var _ StateStore = (*DynamoStateStore)(nil)

func NewDynamoStateStore(client dynamoAPI, tableName string, ttl time.Duration, logger *logging.Logger) *DynamoStateStore {
	if client == nil {
		panic("conversation: dynamodb client cannot be nil")
	}
	if tableName == "" {
		panic("conversation: table name cannot be empty")
	}
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &DynamoStateStore{
		client:    client,
		tableName: tableName,
		ttl:       ttl,
		lockTTL:   defaultLockTTL,
		lockWait:  defaultLockWait,
		logger:    logger,
		now:       time.Now,
	}
}

// WithLockTTL sets how long a lock item stays valid before another turn may
// take it over.
func (s *DynamoStateStore) WithLockTTL(ttl time.Duration) *DynamoStateStore {
	if ttl > 0 {
		s.lockTTL = ttl
	}
	return s
}

func (s *DynamoStateStore) Get(ctx context.Context, identity string) (State, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tableName),
		Key:            identityKey(identity),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return State{}, fmt.Errorf("conversation: failed to load state: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return NewState(), nil
	}

	var record stateRecord
	if err := attributevalue.UnmarshalMap(out.Item, &record); err != nil {
		return State{}, fmt.Errorf("conversation: failed to decode state: %w", err)
	}
	// TTL deletion is lazy, so expired items can still be returned.
	if record.State == nil || (record.ExpiresAt > 0 && record.ExpiresAt <= s.now().Unix()) {
		return NewState(), nil
	}
	return *record.State, nil
}

func (s *DynamoStateStore) Put(ctx context.Context, identity string, state State) error {
	now := s.now().UTC()
	state.UpdatedAt = now
	item, err := attributevalue.MarshalMap(stateRecord{
		Identity:  identity,
		State:     &state,
		ExpiresAt: now.Add(s.ttl).Unix(),
	})
	if err != nil {
		return fmt.Errorf("conversation: failed to marshal state: %w", err)
	}
	if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	}); err != nil {
		return fmt.Errorf("conversation: failed to persist state: %w", err)
	}
	return nil
}

func (s *DynamoStateStore) Clear(ctx context.Context, identity string) error {
	if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key:       identityKey(identity),
	}); err != nil {
		return fmt.Errorf("conversation: failed to clear state: %w", err)
	}
	return nil
}

// Lock writes a conditional lock item that either does not exist yet or has
// expired; the owner token guards the release.
func (s *DynamoStateStore) Lock(ctx context.Context, identity string) (func(), error) {
	lockID := "lock#" + identity
	token := uuid.NewString()
	deadline := s.now().Add(s.lockWait)
	wait := lockPollInterval

	for {
		now := s.now()
		item, err := attributevalue.MarshalMap(stateRecord{
			Identity:  lockID,
			LockToken: token,
			ExpiresAt: now.Add(s.lockTTL).Unix(),
		})
		if err != nil {
			return nil, fmt.Errorf("conversation: failed to marshal lock: %w", err)
		}
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(#id) OR #exp < :now"),
			ExpressionAttributeNames: map[string]string{
				"#id":  "identity",
				"#exp": "expiresAt",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":now": &types.AttributeValueMemberN{Value: strconv.FormatInt(now.Unix(), 10)},
			},
		})
		if err == nil {
			break
		}
		var condErr *types.ConditionalCheckFailedException
		if !errors.As(err, &condErr) {
			return nil, fmt.Errorf("conversation: failed to acquire lock: %w", err)
		}
		if s.now().After(deadline) {
			return nil, ErrLockTimeout
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrLockTimeout, ctx.Err())
		case <-time.After(wait):
		}
		if wait *= 2; wait > maxLockPoll {
			wait = maxLockPoll
		}
	}

	return func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_, err := s.client.DeleteItem(releaseCtx, &dynamodb.DeleteItemInput{
			TableName:           aws.String(s.tableName),
			Key:                 identityKey(lockID),
			ConditionExpression: aws.String("lockToken = :token"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":token": &types.AttributeValueMemberS{Value: token},
			},
		})
		if err != nil {
			s.logger.Warn("failed to release conversation lock", "identity", identity, "error", err)
		}
	}, nil
}

func identityKey(identity string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"identity": &types.AttributeValueMemberS{Value: identity},
	}
}
