package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	defaultStateTTL  = 24 * time.Hour
	defaultLockTTL   = 30 * time.Second
	lockTTLMargin    = 10 * time.Second
	defaultLockWait  = 10 * time.Second
	lockPollInterval = 25 * time.Millisecond
	maxLockPoll      = 250 * time.Millisecond
)

// releaseLockScript deletes the lock only when the caller still owns it.
var releaseLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisStateStore keeps state as JSON with a TTL and serialises turns across
// processes with a SET NX lock.
type RedisStateStore struct {
	redis    *redis.Client
	ttl      time.Duration
	lockTTL  time.Duration
	lockWait time.Duration
	tracer   trace.Tracer
}

var _ StateStore = (*RedisStateStore)(nil)

func NewRedisStateStore(client *redis.Client, ttl time.Duration) *RedisStateStore {
	if client == nil {
		panic("conversation: redis client cannot be nil")
	}
	if ttl <= 0 {
		ttl = defaultStateTTL
	}
	return &RedisStateStore{
		redis:    client,
		ttl:      ttl,
		lockTTL:  defaultLockTTL,
		lockWait: defaultLockWait,
		tracer:   otel.Tracer("clinic.internal.conversation.state"),
	}
}

// WithLockTTL sets how long an identity lock lives in Redis. Use
// LockTTLForTurn to size it from the LLM timeout.
func (s *RedisStateStore) WithLockTTL(ttl time.Duration) *RedisStateStore {
	if ttl > 0 {
		s.lockTTL = ttl
	}
	return s
}

func (s *RedisStateStore) Get(ctx context.Context, identity string) (State, error) {
	ctx, span := s.tracer.Start(ctx, "conversation.state.get")
	defer span.End()

	data, err := s.redis.Get(ctx, stateKey(identity)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return NewState(), nil
		}
		span.RecordError(err)
		return State{}, fmt.Errorf("conversation: failed to load state: %w", err)
	}

	var state State
	if err := json.Unmarshal(data, &state); err != nil {
		span.RecordError(err)
		return State{}, fmt.Errorf("conversation: failed to decode state: %w", err)
	}
	return state, nil
}

func (s *RedisStateStore) Put(ctx context.Context, identity string, state State) error {
	ctx, span := s.tracer.Start(ctx, "conversation.state.put")
	defer span.End()

	state.UpdatedAt = time.Now().UTC()
	data, err := json.Marshal(state)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: failed to marshal state: %w", err)
	}
	if err := s.redis.Set(ctx, stateKey(identity), data, s.ttl).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("conversation: failed to persist state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Clear(ctx context.Context, identity string) error {
	if err := s.redis.Del(ctx, stateKey(identity)).Err(); err != nil {
		return fmt.Errorf("conversation: failed to clear state: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Lock(ctx context.Context, identity string) (func(), error) {
	ctx, span := s.tracer.Start(ctx, "conversation.state.lock")
	defer span.End()

	key := stateLockKey(identity)
	token := uuid.NewString()
	deadline := time.Now().Add(s.lockWait)
	wait := lockPollInterval

	for {
		ok, err := s.redis.SetNX(ctx, key, token, s.lockTTL).Result()
		if err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("conversation: failed to acquire lock: %w", err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			span.RecordError(ErrLockTimeout)
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
		// Release must survive a canceled request context.
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = releaseLockScript.Run(releaseCtx, s.redis, []string{key}, token).Err()
	}, nil
}

func stateKey(identity string) string {
	return fmt.Sprintf("conversation_state:%s", identity)
}

func stateLockKey(identity string) string {
	return fmt.Sprintf("conversation_state_lock:%s", identity)
}
