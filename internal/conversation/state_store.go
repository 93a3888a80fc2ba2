package conversation

import (
	"context"
	"errors"
	"sync"
	"time"
)

// LockTTLForTurn is how long an identity lock must survive so that a turn
// making two LLM calls of llmTimeout each cannot outlive it.
func LockTTLForTurn(llmTimeout time.Duration) time.Duration {
	if llmTimeout <= 0 {
		return defaultLockTTL
	}
	return max(2*llmTimeout+lockTTLMargin, defaultLockTTL)
}

// ErrLockTimeout is returned when the per-identity lock cannot be acquired
// before the caller's deadline.
var ErrLockTimeout = errors.New("conversation: timed out waiting for identity lock")

// StateStore persists dialogue state keyed by channel identity and provides
// the per-identity critical section around a turn.
type StateStore interface {
	// Get returns the stored state, or a NoActiveFlow state when none exists.
	Get(ctx context.Context, identity string) (State, error)
	Put(ctx context.Context, identity string, state State) error
	Clear(ctx context.Context, identity string) error
	// Lock blocks until the caller owns the identity; the returned func releases it.
	Lock(ctx context.Context, identity string) (func(), error)
}

// GetOrInit loads the identity's state and normalises the zero value.
func GetOrInit(ctx context.Context, store StateStore, identity string) (State, error) {
	state, err := store.Get(ctx, identity)
	if err != nil {
		return State{}, err
	}
	if state.Phase == "" {
		state.Phase = PhaseNoActiveFlow
	}
	if state.Slots == nil {
		state.Slots = map[string]string{}
	}
	return state, nil
}

// MemoryStateStore keeps state in process memory. It only serialises turns
// within a single process and loses every flow on restart.
type MemoryStateStore struct {
	mu     sync.RWMutex
	states map[string]State
	locks  keyedMutex
}

var _ StateStore = (*MemoryStateStore)(nil)

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{states: make(map[string]State)}
}

func (s *MemoryStateStore) Get(ctx context.Context, identity string) (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[identity]
	if !ok {
		return NewState(), nil
	}
	return state.Clone(), nil
}

func (s *MemoryStateStore) Put(ctx context.Context, identity string, state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	state = state.Clone()
	state.UpdatedAt = time.Now().UTC()
	s.states[identity] = state
	return nil
}

func (s *MemoryStateStore) Clear(ctx context.Context, identity string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, identity)
	return nil
}

func (s *MemoryStateStore) Lock(ctx context.Context, identity string) (func(), error) {
	return s.locks.Lock(ctx, identity)
}

// Len reports how many identities currently hold state.
func (s *MemoryStateStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}

// keyedMutex hands out one channel-based mutex per key so waiting callers can
// give up when their context ends. Entries are reference counted and dropped
// once no caller holds or waits on them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func (k *keyedMutex) acquire(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *keyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if e.refs--; e.refs == 0 {
		delete(k.locks, key)
	}
}

func (k *keyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	e := k.acquire(key)
	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				k.release(key, e)
			})
		}, nil
	case <-ctx.Done():
		k.release(key, e)
		return nil, errors.Join(ErrLockTimeout, ctx.Err())
	}
}

func (k *keyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
