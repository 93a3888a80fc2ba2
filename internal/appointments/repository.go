package appointments

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Repository persists appointments. Implementations must reject a second
// active appointment for the same (date, time) with ErrConflict.
type Repository interface {
	Insert(ctx context.Context, appt *Appointment) (*Appointment, error)
	Update(ctx context.Context, appt *Appointment) (*Appointment, error)
	GetByID(ctx context.Context, id int64) (*Appointment, error)
	// FindActiveAt returns the non-canceled appointment holding the slot, or ErrNotFound.
	FindActiveAt(ctx context.Context, date, clock string) (*Appointment, error)
	ListByDate(ctx context.Context, date string) ([]*Appointment, error)
}

// InMemoryRepository keeps appointments in process memory. Its mutex makes
// the uniqueness check and the write a single step.
type InMemoryRepository struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]*Appointment
}

var _ Repository = (*InMemoryRepository)(nil)

// NewInMemoryRepository creates a new in-memory repository
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{byID: make(map[int64]*Appointment)}
}

func (r *InMemoryRepository) Insert(ctx context.Context, appt *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if appt.Status.Active() && r.slotTakenLocked(appt.Date, appt.Time, 0) {
		return nil, ErrConflict
	}
	r.nextID++
	stored := appt.clone()
	stored.ID = r.nextID
	now := time.Now().UTC()
	stored.CreatedAt = now
	stored.UpdatedAt = now
	r.byID[stored.ID] = stored
	return stored.clone(), nil
}

func (r *InMemoryRepository) Update(ctx context.Context, appt *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[appt.ID]
	if !ok {
		return nil, ErrNotFound
	}
	if appt.Status.Active() && r.slotTakenLocked(appt.Date, appt.Time, appt.ID) {
		return nil, ErrConflict
	}
	stored := appt.clone()
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now().UTC()
	r.byID[stored.ID] = stored
	return stored.clone(), nil
}

func (r *InMemoryRepository) GetByID(ctx context.Context, id int64) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	appt, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return appt.clone(), nil
}

func (r *InMemoryRepository) FindActiveAt(ctx context.Context, date, clock string) (*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, appt := range r.byID {
		if appt.Date == date && appt.Time == clock && appt.Status.Active() {
			return appt.clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (r *InMemoryRepository) ListByDate(ctx context.Context, date string) ([]*Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Appointment, 0)
	for _, appt := range r.byID {
		if appt.Date == date {
			out = append(out, appt.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Time == out[j].Time {
			return out[i].ID < out[j].ID
		}
		return out[i].Time < out[j].Time
	})
	return out, nil
}

func (r *InMemoryRepository) slotTakenLocked(date, clock string, excludeID int64) bool {
	for id, appt := range r.byID {
		if id != excludeID && appt.Date == date && appt.Time == clock && appt.Status.Active() {
			return true
		}
	}
	return false
}
