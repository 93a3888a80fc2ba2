package users

import (
	"context"
	"sync"
	"time"
)

// Repository stores usuarios keyed by their WhatsApp number.
type Repository interface {
	GetOrCreate(ctx context.Context, numero string) (*Usuario, error)
	GetByNumber(ctx context.Context, numero string) (*Usuario, error)
	MarkGreeted(ctx context.Context, id int64) error
	SetName(ctx context.Context, id int64, nombre string) error
}

// InMemoryRepository is a process-local Repository for development and tests.
type InMemoryRepository struct {
	mu       sync.Mutex
	nextID   int64
	byNumber map[string]*Usuario
}

var _ Repository = (*InMemoryRepository)(nil)

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{byNumber: make(map[string]*Usuario)}
}

func (r *InMemoryRepository) GetOrCreate(ctx context.Context, numero string) (*Usuario, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.byNumber[numero]; ok {
		c := *u
		return &c, nil
	}
	r.nextID++
	u := &Usuario{
		ID:             r.nextID,
		NumeroWhatsApp: numero,
		FechaCreacion:  time.Now().UTC(),
		PrimerContacto: true,
	}
	r.byNumber[numero] = u
	c := *u
	return &c, nil
}

func (r *InMemoryRepository) GetByNumber(ctx context.Context, numero string) (*Usuario, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byNumber[numero]
	if !ok {
		return nil, ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (r *InMemoryRepository) MarkGreeted(ctx context.Context, id int64) error {
	return r.mutate(id, func(u *Usuario) { u.PrimerContacto = false })
}

func (r *InMemoryRepository) SetName(ctx context.Context, id int64, nombre string) error {
	return r.mutate(id, func(u *Usuario) {
		n := nombre
		u.Nombre = &n
	})
}

func (r *InMemoryRepository) mutate(id int64, fn func(*Usuario)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.byNumber {
		if u.ID == id {
			fn(u)
			return nil
		}
	}
	return ErrUserNotFound
}
