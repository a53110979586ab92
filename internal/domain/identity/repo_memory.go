package identity

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type memoryUserRepo struct {
	mu    sync.RWMutex
	users map[uuid.UUID]*User
}

func NewMemoryUserRepo() UserRepository {
	return &memoryUserRepo{users: make(map[uuid.UUID]*User)}
}

func (r *memoryUserRepo) Create(_ context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.users {
		if strings.EqualFold(existing.Email, u.Email) {
			return ErrEmailTaken
		}
	}
	now := time.Now().UTC()
	u.ID = uuid.New()
	u.CreatedAt, u.UpdatedAt = now, now
	cp := *u
	r.users[u.ID] = &cp
	return nil
}

func (r *memoryUserRepo) GetByID(_ context.Context, id uuid.UUID) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memoryUserRepo) GetByEmail(_ context.Context, email string) (*User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, u := range r.users {
		if strings.EqualFold(u.Email, email) {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *memoryUserRepo) Update(_ context.Context, u *User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.users[u.ID]; !ok {
		return ErrNotFound
	}
	u.UpdatedAt = time.Now().UTC()
	cp := *u
	r.users[u.ID] = &cp
	return nil
}
