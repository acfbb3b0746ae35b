package db

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps users in process memory. Used for tests and STORE_BACKEND=memory.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]User
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[uuid.UUID]User),
		now:   time.Now,
	}
}

func (s *MemoryStore) FindByID(ctx context.Context, id uuid.UUID) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

func (s *MemoryStore) FindByIdentity(ctx context.Context, identity Identity) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if identity.Email != "" {
		for _, u := range s.users {
			if u.Email == identity.Email {
				return &u, nil
			}
		}
	}
	if identity.Username != "" {
		for _, u := range s.users {
			if u.Username == identity.Username {
				return &u, nil
			}
		}
	}
	return nil, ErrUserNotFound
}

func (s *MemoryStore) Create(ctx context.Context, user *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.ID == user.ID || u.Email == user.Email || u.Username == user.Username {
			return ErrDuplicateUser
		}
	}
	s.users[user.ID] = *user
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, id uuid.UUID, patch Patch) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	if patch.IfRefreshToken != nil && u.RefreshToken != *patch.IfRefreshToken {
		return nil, ErrTokenMismatch
	}

	patch.apply(&u, s.now().UTC())
	s.users[id] = u
	return &u, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStore) Close() error {
	return nil
}
