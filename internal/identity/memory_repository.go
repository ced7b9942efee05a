package identity

import (
	"context"
	"sync"
	"time"
)

type memoryRepository struct {
	mu    sync.RWMutex
	users map[string]User
	byID  map[string]string
}

// NewMemoryRepository builds an in-memory user store for tests and development.
func NewMemoryRepository() Repository {
	return &memoryRepository{users: make(map[string]User), byID: make(map[string]string)}
}

func (r *memoryRepository) Create(_ context.Context, user User) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.users[user.Phone]; exists {
		return ErrUserExists
	}
	r.users[user.Phone] = user
	r.byID[user.ID] = user.Phone
	return nil
}

func (r *memoryRepository) FindByPhone(_ context.Context, phone string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.users[phone]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return user, nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	phone, ok := r.byID[id]
	if !ok {
		return User{}, ErrUserNotFound
	}
	return r.users[phone], nil
}

func (r *memoryRepository) RecordLogin(_ context.Context, id, deviceID, tier string, at time.Time) error {
	return r.update(id, func(u *User) {
		u.DeviceID = deviceID
		u.Tier = tier
		u.LastLoginAt = &at
	})
}

func (r *memoryRepository) UpdateTokenVersion(_ context.Context, id string, version int) error {
	return r.update(id, func(u *User) { u.TokenVersion = version })
}

func (r *memoryRepository) update(id string, fn func(*User)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	phone, ok := r.byID[id]
	if !ok {
		return ErrUserNotFound
	}
	user := r.users[phone]
	fn(&user)
	r.users[phone] = user
	return nil
}
