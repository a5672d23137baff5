package auth

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryUsers is a UserStore kept in process memory. All reads and writes
// go through one mutex, which makes RotateRefreshToken a real compare and
// swap.
type MemoryUsers struct {
	mu         sync.RWMutex
	byID       map[uuid.UUID]*User
	byUsername map[string]uuid.UUID
	byToken    map[string]uuid.UUID
}

var _ UserStore = (*MemoryUsers)(nil)

// NewMemoryUsers returns an empty store
func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{
		byID:       make(map[uuid.UUID]*User),
		byUsername: make(map[string]uuid.UUID),
		byToken:    make(map[string]uuid.UUID),
	}
}

func (m *MemoryUsers) FindByUsername(ctx context.Context, username string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUsername[username]
	if !ok {
		return nil, ErrIdentityNotFound
	}
	return m.byID[id].clone(), nil
}

func (m *MemoryUsers) FindByRefreshToken(ctx context.Context, token string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if token == "" {
		return nil, ErrRefreshTokenNotFound
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byToken[token]
	if !ok {
		return nil, ErrRefreshTokenNotFound
	}
	return m.byID[id].clone(), nil
}

// Save inserts users without an ID and replaces existing ones
func (m *MemoryUsers) Save(ctx context.Context, user *User) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrIdentityNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	record := user.clone()

	if owner, ok := m.byUsername[record.Username]; ok && owner != record.ID {
		return nil, ErrUsernameTaken
	}

	if existing, ok := m.byID[record.ID]; ok && record.ID != uuid.Nil {
		delete(m.byUsername, existing.Username)
		if existing.RefreshToken != "" {
			delete(m.byToken, existing.RefreshToken)
		}
		record.CreatedAt = existing.CreatedAt
		now := time.Now()
		record.UpdatedAt = &now
	} else {
		prepareUserDefaults(record)
	}

	m.byID[record.ID] = record
	m.byUsername[record.Username] = record.ID
	if record.RefreshToken != "" {
		m.byToken[record.RefreshToken] = record.ID
	}

	return record.clone(), nil
}

func (m *MemoryUsers) SetRefreshToken(ctx context.Context, username, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byUsername[username]
	if !ok {
		return ErrIdentityNotFound
	}

	m.swapToken(m.byID[id], token)
	return nil
}

func (m *MemoryUsers) RotateRefreshToken(ctx context.Context, current, next string) (*User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if current == "" || next == "" {
		return nil, ErrRefreshTokenNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.byToken[current]
	if !ok {
		return nil, ErrRefreshTokenNotFound
	}

	user := m.byID[id]
	m.swapToken(user, next)
	return user.clone(), nil
}

// swapToken must be called with the write lock held
func (m *MemoryUsers) swapToken(user *User, token string) {
	if user.RefreshToken != "" {
		delete(m.byToken, user.RefreshToken)
	}
	user.RefreshToken = token
	if token != "" {
		m.byToken[token] = user.ID
	}
	now := time.Now()
	user.UpdatedAt = &now
}
