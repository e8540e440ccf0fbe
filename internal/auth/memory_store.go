package auth

import (
	"context"
	"strings"
	"sync"
	"time"

	"videotube.org/internal/ids"
)

var _ UserStore = (*MemoryStore)(nil)

// MemoryStore is a process-local UserStore used when no database is configured and in tests.
type MemoryStore struct {
	mu         sync.Mutex
	byID       map[string]*User
	byUsername map[string]string
	byEmail    map[string]string
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:       make(map[string]*User),
		byUsername: make(map[string]string),
		byEmail:    make(map[string]string),
		now:        time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, u *User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := normalizeHandle(u.Username)
	email := normalizeHandle(u.Email)
	if _, ok := s.byUsername[username]; ok {
		return ErrConflict
	}
	if _, ok := s.byEmail[email]; ok {
		return ErrConflict
	}
	// A handle must not shadow another account's handle of the other kind.
	if _, ok := s.byEmail[username]; ok {
		return ErrConflict
	}
	if _, ok := s.byUsername[email]; ok {
		return ErrConflict
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	u.UpdatedAt = u.CreatedAt
	u.Username = username
	u.Email = email

	cp := *u
	s.byID[cp.ID] = &cp
	s.byUsername[username] = cp.ID
	s.byEmail[email] = cp.ID
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id string) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *MemoryStore) FindByLogin(_ context.Context, identifier string) (*User, error) {
	identifier = normalizeHandle(identifier)
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byUsername[identifier]
	if !ok {
		id, ok = s.byEmail[identifier]
	}
	if !ok {
		return nil, ErrNotFound
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemoryStore) SetRefreshToken(_ context.Context, userID, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return ErrNotFound
	}
	u.RefreshToken = token
	u.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) RotateRefreshToken(_ context.Context, userID, expected, next string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return ErrNotFound
	}
	if expected == "" || u.RefreshToken != expected {
		return ErrRefreshMismatch
	}
	u.RefreshToken = next
	u.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) UpdatePassword(_ context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return ErrNotFound
	}
	u.PasswordHash = passwordHash
	u.UpdatedAt = s.now().UTC()
	return nil
}

func (s *MemoryStore) UpdateAccount(_ context.Context, userID, fullName, email string) (*User, error) {
	email = normalizeHandle(email)
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.byID[userID]
	if !ok {
		return nil, ErrNotFound
	}
	if owner, taken := s.byEmail[email]; taken && owner != userID {
		return nil, ErrConflict
	}
	delete(s.byEmail, u.Email)
	s.byEmail[email] = userID
	u.Email = email
	u.FullName = strings.TrimSpace(fullName)
	u.UpdatedAt = s.now().UTC()
	cp := *u
	return &cp, nil
}

func normalizeHandle(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
