package identity

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
)

// InMemoryStore is a dev-only Store used when no database is configured.
type InMemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	byID   map[int64]User
	byNorm map[string]int64
}

// NewInMemoryStore constructs an empty in-memory identity store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		byID:   make(map[int64]User),
		byNorm: make(map[string]int64),
	}
}

// Close closes the store (noop for in-memory).
func (s *InMemoryStore) Close() error { return nil }

// CreateUser allocates the next id for a unique username.
func (s *InMemoryStore) CreateUser(ctx context.Context, in CreateUserInput) (User, error) {
	const op = "identity.CreateUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	if err := ValidateUsername(in.Username); err != nil {
		return User{}, err
	}

	username := strings.TrimSpace(in.Username)
	norm := NormalizeUsername(username)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byNorm[norm]; ok {
		return User{}, ConflictError{Op: op, Field: "username"}
	}

	s.nextID++
	u := User{ID: s.nextID, Username: username}
	s.byID[u.ID] = u
	s.byNorm[norm] = u.ID
	return u, nil
}

// GetByUsername resolves a username case-insensitively.
func (s *InMemoryStore) GetByUsername(ctx context.Context, username string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	norm := NormalizeUsername(username)

	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byNorm[norm]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetByUsername", Key: norm}
	}
	return s.byID[id], nil
}

// GetByID resolves a user id.
func (s *InMemoryStore) GetByID(ctx context.Context, id int64) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.byID[id]
	if !ok {
		return User{}, NotFoundError{Op: "identity.GetByID", Key: strconv.FormatInt(id, 10)}
	}
	return u, nil
}

// FindByUsernamePart performs a case-insensitive substring search ordered by id.
func (s *InMemoryStore) FindByUsernamePart(ctx context.Context, part string, limit int) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampLimit(limit)
	needle := NormalizeUsername(part)

	s.mu.RLock()
	out := make([]User, 0, limit)
	for norm, id := range s.byNorm {
		if strings.Contains(norm, needle) {
			out = append(out, s.byID[id])
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
