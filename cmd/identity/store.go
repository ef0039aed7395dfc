package identity

import (
	"context"
	"time"
)

// DefaultSearchLimit bounds FindByUsernamePart when the caller passes limit <= 0.
const DefaultSearchLimit = 20

// MaxSearchLimit is the hard upper bound for FindByUsernamePart.
const MaxSearchLimit = 100

// User is courier's canonical principal. Two users are the same user iff their IDs match.
type User struct {
	ID       int64
	Username string
}

// Equal compares users by ID only.
func (u User) Equal(o User) bool { return u.ID == o.ID }

// IsZero reports whether u is the zero User.
func (u User) IsZero() bool { return u.ID == 0 }

// Resolver is the read-only identity boundary consulted by the session core.
type Resolver interface {
	// GetByUsername resolves a username (case-insensitive). Returns ErrNotFound when missing.
	GetByUsername(ctx context.Context, username string) (User, error)

	// GetByID resolves a user id. Returns ErrNotFound when missing.
	GetByID(ctx context.Context, id int64) (User, error)

	// FindByUsernamePart returns users whose username contains part (case-insensitive),
	// ordered by id, at most limit rows.
	FindByUsernamePart(ctx context.Context, part string, limit int) ([]User, error)
}

// Store is the identity persistence boundary.
type Store interface {
	Resolver

	// CreateUser registers a new username. Returns a ConflictError when it is taken.
	CreateUser(ctx context.Context, in CreateUserInput) (User, error)

	Close() error
}

// CreateUserInput describes a user registration request.
type CreateUserInput struct {
	Username string
	Now      time.Time
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		return MaxSearchLimit
	}
	return limit
}
