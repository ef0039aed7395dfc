package realtime

import (
	"time"

	"courier/cmd/identity"
)

// Message is a direct message created by the Router. It is immutable once built.
type Message struct {
	ID        string // ULID
	From      identity.User
	To        identity.User
	Text      string
	CreatedAt time.Time
}

// Recipient addresses a user by id or, when ID is zero, by username.
type Recipient struct {
	ID       int64
	Username string
}

// Dialog pairs User with a counterpart they exchanged messages with.
type Dialog struct {
	User     identity.User
	WithUser identity.User
}
