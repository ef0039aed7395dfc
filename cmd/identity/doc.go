// Package identity implements courier's user identity foundation.
//
// It contains the canonical User value, the Resolver/Store boundaries consulted by the
// session core, and their in-memory, PostgreSQL and SQLite implementations.
//
// The package never stores credentials: a user is an id plus a unique username.
package identity
