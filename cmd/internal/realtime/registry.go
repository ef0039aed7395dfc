package realtime

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"courier/cmd/identity"
	sectoken "courier/cmd/security/token"

	"github.com/google/uuid"
)

// DefaultSessionTimeout is how long a session survives without a touch.
const DefaultSessionTimeout = 10 * time.Second

// SessionToken is an opaque session credential. It is minted from a random UUID and
// never derived from the user.
type SessionToken string

func (t SessionToken) String() string { return string(t) }

// SessionRecord is the registry's view of one live session.
type SessionRecord struct {
	Token    SessionToken
	User     identity.User
	LastSeen time.Time
}

// EvictReason labels why a session left the registry.
type EvictReason string

const (
	EvictLogout  EvictReason = "logout"
	EvictExpired EvictReason = "expired"
)

// EvictHook runs after a record has been removed, outside the registry lock.
type EvictHook func(token SessionToken, user identity.User, reason EvictReason)

// Registry maps session tokens to users and tracks liveness.
//
// Invariants:
//   - at most one record per token
//   - at most one live record per user id
//
// A record whose LastSeen is older than the timeout is lapsed: it is treated as absent
// by every read and evicted the first time it is observed.
type Registry struct {
	mu      sync.RWMutex
	byToken map[SessionToken]*SessionRecord
	byUser  map[int64]SessionToken

	timeout time.Duration
	clock   Clock
	log     *slog.Logger
	onEvict EvictHook

	newToken func() (SessionToken, error)
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock injects the time source.
func WithClock(c Clock) RegistryOption {
	return func(r *Registry) {
		if c != nil {
			r.clock = c
		}
	}
}

// WithRegistryLogger sets the logger used for session events.
func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// WithEvictHook registers the teardown callback (usually Channels.Close).
func WithEvictHook(h EvictHook) RegistryOption {
	return func(r *Registry) { r.onEvict = h }
}

// NewRegistry constructs an empty registry. timeout <= 0 uses DefaultSessionTimeout.
func NewRegistry(timeout time.Duration, opts ...RegistryOption) *Registry {
	if timeout <= 0 {
		timeout = DefaultSessionTimeout
	}
	r := &Registry{
		byToken:  make(map[SessionToken]*SessionRecord),
		byUser:   make(map[int64]SessionToken),
		timeout:  timeout,
		clock:    SystemClock,
		log:      slog.Default(),
		newToken: newUUIDToken,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// SetEvictHook replaces the teardown callback. It must be called before the registry
// is shared between goroutines.
func (r *Registry) SetEvictHook(h EvictHook) {
	r.mu.Lock()
	r.onEvict = h
	r.mu.Unlock()
}

// Timeout returns the liveness window.
func (r *Registry) Timeout() time.Duration { return r.timeout }

// Now returns the registry clock's current time.
func (r *Registry) Now() time.Time { return r.clock.Now() }

// Len returns the number of records, lapsed ones included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byToken)
}

// Create mints a session for user. It fails with ErrAlreadyLoggedIn when the user
// already holds a live session; a lapsed one is evicted and replaced.
func (r *Registry) Create(user identity.User) (SessionToken, error) {
	token, err := r.newToken()
	if err != nil {
		return "", fmt.Errorf("%w: mint token: %v", ErrInternalRegistry, err)
	}

	now := r.clock.Now()

	r.mu.Lock()
	var stale *SessionRecord
	if prev, ok := r.byUser[user.ID]; ok {
		rec := r.byToken[prev]
		if rec != nil && !r.lapsed(rec, now) {
			r.mu.Unlock()
			return "", ErrAlreadyLoggedIn
		}
		stale = r.removeLocked(prev)
	}
	if _, dup := r.byToken[token]; dup {
		r.mu.Unlock()
		return "", fmt.Errorf("%w: token collision", ErrInternalRegistry)
	}
	r.byToken[token] = &SessionRecord{Token: token, User: user, LastSeen: now}
	r.byUser[user.ID] = token
	hook := r.onEvict
	r.mu.Unlock()

	if stale != nil {
		r.afterEvict(hook, stale, EvictExpired)
	}
	return token, nil
}

// Touch refreshes liveness for token.
func (r *Registry) Touch(token SessionToken) error {
	_, err := r.Validate(token)
	return err
}

// Validate checks token and refreshes its liveness in one step.
func (r *Registry) Validate(token SessionToken) (SessionRecord, error) {
	return r.check(token, true)
}

// Lookup returns the record for token without refreshing it.
func (r *Registry) Lookup(token SessionToken) (SessionRecord, error) {
	return r.check(token, false)
}

func (r *Registry) check(token SessionToken, touch bool) (SessionRecord, error) {
	now := r.clock.Now()

	r.mu.Lock()
	rec, ok := r.byToken[token]
	if !ok {
		r.mu.Unlock()
		return SessionRecord{}, ErrUnknownSession
	}
	if r.lapsed(rec, now) {
		removed := r.removeLocked(token)
		hook := r.onEvict
		r.mu.Unlock()
		r.afterEvict(hook, removed, EvictExpired)
		return SessionRecord{}, ErrSessionExpired
	}
	if touch {
		rec.LastSeen = now
	}
	out := *rec
	r.mu.Unlock()
	return out, nil
}

// FindByUser returns the live session held by userID, if any.
func (r *Registry) FindByUser(userID int64) (SessionRecord, bool) {
	now := r.clock.Now()

	r.mu.RLock()
	defer r.mu.RUnlock()

	token, ok := r.byUser[userID]
	if !ok {
		return SessionRecord{}, false
	}
	rec := r.byToken[token]
	if rec == nil || r.lapsed(rec, now) {
		return SessionRecord{}, false
	}
	return *rec, true
}

// Has reports whether token is registered (lapsed or not).
func (r *Registry) Has(token SessionToken) bool {
	r.mu.RLock()
	_, ok := r.byToken[token]
	r.mu.RUnlock()
	return ok
}

// Expired lists the tokens whose liveness lapsed as of now.
func (r *Registry) Expired(now time.Time) []SessionToken {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []SessionToken
	for token, rec := range r.byToken {
		if r.lapsed(rec, now) {
			out = append(out, token)
		}
	}
	return out
}

// Evict removes token. It is idempotent and reports whether a record was removed.
func (r *Registry) Evict(token SessionToken) bool {
	return r.evict(token, EvictLogout)
}

func (r *Registry) evict(token SessionToken, reason EvictReason) bool {
	r.mu.Lock()
	removed := r.removeLocked(token)
	hook := r.onEvict
	r.mu.Unlock()

	if removed == nil {
		return false
	}
	r.afterEvict(hook, removed, reason)
	return true
}

// expireIfLapsed evicts token only if it is still lapsed as of now. A touch that lands
// between the sweeper's scan and this call keeps the session alive.
func (r *Registry) expireIfLapsed(token SessionToken, now time.Time) bool {
	r.mu.Lock()
	rec, ok := r.byToken[token]
	if !ok || !r.lapsed(rec, now) {
		r.mu.Unlock()
		return false
	}
	removed := r.removeLocked(token)
	hook := r.onEvict
	r.mu.Unlock()

	r.afterEvict(hook, removed, EvictExpired)
	return true
}

func (r *Registry) lapsed(rec *SessionRecord, now time.Time) bool {
	return now.Sub(rec.LastSeen) > r.timeout
}

// removeLocked deletes token from both indexes. Caller holds r.mu.
func (r *Registry) removeLocked(token SessionToken) *SessionRecord {
	rec, ok := r.byToken[token]
	if !ok {
		return nil
	}
	delete(r.byToken, token)
	if cur, ok := r.byUser[rec.User.ID]; ok && cur == token {
		delete(r.byUser, rec.User.ID)
	}
	return rec
}

func (r *Registry) afterEvict(hook EvictHook, rec *SessionRecord, reason EvictReason) {
	r.log.Info("session.evict",
		"token_fp", sectoken.Fingerprint(rec.Token.String()),
		"user_id", rec.User.ID,
		"username", rec.User.Username,
		"reason", string(reason),
	)
	if hook != nil {
		hook(rec.Token, rec.User, reason)
	}
}

func newUUIDToken() (SessionToken, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return SessionToken(id.String()), nil
}
