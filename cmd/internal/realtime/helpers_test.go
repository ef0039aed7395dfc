package realtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"courier/cmd/identity"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type testEnv struct {
	svc     *Service
	users   *identity.InMemoryStore
	history *InMemoryStore
	clock   *fakeClock
	byName  map[string]identity.User
}

// newTestEnv builds a Service over in-memory stores seeded with the given usernames.
func newTestEnv(t *testing.T, usernames ...string) *testEnv {
	t.Helper()

	clock := newFakeClock()
	users := identity.NewInMemoryStore()
	history := NewInMemoryStore()

	env := &testEnv{users: users, history: history, clock: clock, byName: make(map[string]identity.User)}
	for _, name := range usernames {
		u, err := users.CreateUser(context.Background(), identity.CreateUserInput{Username: name})
		if err != nil {
			t.Fatalf("seed %q: %v", name, err)
		}
		env.byName[name] = u
	}

	svc, err := NewService(discardLogger(), users, history, Config{
		SessionTimeout: 10 * time.Second,
		SweepInterval:  10 * time.Second,
		Clock:          clock,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	env.svc = svc
	return env
}

func (e *testEnv) mustLogin(t *testing.T, username string) SessionToken {
	t.Helper()
	res, err := e.svc.Login(context.Background(), username)
	if err != nil {
		t.Fatalf("login %q: %v", username, err)
	}
	return res.Token
}

func (e *testEnv) mustSubscribe(t *testing.T, token SessionToken) *Stream {
	t.Helper()
	st, err := e.svc.Subscribe(token)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(st.Cancel)
	return st
}

func mustNext(t *testing.T, st *Stream) Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := st.Next(ctx)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	return m
}

// assertEmpty checks no message is pending on st.
func assertEmpty(t *testing.T, st *Stream) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if m, err := st.Next(ctx); err == nil {
		t.Fatalf("unexpected message on stream: %+v", m)
	}
}
