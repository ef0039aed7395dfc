package realtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"courier/cmd/identity"
)

func newTestRegistry(clock Clock, hook EvictHook) *Registry {
	return NewRegistry(10*time.Second, WithClock(clock), WithRegistryLogger(discardLogger()), WithEvictHook(hook))
}

func TestRegistry_Create_LookupUntilEvict(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestRegistry(clock, nil)
	alice := identity.User{ID: 1, Username: "alice"}

	token, err := r.Create(alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if token == "" {
		t.Fatalf("empty token")
	}

	rec, err := r.Lookup(token)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !rec.User.Equal(alice) || !rec.LastSeen.Equal(clock.Now()) {
		t.Fatalf("record=%+v", rec)
	}

	if !r.Evict(token) {
		t.Fatalf("evict returned false")
	}
	if r.Evict(token) {
		t.Fatalf("second evict returned true")
	}
	if _, err := r.Lookup(token); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("lookup after evict err=%v want=%v", err, ErrUnknownSession)
	}
	if _, ok := r.FindByUser(alice.ID); ok {
		t.Fatalf("FindByUser found evicted session")
	}
}

func TestRegistry_Create_RejectsSecondLiveLogin(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(newFakeClock(), nil)
	alice := identity.User{ID: 1, Username: "alice"}

	t1, err := r.Create(alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create(alice); !errors.Is(err, ErrAlreadyLoggedIn) {
		t.Fatalf("second create err=%v want=%v", err, ErrAlreadyLoggedIn)
	}

	r.Evict(t1)
	t2, err := r.Create(alice)
	if err != nil {
		t.Fatalf("create after evict: %v", err)
	}
	if t2 == t1 {
		t.Fatalf("token reused after evict")
	}
}

func TestRegistry_Create_ReplacesLapsedSession(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var (
		mu      sync.Mutex
		evicted []EvictReason
	)
	r := newTestRegistry(clock, func(_ SessionToken, _ identity.User, reason EvictReason) {
		mu.Lock()
		evicted = append(evicted, reason)
		mu.Unlock()
	})
	alice := identity.User{ID: 1, Username: "alice"}

	t1, err := r.Create(alice)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	clock.Advance(11 * time.Second)

	t2, err := r.Create(alice)
	if err != nil {
		t.Fatalf("create over lapsed session: %v", err)
	}
	if _, err := r.Lookup(t1); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("old token err=%v want=%v", err, ErrUnknownSession)
	}
	if rec, ok := r.FindByUser(alice.ID); !ok || rec.Token != t2 {
		t.Fatalf("FindByUser=%+v,%v want token %s", rec, ok, t2)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(evicted) != 1 || evicted[0] != EvictExpired {
		t.Fatalf("evicted=%v want=[expired]", evicted)
	}
}

func TestRegistry_Touch_RefreshesLiveness(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	r := newTestRegistry(clock, nil)
	token, err := r.Create(identity.User{ID: 7, Username: "g"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	for i := 0; i < 3; i++ {
		clock.Advance(8 * time.Second)
		if err := r.Touch(token); err != nil {
			t.Fatalf("touch %d: %v", i, err)
		}
	}
	if got := r.Expired(clock.Now()); len(got) != 0 {
		t.Fatalf("expired=%v want none", got)
	}

	clock.Advance(10 * time.Second)
	if _, err := r.Lookup(token); err != nil {
		t.Fatalf("lookup at exactly timeout should pass: %v", err)
	}

	clock.Advance(time.Second)
	if err := r.Touch(token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("touch lapsed err=%v want=%v", err, ErrSessionExpired)
	}
	if err := r.Touch(token); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("touch after expiry err=%v want=%v", err, ErrUnknownSession)
	}
}

func TestRegistry_Touch_UnknownToken(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(newFakeClock(), nil)
	if err := r.Touch("nope"); !errors.Is(err, ErrUnknownSession) {
		t.Fatalf("err=%v want=%v", err, ErrUnknownSession)
	}
}

func TestRegistry_Tokens_AreUniqueAndOpaque(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(newFakeClock(), nil)

	seen := make(map[SessionToken]bool)
	for i := int64(1); i <= 100; i++ {
		token, err := r.Create(identity.User{ID: i, Username: "user"})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if seen[token] {
			t.Fatalf("duplicate token %s", token)
		}
		seen[token] = true
		if len(token) != 36 {
			t.Fatalf("token=%q want uuid form", token)
		}
	}
	if r.Len() != 100 {
		t.Fatalf("len=%d want=100", r.Len())
	}
}

func TestRegistry_ConcurrentCreate_SameUser_OneWins(t *testing.T) {
	t.Parallel()

	r := newTestRegistry(newFakeClock(), nil)
	alice := identity.User{ID: 1, Username: "alice"}

	const n = 32
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create(alice); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			} else if !errors.Is(err, ErrAlreadyLoggedIn) {
				t.Errorf("unexpected err: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins=%d want=1", wins)
	}
}
