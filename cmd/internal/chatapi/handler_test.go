package chatapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"courier/cmd/identity"
	"courier/cmd/internal/realtime"
)

type apiEnv struct {
	ts    *httptest.Server
	svc   *realtime.Service
	users map[string]identity.User
	now   *testClock
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newAPIEnv(t *testing.T, cfg Config, usernames ...string) *apiEnv {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := identity.NewInMemoryStore()
	env := &apiEnv{users: make(map[string]identity.User), now: &testClock{now: time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)}}
	for _, name := range usernames {
		u, err := store.CreateUser(context.Background(), identity.CreateUserInput{Username: name})
		if err != nil {
			t.Fatalf("seed %q: %v", name, err)
		}
		env.users[name] = u
	}

	svc, err := realtime.NewService(log, store, realtime.NewInMemoryStore(), realtime.Config{
		SessionTimeout: 10 * time.Second,
		Clock:          env.now,
	})
	if err != nil {
		t.Fatalf("service: %v", err)
	}
	env.svc = svc

	h, err := NewHandler(log, svc, cfg)
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	mux := http.NewServeMux()
	h.Register(mux)
	env.ts = httptest.NewServer(mux)
	t.Cleanup(env.ts.Close)
	return env
}

func (e *apiEnv) do(t *testing.T, method, path, token string, body any) (int, []byte) {
	t.Helper()

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, e.ts.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := e.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, out
}

func (e *apiEnv) mustLogin(t *testing.T, username string) string {
	t.Helper()
	status, body := e.do(t, http.MethodPost, "/api/login", "", loginRequest{Username: username})
	if status != http.StatusOK {
		t.Fatalf("login %q status=%d body=%s", username, status, body)
	}
	var res loginResponse
	if err := json.Unmarshal(body, &res); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if !res.Success || res.SessionToken == "" {
		t.Fatalf("login response=%+v", res)
	}
	return res.SessionToken
}

func decodeBase(t *testing.T, body []byte) responseBase {
	t.Helper()
	var b responseBase
	if err := json.Unmarshal(body, &b); err != nil {
		t.Fatalf("decode base: %v body=%s", err, body)
	}
	return b
}

func TestAPI_RegisterLoginLogout(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{})

	status, body := env.do(t, http.MethodPost, "/api/register", "", registerRequest{Username: "alice"})
	if status != http.StatusCreated {
		t.Fatalf("register status=%d body=%s", status, body)
	}
	var reg userResponse
	if err := json.Unmarshal(body, &reg); err != nil {
		t.Fatalf("decode register: %v", err)
	}
	if !reg.Success || reg.User.Username != "alice" || reg.User.ID == 0 {
		t.Fatalf("register=%+v", reg)
	}

	status, body = env.do(t, http.MethodPost, "/api/register", "", registerRequest{Username: "Alice"})
	if status != http.StatusConflict || decodeBase(t, body).Code != "user_exists" {
		t.Fatalf("dup register status=%d body=%s", status, body)
	}

	token := env.mustLogin(t, "alice")

	status, body = env.do(t, http.MethodPost, "/api/login", "", loginRequest{Username: "alice"})
	if status != http.StatusConflict || decodeBase(t, body).Code != "already_logged_in" {
		t.Fatalf("second login status=%d body=%s", status, body)
	}

	if status, body = env.do(t, http.MethodPost, "/api/logout", token, nil); status != http.StatusOK {
		t.Fatalf("logout status=%d body=%s", status, body)
	}

	status, body = env.do(t, http.MethodPost, "/api/logout", token, nil)
	base := decodeBase(t, body)
	if status != http.StatusUnauthorized || base.Success || base.Code != "unknown_session" || base.SessionToken != token {
		t.Fatalf("logout after logout status=%d body=%s", status, body)
	}

	env.mustLogin(t, "alice")
}

func TestAPI_Login_UnknownUser(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{})
	status, body := env.do(t, http.MethodPost, "/api/login", "", loginRequest{Username: "ghost"})
	if status != http.StatusNotFound || decodeBase(t, body).Code != "unknown_user" {
		t.Fatalf("status=%d body=%s", status, body)
	}
}

func TestAPI_RejectsMalformedBodies(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{MaxBodyBytes: 64})

	cases := []struct {
		name string
		body string
	}{
		{"unknown field", `{"username":"a","admin":true}`},
		{"trailing data", `{"username":"a"}{}`},
		{"too large", `{"username":"` + strings.Repeat("a", 128) + `"}`},
		{"not json", `username=a`},
	}
	for _, tc := range cases {
		resp, err := env.ts.Client().Post(env.ts.URL+"/api/register", "application/json", strings.NewReader(tc.body))
		if err != nil {
			t.Fatalf("%s: %v", tc.name, err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("%s: status=%d want=400", tc.name, resp.StatusCode)
		}
		if cc := resp.Header.Get("Cache-Control"); cc != "no-store" {
			t.Fatalf("%s: cache-control=%q", tc.name, cc)
		}
	}
}

func TestAPI_SendAndReadDialog(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{}, "alice", "bob")
	ta := env.mustLogin(t, "alice")
	tb := env.mustLogin(t, "bob")

	st, err := env.svc.Subscribe(realtime.SessionToken(tb))
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer st.Cancel()

	for i := 0; i < 3; i++ {
		status, body := env.do(t, http.MethodPost, "/api/messages", ta, sendMessageRequest{ToUsername: "bob", Text: "m" + strconv.Itoa(i)})
		if status != http.StatusCreated {
			t.Fatalf("send status=%d body=%s", status, body)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		m, err := st.Next(ctx)
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if want := "m" + strconv.Itoa(i); m.Text != want {
			t.Fatalf("got=%q want=%q", m.Text, want)
		}
	}

	bobID := strconv.FormatInt(env.users["bob"].ID, 10)
	status, body := env.do(t, http.MethodGet, "/api/dialogs/"+bobID+"/messages?limit=2", ta, nil)
	if status != http.StatusOK {
		t.Fatalf("dialog status=%d body=%s", status, body)
	}
	var page dialogMessagesResponse
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode dialog: %v", err)
	}
	if len(page.Messages) != 2 || !page.HasMore || page.Messages[0].Text != "m0" {
		t.Fatalf("page=%+v", page)
	}

	after := strconv.FormatInt(page.Messages[1].Seq, 10)
	_, body = env.do(t, http.MethodGet, "/api/dialogs/"+bobID+"/messages?after_seq="+after, ta, nil)
	page = dialogMessagesResponse{}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("decode dialog: %v", err)
	}
	if len(page.Messages) != 1 || page.HasMore || page.Messages[0].Text != "m2" {
		t.Fatalf("page 2=%+v", page)
	}

	status, body = env.do(t, http.MethodGet, "/api/dialogs", tb, nil)
	var dialogs dialogsResponse
	if err := json.Unmarshal(body, &dialogs); err != nil {
		t.Fatalf("decode dialogs: %v", err)
	}
	if status != http.StatusOK || len(dialogs.Dialogs) != 1 || dialogs.Dialogs[0].WithUser.Username != "alice" {
		t.Fatalf("dialogs status=%d body=%s", status, body)
	}
}

func TestAPI_SendErrors(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{}, "alice")
	ta := env.mustLogin(t, "alice")

	cases := []struct {
		name   string
		token  string
		req    sendMessageRequest
		status int
		code   string
	}{
		{"no token", "", sendMessageRequest{ToUsername: "alice", Text: "x"}, http.StatusUnauthorized, "unknown_session"},
		{"unknown recipient", ta, sendMessageRequest{ToUsername: "zed", Text: "x"}, http.StatusNotFound, "unknown_recipient"},
		{"empty text", ta, sendMessageRequest{ToUsername: "alice", Text: " "}, http.StatusBadRequest, "invalid_input"},
		{"no recipient", ta, sendMessageRequest{Text: "x"}, http.StatusBadRequest, "invalid_input"},
	}
	for _, tc := range cases {
		status, body := env.do(t, http.MethodPost, "/api/messages", tc.token, tc.req)
		if status != tc.status || decodeBase(t, body).Code != tc.code {
			t.Fatalf("%s: status=%d body=%s want %d/%s", tc.name, status, body, tc.status, tc.code)
		}
	}
}

func TestAPI_ExpiredSession(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{}, "alice")
	ta := env.mustLogin(t, "alice")

	env.now.Advance(8 * time.Second)
	if status, body := env.do(t, http.MethodPost, "/api/heartbeat", ta, nil); status != http.StatusOK {
		t.Fatalf("heartbeat status=%d body=%s", status, body)
	}

	env.now.Advance(11 * time.Second)
	status, body := env.do(t, http.MethodPost, "/api/heartbeat", ta, nil)
	if status != http.StatusUnauthorized || decodeBase(t, body).Code != "session_expired" {
		t.Fatalf("expired heartbeat status=%d body=%s", status, body)
	}
}

func TestAPI_Users(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{}, "alice", "alicia", "bob")
	tb := env.mustLogin(t, "bob")

	status, body := env.do(t, http.MethodGet, "/api/users?q=ali&limit=1", tb, nil)
	var found usersResponse
	if err := json.Unmarshal(body, &found); err != nil {
		t.Fatalf("decode users: %v", err)
	}
	if status != http.StatusOK || len(found.Users) != 1 || found.Users[0].Username != "alice" {
		t.Fatalf("find status=%d body=%s", status, body)
	}

	if status, _ := env.do(t, http.MethodGet, "/api/users?limit=-3", tb, nil); status != http.StatusBadRequest {
		t.Fatalf("bad limit status=%d", status)
	}

	id := strconv.FormatInt(env.users["alicia"].ID, 10)
	status, body = env.do(t, http.MethodGet, "/api/users/"+id, tb, nil)
	var got userResponse
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode user: %v", err)
	}
	if status != http.StatusOK || got.User.Username != "alicia" {
		t.Fatalf("get status=%d body=%s", status, body)
	}

	if status, _ := env.do(t, http.MethodGet, "/api/users/9999", tb, nil); status != http.StatusNotFound {
		t.Fatalf("missing user status=%d", status)
	}
	if status, _ := env.do(t, http.MethodGet, "/api/users/abc", tb, nil); status != http.StatusBadRequest {
		t.Fatalf("bad id status=%d", status)
	}
}

func TestAPI_LoginThrottledPerIP(t *testing.T) {
	t.Parallel()

	env := newAPIEnv(t, Config{LoginIPMax: 2, LoginIPWindow: time.Hour})

	for i := 0; i < 2; i++ {
		status, _ := env.do(t, http.MethodPost, "/api/login", "", loginRequest{Username: "ghost"})
		if status != http.StatusNotFound {
			t.Fatalf("attempt %d status=%d", i, status)
		}
	}
	status, body := env.do(t, http.MethodPost, "/api/login", "", loginRequest{Username: "ghost"})
	if status != http.StatusTooManyRequests || decodeBase(t, body).Code != "rate_limited" {
		t.Fatalf("status=%d body=%s", status, body)
	}
}

func TestBearerToken(t *testing.T) {
	t.Parallel()

	cases := []struct {
		header string
		want   string
	}{
		{"", ""},
		{"Bearer abc", "abc"},
		{"bearer   abc  ", "abc"},
		{"Basic abc", ""},
		{"Bearer", ""},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		if tc.header != "" {
			r.Header.Set("Authorization", tc.header)
		}
		if got := bearerToken(r); got != tc.want {
			t.Fatalf("header=%q token=%q want=%q", tc.header, got, tc.want)
		}
	}
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.1:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	if got := clientIP(r, false).String(); got != "10.0.0.1" {
		t.Fatalf("untrusted ip=%s want=10.0.0.1", got)
	}
	if got := clientIP(r, true).String(); got != "203.0.113.9" {
		t.Fatalf("trusted ip=%s want=203.0.113.9", got)
	}
}
