// Package main provides a CI-friendly WebSocket smoke test for the courier gateway.
//
// It validates:
//   - handshake + subprotocol selection
//   - register and login for two users
//   - subscribe, send, and live message_new delivery
//   - dialog history and the dialogs list
//   - logout closing the subscriber's stream
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	v1 "courier/shared/contracts/chat/v1"

	"github.com/coder/websocket"
	"github.com/spf13/pflag"
)

const maxReadBytes = 1 << 20 // 1MiB

type smokeClient struct {
	name  string
	conn  *websocket.Conn
	seq   int
	token string
	user  v1.User

	inbox chan v1.Envelope
	errCh chan error
}

func main() {
	var (
		wsURL   = pflag.String("url", "ws://127.0.0.1:8080/ws", "WebSocket URL")
		origin  = pflag.String("origin", "http://localhost", "Origin header to send (browser-like WS handshake)")
		prefix  = pflag.String("prefix", "smoke", "Username prefix; a unique suffix is appended")
		text    = pflag.String("text", "hello courier 👋", "Message text to send")
		timeout = pflag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose = pflag.BoolP("verbose", "v", false, "Verbose output")
	)
	pflag.Parse()

	if err := validateWSURL(*wsURL); err != nil {
		fatalf("invalid --url: %v", err)
	}
	if err := validateOrigin(*origin); err != nil {
		fatalf("invalid --origin: %v", err)
	}

	root := context.Background()
	suffix := time.Now().UTC().Format("150405") + fmt.Sprintf("%03d", time.Now().Nanosecond()/1e6)

	a := mustConnect(root, "A", *wsURL, *origin, *timeout)
	defer closeWS(a.conn)

	b := mustConnect(root, "B", *wsURL, *origin, *timeout)
	defer closeWS(b.conn)

	mustRegister(root, a, *prefix+"_a"+suffix, *timeout)
	mustRegister(root, b, *prefix+"_b"+suffix, *timeout)
	mustLogin(root, a, *timeout)
	mustLogin(root, b, *timeout)

	if *verbose {
		fmt.Printf("logged in: A=%s(%d) B=%s(%d) origin=%q\n", a.user.Username, a.user.ID, b.user.Username, b.user.ID, *origin)
	}

	mustRequest(root, b, v1.TypeSubscribe, v1.SessionPayload{}, *timeout)

	var sent v1.Message
	data := mustRequest(root, a, v1.TypeMessageSend, v1.MessageSendPayload{ToUsername: b.user.Username, Text: *text}, *timeout)
	mustUnmarshal(data, &sent, "message_send result")
	if sent.ID == "" || sent.To.ID != b.user.ID || sent.From.ID != a.user.ID {
		fatalf("send result mismatch: %+v", sent)
	}

	mustAssertNew(root, b, sent, *timeout)

	var chunk v1.DialogChunk
	data = mustRequest(root, a, v1.TypeDialogFetch, v1.DialogFetchPayload{WithUserID: b.user.ID, Limit: 50}, *timeout)
	mustUnmarshal(data, &chunk, "dialog_fetch result")
	if !containsMessage(chunk.Messages, sent.ID) {
		fatalf("dialog_fetch missing message %s", sent.ID)
	}

	var dialogs []v1.Dialog
	data = mustRequest(root, b, v1.TypeDialogsFetch, v1.SessionPayload{}, *timeout)
	mustUnmarshal(data, &dialogs, "dialogs_fetch result")
	if len(dialogs) == 0 || dialogs[0].WithUser.ID != a.user.ID {
		fatalf("dialogs_fetch mismatch: %+v", dialogs)
	}

	mustRequest(root, b, v1.TypeLogout, v1.SessionPayload{}, *timeout)
	closed := b.mustReadUntilType(root, v1.TypeStreamClosed, *timeout, nil)
	var cp v1.StreamClosedPayload
	mustUnmarshal(closed.Payload, &cp, "stream_closed payload")
	if cp.Reason != "evicted" {
		fatalf("stream_closed reason=%q want=evicted", cp.Reason)
	}

	mustRequest(root, a, v1.TypeLogout, v1.SessionPayload{}, *timeout)

	fmt.Printf("OK: A=%s B=%s message_id=%s history=%d\n", a.user.Username, b.user.Username, sent.ID, len(chunk.Messages))
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func validateOrigin(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("origin must be http/https, got: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("origin missing host")
	}
	return nil
}

func mustConnect(parent context.Context, name, wsURL, origin string, stepTimeout time.Duration) *smokeClient {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	h := http.Header{}
	if strings.TrimSpace(origin) != "" {
		h.Set("Origin", origin)
	}

	conn, resp, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
		HTTPHeader:   h,
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect %s: %v", name, err)
	}

	assertSubprotocol(resp, v1.Subprotocol)

	conn.SetReadLimit(maxReadBytes)

	c := &smokeClient{
		name:  name,
		conn:  conn,
		inbox: make(chan v1.Envelope, 512),
		errCh: make(chan error, 1),
	}
	c.startReadLoop()
	return c
}

func assertSubprotocol(resp *http.Response, want string) {
	if resp == nil {
		return
	}
	got := strings.TrimSpace(resp.Header.Get("Sec-WebSocket-Protocol"))
	if got == "" {
		return
	}
	if got != want {
		fatalf("subprotocol mismatch: got=%q want=%q", got, want)
	}
}

func (c *smokeClient) startReadLoop() {
	go func() {
		defer close(c.inbox)

		for {
			mt, data, err := c.conn.Read(context.Background())
			if err != nil {
				c.fail(err)
				return
			}
			if mt != websocket.MessageText && mt != websocket.MessageBinary {
				c.fail(fmt.Errorf("unsupported message type: %v", mt))
				return
			}

			var env v1.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				c.fail(fmt.Errorf("bad json: %w", err))
				return
			}
			if err := env.Validate(); err != nil {
				c.fail(fmt.Errorf("bad envelope: %w", err))
				return
			}

			select {
			case c.inbox <- env:
			default:
				c.fail(errors.New("inbox overflow: consumer too slow"))
				return
			}
		}
	}()
}

func (c *smokeClient) fail(err error) {
	select {
	case c.errCh <- err:
	default:
	}
}

func mustRegister(parent context.Context, c *smokeClient, username string, stepTimeout time.Duration) {
	data := mustRequest(parent, c, v1.TypeRegister, v1.RegisterPayload{Username: username}, stepTimeout)
	mustUnmarshal(data, &c.user, "register result")
	if c.user.ID == 0 {
		fatalf("register returned no user id (%s)", c.name)
	}
}

func mustLogin(parent context.Context, c *smokeClient, stepTimeout time.Duration) {
	var res v1.LoginResult
	data := mustRequest(parent, c, v1.TypeLogin, v1.LoginPayload{Username: c.user.Username}, stepTimeout)
	mustUnmarshal(data, &res, "login result")
	if strings.TrimSpace(res.SessionToken) == "" {
		fatalf("login returned no session token (%s)", c.name)
	}
	if res.User.ID != c.user.ID {
		fatalf("login user mismatch (%s): got=%d want=%d", c.name, res.User.ID, c.user.ID)
	}
	c.token = res.SessionToken
}

// mustRequest sends one request and returns the data of its successful result.
func mustRequest(parent context.Context, c *smokeClient, typ string, payload any, stepTimeout time.Duration) json.RawMessage {
	c.seq++
	id := fmt.Sprintf("%s-%s-%d", c.name, typ, c.seq)

	mustWriteWithTimeout(parent, c.conn, v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}, stepTimeout)

	skip := map[string]struct{}{v1.TypeMessageNew: {}}
	for {
		env := c.mustReadUntilType(parent, v1.TypeResult, stepTimeout, skip)

		var res v1.ResultPayload
		mustUnmarshal(env.Payload, &res, "result payload")
		if res.RequestID != id {
			continue
		}
		if !res.Success {
			fatalf("%s failed (%s): code=%q error=%q", typ, c.name, res.Code, res.Error)
		}
		return res.Data
	}
}

func mustAssertNew(parent context.Context, c *smokeClient, want v1.Message, stepTimeout time.Duration) {
	env := c.mustReadUntilType(parent, v1.TypeMessageNew, stepTimeout, nil)

	var p v1.MessageNewPayload
	mustUnmarshal(env.Payload, &p, "message_new payload")

	got := p.Message
	if got.ID != want.ID {
		fatalf("message_new id mismatch (%s): got=%q want=%q", c.name, got.ID, want.ID)
	}
	if got.From.ID != want.From.ID || got.To.ID != want.To.ID {
		fatalf("message_new routing mismatch (%s): from=%d to=%d", c.name, got.From.ID, got.To.ID)
	}
	if got.Text != want.Text {
		fatalf("message_new text mismatch (%s): got=%q want=%q", c.name, got.Text, want.Text)
	}
	if got.CreatedAt.IsZero() {
		fatalf("message_new created_at missing (%s)", c.name)
	}
}

func containsMessage(msgs []v1.DialogMessage, id string) bool {
	for _, m := range msgs {
		if m.ID == id {
			return true
		}
	}
	return false
}

func (c *smokeClient) mustReadUntilType(parent context.Context, wantType string, stepTimeout time.Duration, skipTypes map[string]struct{}) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			fatalf("timeout waiting for %q (%s): %v", wantType, c.name, ctx.Err())
		case err := <-c.errCh:
			fatalf("connection error while waiting for %q (%s): %v", wantType, c.name, err)
		case env, ok := <-c.inbox:
			if !ok {
				fatalf("connection closed while waiting for %q (%s)", wantType, c.name)
			}
			if env.Type == wantType {
				return env
			}
			if env.Type == v1.TypeError {
				var ep v1.ErrorPayload
				_ = json.Unmarshal(env.Payload, &ep)
				fatalf("server error (%s): code=%q msg=%q", c.name, ep.Code, ep.Message)
			}
			if _, ok := skipTypes[env.Type]; ok {
				continue
			}
			fatalf("unexpected envelope type (%s): got=%q want=%q", c.name, env.Type, wantType)
		}
	}
}

func mustWriteWithTimeout(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func mustUnmarshal(data []byte, v any, what string) {
	if err := json.Unmarshal(data, v); err != nil {
		fatalf("unmarshal %s: %v", what, err)
	}
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
