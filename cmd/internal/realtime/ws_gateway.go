package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	v1 "courier/shared/contracts/chat/v1"

	"github.com/coder/websocket"
)

const (
	wsSubprotocolV1 = v1.Subprotocol

	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
	wsCloseGrace          = 1 * time.Second

	wsMaxPingFailures = 3

	// Origin is required by default and only localhost is allowed.
	wsDefaultOriginRequired = true
	wsDefaultAllowedOrigins = "http://localhost,http://127.0.0.1"
)

// WSGateway is the WebSocket entrypoint for courier.
//
// It enforces origin policy, subprotocol selection, rate limits and transport heartbeats,
// and maps chat envelopes onto Service operations.
type WSGateway struct {
	log *slog.Logger
	svc *Service

	devInsecure    bool
	originRequired bool
	allowedOrigins []string

	// Derived for websocket.Accept origin checks.
	// Accept() authorizes same-host origins by default, but for cross-origin it requires OriginPatterns.
	originPatterns []string

	writeTimeout    time.Duration
	readIdleTimeout time.Duration
	sendQueueSize   int

	heartbeatEvery   time.Duration
	heartbeatTimeout time.Duration

	rateEvents int
	rateWindow time.Duration
}

// NewWSGateway constructs a gateway with secure defaults read from COURIER_WS_* env vars.
func NewWSGateway(log *slog.Logger, svc *Service) *WSGateway {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	g := &WSGateway{log: log, svc: svc}

	// NOTE: InsecureSkipVerify disables the library's origin check. Dev only.
	g.devInsecure = envBoolWS("COURIER_WS_DEV_INSECURE", false)

	g.originRequired = envBoolWS("COURIER_WS_ORIGIN_REQUIRED", wsDefaultOriginRequired)
	g.allowedOrigins = envCSVWS("COURIER_WS_ALLOWED_ORIGINS", wsDefaultAllowedOrigins)

	// websocket.Accept enforces its own origin policy:
	// - same-host is ok
	// - cross-origin requires OriginPatterns (host patterns)
	// We derive these patterns from allowed origins so the two layers agree.
	g.originPatterns = deriveOriginPatternsFromAllowedOrigins(g.allowedOrigins)

	g.writeTimeout = envDurationWS("COURIER_WS_WRITE_TIMEOUT", wsDefaultWriteTimeout)
	g.readIdleTimeout = envDurationWS("COURIER_WS_READ_IDLE_TIMEOUT", wsDefaultReadIdle)

	g.sendQueueSize = envIntWS("COURIER_WS_SEND_QUEUE", wsDefaultSendQueueSize)
	if g.sendQueueSize < wsMinSendQueueSize {
		g.sendQueueSize = wsMinSendQueueSize
	}

	g.heartbeatEvery = envDurationWS("COURIER_WS_HEARTBEAT_INTERVAL", heartbeatInterval)
	g.heartbeatTimeout = envDurationWS("COURIER_WS_HEARTBEAT_TIMEOUT", heartbeatTimeout)

	g.rateEvents = envIntWS("COURIER_WS_RATE_EVENTS", rateLimitEvents)
	g.rateWindow = envDurationWS("COURIER_WS_RATE_WINDOW", rateLimitWindow)

	return g
}

// ServeHTTP adapter so it can be mounted as http.Handler.
func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.HandleWS(w, r)
}

// wsConn is the per-connection state. It is only touched by the read loop.
type wsConn struct {
	client *Client
	token  SessionToken
	stream *Stream
}

// HandleWS upgrades an HTTP request to a WebSocket and runs the chat loop.
func (g *WSGateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	if err := g.enforceOrigin(r); err != nil {
		g.log.Info("ws.reject.origin", "err", err, "origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       []string{wsSubprotocolV1},
		OriginPatterns:     g.originPatterns,
		InsecureSkipVerify: g.devInsecure,
	})
	if err != nil {
		g.log.Error("ws.accept.fail", "err", err)
		return
	}
	defer func() { _ = conn.Close(websocket.StatusNormalClosure, "bye") }()

	if sp := conn.Subprotocol(); sp != wsSubprotocolV1 {
		g.log.Info("ws.reject.subprotocol", "got", sp, "want", wsSubprotocolV1)
		_ = conn.Close(websocket.StatusProtocolError, "subprotocol required")
		return
	}

	conn.SetReadLimit(maxFrameBytes)

	connID, err := NewConnID(time.Now().UTC())
	if err != nil {
		g.log.Error("ws.conn_id.fail", "err", err)
		_ = conn.Close(websocket.StatusInternalError, "internal error")
		return
	}
	client := NewClient(connID, g.sendQueueSize)
	st := &wsConn{client: client}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var closeOnce sync.Once

	// shutdown is idempotent.
	shutdown := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() {
			client.Close()
			_ = conn.Close(code, reason)
			cancel()
		})
	}

	rl := NewRateLimiter(g.rateEvents, g.rateWindow)

	g.log.Info("ws.open", "conn_id", connID, "remote", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)

		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case env := <-client.Send:
				if err := writeEnvelope(ctx, conn, env, g.writeTimeout); err != nil {
					g.log.Info("ws.write.fail", "conn_id", connID, "close_status", websocket.CloseStatus(err), "err", err)
					shutdown(websocket.StatusAbnormalClosure, "write failed")
					return
				}
			}
		}
	}()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)

		t := time.NewTicker(g.heartbeatEvery)
		defer t.Stop()

		failures := 0
		for {
			select {
			case <-ctx.Done():
				return
			case <-client.Done():
				return
			case <-t.C:
				hbCtx, hbCancel := context.WithTimeout(ctx, g.heartbeatTimeout)
				err := conn.Ping(hbCtx)
				hbCancel()

				if err != nil {
					failures++
					g.log.Info("ws.ping.fail", "conn_id", connID, "failures", failures, "err", err)
					if failures >= wsMaxPingFailures {
						shutdown(websocket.StatusGoingAway, "heartbeat failed")
						return
					}
					continue
				}
				failures = 0
			}
		}
	}()

readLoop:
	for {
		readCtx, readCancel := context.WithTimeout(ctx, g.readIdleTimeout)
		env, err := readEnvelope(readCtx, conn)
		readCancel()

		if err != nil {
			switch classifyReadErr(err) {
			case readErrClose:
				shutdown(websocket.StatusNormalClosure, "peer closed")
				break readLoop
			case readErrCtxDone:
				shutdown(websocket.StatusNormalClosure, "context done")
				break readLoop
			case readErrConnClosed:
				shutdown(websocket.StatusAbnormalClosure, "conn closed")
				break readLoop
			case readErrBadJSON:
				g.trySendError(ctx, client, "bad_json", "invalid JSON")
				continue readLoop
			default:
				g.log.Info("ws.read.fail", "conn_id", connID, "err", err)
				shutdown(websocket.StatusAbnormalClosure, "read failed")
				break readLoop
			}
		}

		if !rl.Allow(time.Now().UTC()) {
			g.trySendError(ctx, client, "rate_limited", "too many events")
			shutdown(websocket.StatusPolicyViolation, "rate limited")
			break readLoop
		}

		if err := env.Validate(); err != nil {
			g.trySendError(ctx, client, "bad_envelope", err.Error())
			continue readLoop
		}

		g.dispatch(ctx, st, env)
	}

	shutdown(websocket.StatusNormalClosure, "bye")

	// Closing the connection ends its stream but does not log the session out;
	// an abandoned session is left to the sweeper.
	if st.stream != nil {
		st.stream.Cancel()
	}
	<-writerDone

	select {
	case <-heartbeatDone:
	case <-time.After(wsCloseGrace):
	}
	g.log.Info("ws.close", "conn_id", connID)
}

// ---- handlers ----

func (g *WSGateway) dispatch(ctx context.Context, st *wsConn, env v1.Envelope) {
	var (
		data  any
		token SessionToken
		err   error
	)

	switch env.Type {
	case v1.TypeHeartbeat:
		// Fire-and-forget: no result either way.
		if err := g.onHeartbeat(st, env); err != nil {
			g.log.Debug("ws.heartbeat.reject", "conn_id", st.client.ConnID, "err", err)
		}
		return
	case v1.TypeRegister:
		data, err = g.onRegister(ctx, env)
	case v1.TypeLogin:
		data, token, err = g.onLogin(ctx, st, env)
	case v1.TypeLogout:
		err = g.onLogout(ctx, st, env)
	case v1.TypeMessageSend:
		data, err = g.onMessageSend(ctx, st, env)
	case v1.TypeSubscribe:
		err = g.onSubscribe(ctx, st, env)
	case v1.TypeUnsubscribe:
		g.onUnsubscribe(st)
	case v1.TypeUsersFind:
		data, err = g.onUsersFind(ctx, st, env)
	case v1.TypeUserGet:
		data, err = g.onUserGet(ctx, st, env)
	case v1.TypeDialogFetch:
		data, err = g.onDialogFetch(ctx, st, env)
	case v1.TypeDialogsFetch:
		data, err = g.onDialogsFetch(ctx, st, env)
	default:
		g.trySendError(ctx, st.client, "unsupported", fmt.Sprintf("unsupported type: %s", env.Type))
		return
	}

	if errors.Is(err, ErrInternalRegistry) {
		g.log.Error("ws.request.fail", "conn_id", st.client.ConnID, "type", env.Type, "err", err)
	}
	g.sendResult(ctx, st.client, env.ID, data, token, err)
}

func (g *WSGateway) onRegister(ctx context.Context, env v1.Envelope) (any, error) {
	var p v1.RegisterPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	u, err := g.svc.Register(ctx, p.Username)
	if err != nil {
		return nil, err
	}
	return UserView(u), nil
}

func (g *WSGateway) onLogin(ctx context.Context, st *wsConn, env v1.Envelope) (any, SessionToken, error) {
	var p v1.LoginPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, "", err
	}
	res, err := g.svc.Login(ctx, p.Username)
	if err != nil {
		return nil, "", err
	}
	st.token = res.Token
	return v1.LoginResult{SessionToken: res.Token.String(), User: UserView(res.User)}, res.Token, nil
}

func (g *WSGateway) onLogout(ctx context.Context, st *wsConn, env v1.Envelope) error {
	var p v1.SessionPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	token := st.resolve(p.SessionToken)
	if err := g.svc.Logout(ctx, token); err != nil {
		return err
	}
	if token == st.token {
		st.token = ""
	}
	return nil
}

func (g *WSGateway) onHeartbeat(st *wsConn, env v1.Envelope) error {
	var p v1.SessionPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	return g.svc.Heartbeat(st.resolve(p.SessionToken))
}

func (g *WSGateway) onMessageSend(ctx context.Context, st *wsConn, env v1.Envelope) (any, error) {
	var p v1.MessageSendPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	m, err := g.svc.SendMessage(ctx, st.resolve(p.SessionToken), Recipient{ID: p.ToUserID, Username: p.ToUsername}, p.Text)
	if err != nil {
		return nil, err
	}
	return MessageView(m), nil
}

func (g *WSGateway) onSubscribe(ctx context.Context, st *wsConn, env v1.Envelope) error {
	var p v1.SessionPayload
	if err := decodePayload(env, &p); err != nil {
		return err
	}
	stream, err := g.svc.Subscribe(st.resolve(p.SessionToken))
	if err != nil {
		return err
	}
	if st.stream != nil {
		st.stream.Cancel()
	}
	st.stream = stream
	go g.drain(ctx, st.client, stream)
	return nil
}

func (g *WSGateway) onUnsubscribe(st *wsConn) {
	if st.stream != nil {
		st.stream.Cancel()
		st.stream = nil
	}
}

func (g *WSGateway) onUsersFind(ctx context.Context, st *wsConn, env v1.Envelope) (any, error) {
	var p v1.UsersFindPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	users, err := g.svc.FindUsers(ctx, st.resolve(p.SessionToken), p.Query, p.Limit)
	if err != nil {
		return nil, err
	}
	return UsersView(users), nil
}

func (g *WSGateway) onUserGet(ctx context.Context, st *wsConn, env v1.Envelope) (any, error) {
	var p v1.UserGetPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	u, err := g.svc.GetUser(ctx, st.resolve(p.SessionToken), p.UserID)
	if err != nil {
		return nil, err
	}
	return UserView(u), nil
}

func (g *WSGateway) onDialogFetch(ctx context.Context, st *wsConn, env v1.Envelope) (any, error) {
	var p v1.DialogFetchPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	page, err := g.svc.GetDialogMessages(ctx, st.resolve(p.SessionToken), DialogQuery{
		WithUserID: p.WithUserID,
		AfterSeq:   p.AfterSeq,
		Limit:      p.Limit,
	})
	if err != nil {
		return nil, err
	}
	return DialogChunkView(page), nil
}

func (g *WSGateway) onDialogsFetch(ctx context.Context, st *wsConn, env v1.Envelope) (any, error) {
	var p v1.SessionPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	dialogs, err := g.svc.GetDialogs(ctx, st.resolve(p.SessionToken))
	if err != nil {
		return nil, err
	}
	return DialogsView(dialogs), nil
}

// drain forwards stream messages to the client in order until the stream ends.
func (g *WSGateway) drain(ctx context.Context, client *Client, stream *Stream) {
	for {
		m, err := stream.Next(ctx)
		if err != nil {
			reason := "closed"
			switch {
			case errors.Is(err, ErrStreamCancelled):
				reason = "cancelled"
			case errors.Is(err, ErrSessionEvicted):
				reason = "evicted"
			}
			if reason != "closed" {
				p, _ := json.Marshal(v1.StreamClosedPayload{Reason: reason})
				_ = g.deliver(ctx, client, newEnvelope(v1.TypeStreamClosed, p, time.Now().UTC()))
			}
			g.log.Info("stream.close", "conn_id", client.ConnID, "reason", reason)
			return
		}

		p, _ := json.Marshal(v1.MessageNewPayload{Message: MessageView(m)})
		if !g.deliver(ctx, client, newEnvelope(v1.TypeMessageNew, p, time.Now().UTC())) {
			stream.Cancel()
			return
		}
	}
}

func (st *wsConn) resolve(explicit string) SessionToken {
	if t := strings.TrimSpace(explicit); t != "" {
		return SessionToken(t)
	}
	return st.token
}

func decodePayload(env v1.Envelope, dst any) error {
	if len(env.Payload) == 0 || string(env.Payload) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Payload, dst); err != nil {
		return InvalidInputError{Field: "payload", Reason: err.Error()}
	}
	return nil
}

// ---- send helpers ----

func (g *WSGateway) sendResult(ctx context.Context, client *Client, requestID string, data any, token SessionToken, err error) {
	res := v1.ResultPayload{RequestID: requestID, Success: err == nil}
	if err != nil {
		res.Error = PublicMessage(err)
		res.Code = ErrorCode(err)
		if failed, ok := FailedToken(err); ok {
			res.SessionToken = failed.String()
		}
	} else {
		res.SessionToken = token.String()
		if data != nil {
			b, mErr := json.Marshal(data)
			if mErr != nil {
				g.log.Error("ws.result.marshal.fail", "conn_id", client.ConnID, "err", mErr)
				res = v1.ResultPayload{RequestID: requestID, Error: ErrInternalRegistry.Error(), Code: "internal_error"}
			} else {
				res.Data = b
			}
		}
	}

	p, _ := json.Marshal(res)
	if !g.deliver(ctx, client, newEnvelope(v1.TypeResult, p, time.Now().UTC())) {
		g.log.Info("ws.result.drop", "conn_id", client.ConnID, "request_id", requestID)
	}
}

func (g *WSGateway) trySendError(ctx context.Context, client *Client, code, msg string) {
	p, _ := json.Marshal(v1.ErrorPayload{Code: code, Message: msg})
	env := newEnvelope(v1.TypeError, p, time.Now().UTC())
	_ = g.enqueue(ctx, client, env)
}

// enqueue is a non-blocking send; it drops env when the client queue is full.
func (g *WSGateway) enqueue(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	default:
		return false
	}
}

// deliver waits for room in the client queue. Stream pushes use it so a slow writer
// leaves messages in the session's channel instead of dropping them.
func (g *WSGateway) deliver(ctx context.Context, client *Client, env v1.Envelope) bool {
	select {
	case <-ctx.Done():
		return false
	case <-client.Done():
		return false
	case client.Send <- env:
		return true
	}
}

// ---- envelope IO ----

func newEnvelope(typ string, payload json.RawMessage, ts time.Time) v1.Envelope {
	id, err := NewEnvelopeID(ts)
	if err != nil {
		id = strconv.FormatInt(ts.UnixNano(), 36)
	}
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      id,
		TS:      ts,
		Payload: payload,
	}
}

func readEnvelope(ctx context.Context, conn *websocket.Conn) (v1.Envelope, error) {
	mt, data, err := conn.Read(ctx)
	if err != nil {
		return v1.Envelope{}, err
	}
	if mt != websocket.MessageText && mt != websocket.MessageBinary {
		return v1.Envelope{}, fmt.Errorf("unsupported message type: %v", mt)
	}
	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return v1.Envelope{}, err
	}
	return env, nil
}

func writeEnvelope(parent context.Context, conn *websocket.Conn, env v1.Envelope, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, b)
}

// ---- read error classification ----

type readErrKind uint8

const (
	readErrUnknown readErrKind = iota
	readErrClose
	readErrCtxDone
	readErrConnClosed
	readErrBadJSON
)

func classifyReadErr(err error) readErrKind {
	if websocket.CloseStatus(err) != -1 {
		return readErrClose
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return readErrCtxDone
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return readErrConnClosed
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return readErrBadJSON
	}
	s := err.Error()
	if strings.Contains(s, "unexpected end of JSON input") || strings.Contains(s, "invalid character") {
		return readErrBadJSON
	}
	return readErrUnknown
}

// ---- origin policy ----

func (g *WSGateway) enforceOrigin(r *http.Request) error {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		if g.originRequired {
			return errors.New("missing origin")
		}
		return nil
	}

	if len(g.allowedOrigins) == 0 {
		return errors.New("origin not allowed (no allowlist)")
	}

	originHost := originHostOnly(origin)

	for _, a := range g.allowedOrigins {
		a = strings.TrimSpace(a)
		if a == "" {
			continue
		}
		if a == "*" {
			return nil
		}

		// Full origin match (scheme + host + optional port).
		if origin == a {
			return nil
		}

		// Host match fallback (ignores port/scheme).
		if originHost != "" && originHost == originHostOnly(a) {
			return nil
		}
	}

	return fmt.Errorf("origin not allowed: %s", origin)
}

func originHostOnly(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}

	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		h := strings.TrimSpace(u.Host)
		if h == "" {
			return ""
		}
		if host, _, err := net.SplitHostPort(h); err == nil {
			return strings.ToLower(host)
		}
		return strings.ToLower(h)
	}

	if host, _, err := net.SplitHostPort(s); err == nil {
		return strings.ToLower(host)
	}
	return strings.ToLower(s)
}

func deriveOriginPatternsFromAllowedOrigins(allowed []string) []string {
	// websocket.Accept matches OriginPatterns against the origin host using filepath.Match patterns.
	seen := make(map[string]struct{}, len(allowed))

	for _, a := range allowed {
		h := originHostOnly(a)
		if h == "" || h == "*" {
			continue
		}
		seen[h] = struct{}{}
	}

	out := make([]string, 0, len(seen))
	for h := range seen {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// ---- env helpers ----

func envBoolWS(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envIntWS(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func envDurationWS(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

func envCSVWS(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
