package chatapi

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"courier/cmd/internal/realtime"
)

const maxTrackedIPs = 10_000

// Handler exposes the chat operations over JSON HTTP.
type Handler struct {
	log *slog.Logger
	cfg Config
	svc *realtime.Service

	mu       sync.Mutex
	loginIPs map[string]*realtime.RateLimiter
}

// NewHandler constructs a Handler over svc.
func NewHandler(log *slog.Logger, svc *realtime.Service, cfg Config) (*Handler, error) {
	if svc == nil {
		return nil, errors.New("chatapi: nil service")
	}
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		log:      log,
		cfg:      cfg.withDefaults(),
		svc:      svc,
		loginIPs: make(map[string]*realtime.RateLimiter),
	}, nil
}

// Register wires the API routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.HandleFunc("POST /api/register", h.handleRegister)
	mux.HandleFunc("POST /api/login", h.handleLogin)
	mux.HandleFunc("POST /api/logout", h.handleLogout)
	mux.HandleFunc("POST /api/heartbeat", h.handleHeartbeat)
	mux.HandleFunc("POST /api/messages", h.handleSendMessage)
	mux.HandleFunc("GET /api/users", h.handleFindUsers)
	mux.HandleFunc("GET /api/users/{id}", h.handleGetUser)
	mux.HandleFunc("GET /api/dialogs", h.handleDialogs)
	mux.HandleFunc("GET /api/dialogs/{user_id}/messages", h.handleDialogMessages)
}

// ---- handlers ----

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	u, err := h.svc.Register(r.Context(), req.Username)
	if err != nil {
		h.fail(w, "api.register.fail", err)
		return
	}
	writeJSON(w, http.StatusCreated, userResponse{responseBase: ok(), User: realtime.UserView(u)})
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !h.allowLogin(clientIP(r, h.cfg.TrustProxy), time.Now().UTC()) {
		w.Header().Set("Retry-After", strconv.FormatInt(int64(h.cfg.LoginIPWindow.Seconds()), 10))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "too many attempts")
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "username is required")
		return
	}

	res, err := h.svc.Login(r.Context(), req.Username)
	if err != nil {
		h.fail(w, "api.login.fail", err)
		return
	}

	base := ok()
	base.SessionToken = res.Token.String()
	writeJSON(w, http.StatusOK, loginResponse{responseBase: base, User: realtime.UserView(res.User)})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Logout(r.Context(), sessionToken(r)); err != nil {
		h.fail(w, "api.logout.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, ok())
}

func (h *Handler) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Heartbeat(sessionToken(r)); err != nil {
		h.fail(w, "api.heartbeat.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, ok())
}

func (h *Handler) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}

	m, err := h.svc.SendMessage(r.Context(), sessionToken(r), realtime.Recipient{ID: req.ToUserID, Username: req.ToUsername}, req.Text)
	if err != nil {
		h.fail(w, "api.message.send.fail", err)
		return
	}
	writeJSON(w, http.StatusCreated, messageResponse{responseBase: ok(), Message: realtime.MessageView(m)})
}

func (h *Handler) handleFindUsers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := optionalInt(q.Get("limit"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a positive integer")
		return
	}

	users, err := h.svc.FindUsers(r.Context(), sessionToken(r), q.Get("q"), limit)
	if err != nil {
		h.fail(w, "api.users.find.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, usersResponse{responseBase: ok(), Users: realtime.UsersView(users)})
}

func (h *Handler) handleGetUser(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "id must be a positive integer")
		return
	}

	u, err := h.svc.GetUser(r.Context(), sessionToken(r), id)
	if err != nil {
		h.fail(w, "api.users.get.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, userResponse{responseBase: ok(), User: realtime.UserView(u)})
}

func (h *Handler) handleDialogs(w http.ResponseWriter, r *http.Request) {
	dialogs, err := h.svc.GetDialogs(r.Context(), sessionToken(r))
	if err != nil {
		h.fail(w, "api.dialogs.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, dialogsResponse{responseBase: ok(), Dialogs: realtime.DialogsView(dialogs)})
}

func (h *Handler) handleDialogMessages(w http.ResponseWriter, r *http.Request) {
	withID, err := pathID(r, "user_id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "user_id must be a positive integer")
		return
	}

	q := realtime.DialogQuery{WithUserID: withID}
	if q.Limit, err = optionalInt(r.URL.Query().Get("limit")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_input", "limit must be a positive integer")
		return
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("after_seq")); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "after_seq must be a non-negative integer")
			return
		}
		q.AfterSeq = &after
	}

	page, err := h.svc.GetDialogMessages(r.Context(), sessionToken(r), q)
	if err != nil {
		h.fail(w, "api.dialog.fetch.fail", err)
		return
	}
	writeJSON(w, http.StatusOK, dialogMessagesResponse{responseBase: ok(), DialogChunk: realtime.DialogChunkView(page)})
}

// ---- helpers ----

func ok() responseBase { return responseBase{Success: true} }

func (h *Handler) fail(w http.ResponseWriter, event string, err error) {
	if errors.Is(err, realtime.ErrInternalRegistry) || realtime.ErrorCode(err) == "internal_error" {
		h.log.Error(event, "err", err)
	}
	writeServiceError(w, err)
}

// allowLogin applies the per-IP login throttle. Requests without a resolvable IP pass.
func (h *Handler) allowLogin(ip net.IP, now time.Time) bool {
	if ip == nil {
		return true
	}
	key := ip.String()

	h.mu.Lock()
	rl, found := h.loginIPs[key]
	if !found {
		if len(h.loginIPs) >= maxTrackedIPs {
			h.loginIPs = make(map[string]*realtime.RateLimiter)
		}
		rl = realtime.NewRateLimiter(h.cfg.LoginIPMax, h.cfg.LoginIPWindow)
		h.loginIPs[key] = rl
	}
	h.mu.Unlock()

	return rl.Allow(now)
}

func sessionToken(r *http.Request) realtime.SessionToken {
	return realtime.SessionToken(bearerToken(r))
}

func bearerToken(r *http.Request) string {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	if raw == "" {
		return ""
	}
	parts := strings.SplitN(raw, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.PathValue(name)), 10, 64)
	if err != nil {
		return 0, err
	}
	if id <= 0 {
		return 0, errors.New("non-positive id")
	}
	return id, nil
}

func optionalInt(raw string) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n <= 0 {
		return 0, errors.New("non-positive value")
	}
	return n, nil
}

func clientIP(r *http.Request, trustProxy bool) net.IP {
	if trustProxy {
		if ip := parseForwardedIP(r.Header.Get("X-Forwarded-For")); ip != nil {
			return ip
		}
		if ip := net.ParseIP(strings.TrimSpace(r.Header.Get("X-Real-IP"))); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
	if err == nil {
		if ip := net.ParseIP(host); ip != nil {
			return ip
		}
	}
	return nil
}

func parseForwardedIP(raw string) net.IP {
	first, _, _ := strings.Cut(raw, ",")
	return net.ParseIP(strings.TrimSpace(first))
}
