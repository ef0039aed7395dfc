package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"courier/cmd/identity"
	sectoken "courier/cmd/security/token"

	"github.com/prometheus/client_golang/prometheus"
)

// Config configures a Service.
type Config struct {
	SessionTimeout time.Duration
	SweepInterval  time.Duration

	// Clock defaults to SystemClock.
	Clock Clock

	// Registerer receives the core's metrics. Nil disables registration.
	Registerer prometheus.Registerer
}

// Service exposes courier's logical operations. Every operation that takes a token
// validates it through the registry first; a failed check returns
// *CheckSessionFailedError and touches nothing else.
type Service struct {
	log     *slog.Logger
	users   identity.Store
	history HistoryStore

	sessions *Registry
	channels *Channels
	router   *Router
	sweeper  *Sweeper
	metrics  *Metrics
}

// LoginResult is returned by a successful Login.
type LoginResult struct {
	Token SessionToken
	User  identity.User
}

// DialogQuery selects a window of the dialog with WithUserID.
type DialogQuery struct {
	WithUserID int64
	AfterSeq   *int64
	Limit      int
}

// DialogPage is one window of a dialog.
type DialogPage struct {
	WithUser identity.User
	Messages []StoredMessage
	HasMore  bool
}

// NewService wires the registry, channel manager, router and sweeper.
// history may be nil, in which case messages are delivered live only.
func NewService(log *slog.Logger, users identity.Store, history HistoryStore, cfg Config) (*Service, error) {
	if users == nil {
		return nil, errors.New("realtime: nil identity store")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Service{log: log, users: users, history: history}

	s.sessions = NewRegistry(cfg.SessionTimeout, WithClock(cfg.Clock), WithRegistryLogger(log))
	s.channels = NewChannels(s.sessions)

	m, err := NewMetrics(cfg.Registerer, s.sessions.Len, s.channels.Len)
	if err != nil {
		return nil, fmt.Errorf("realtime: metrics: %w", err)
	}
	s.metrics = m

	s.sessions.SetEvictHook(func(token SessionToken, _ identity.User, reason EvictReason) {
		s.channels.Close(token)
		s.metrics.evicted(reason)
	})

	s.router = NewRouter(log, s.sessions, s.channels, users, history, m)
	s.sweeper = NewSweeper(s.sessions, cfg.SweepInterval, log, m)
	return s, nil
}

// Sessions returns the session registry.
func (s *Service) Sessions() *Registry { return s.sessions }

// Channels returns the delivery channel manager.
func (s *Service) Channels() *Channels { return s.channels }

// Sweeper returns the liveness sweeper; the caller runs it.
func (s *Service) Sweeper() *Sweeper { return s.sweeper }

// gate validates token and refreshes its liveness.
func (s *Service) gate(token SessionToken) (SessionRecord, error) {
	rec, err := s.sessions.Validate(token)
	if err != nil {
		return SessionRecord{}, &CheckSessionFailedError{Token: token, Err: err}
	}
	return rec, nil
}

// Register creates a user.
func (s *Service) Register(ctx context.Context, username string) (identity.User, error) {
	u, err := s.users.CreateUser(ctx, identity.CreateUserInput{Username: username, Now: s.sessions.Now()})
	switch {
	case err == nil:
		s.log.Info("user.register", "user_id", u.ID, "username", u.Username)
		return u, nil
	case identity.IsInvalidInput(err):
		return identity.User{}, InvalidInputError{Field: "username", Reason: usernameReason(err)}
	case identity.IsConflict(err):
		return identity.User{}, ErrUserExists
	default:
		return identity.User{}, fmt.Errorf("%w: create user: %w", ErrInternalRegistry, err)
	}
}

// Login resolves username and opens a session for it.
func (s *Service) Login(ctx context.Context, username string) (LoginResult, error) {
	u, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		s.metrics.login(false)
		if identity.IsNotFound(err) {
			return LoginResult{}, ErrUnknownUser
		}
		return LoginResult{}, fmt.Errorf("%w: resolve user: %w", ErrInternalRegistry, err)
	}

	token, err := s.sessions.Create(u)
	if err != nil {
		s.metrics.login(false)
		return LoginResult{}, err
	}

	s.metrics.login(true)
	s.log.Info("session.login", "token_fp", sectoken.Fingerprint(token.String()), "user_id", u.ID, "username", u.Username)
	return LoginResult{Token: token, User: u}, nil
}

// Logout evicts the session and ends its stream.
func (s *Service) Logout(_ context.Context, token SessionToken) error {
	rec, err := s.gate(token)
	if err != nil {
		return err
	}
	if !s.sessions.Evict(token) {
		return &CheckSessionFailedError{Token: token, Err: ErrUnknownSession}
	}
	s.log.Info("session.logout", "user_id", rec.User.ID)
	return nil
}

// Heartbeat refreshes liveness.
func (s *Service) Heartbeat(token SessionToken) error {
	_, err := s.gate(token)
	return err
}

// SendMessage routes text from the session's user to the recipient.
func (s *Service) SendMessage(ctx context.Context, token SessionToken, to Recipient, text string) (Message, error) {
	return s.router.Send(ctx, token, to, text)
}

// Subscribe opens the session's incoming-message stream.
func (s *Service) Subscribe(token SessionToken) (*Stream, error) {
	rec, err := s.gate(token)
	if err != nil {
		return nil, err
	}
	st, err := s.channels.Open(token)
	if err != nil {
		if errors.Is(err, ErrUnknownSession) {
			return nil, &CheckSessionFailedError{Token: token, Err: err}
		}
		return nil, err
	}
	s.metrics.streamOpened()
	s.log.Info("stream.open", "user_id", rec.User.ID)
	return st, nil
}

// FindUsers searches users by username substring.
func (s *Service) FindUsers(ctx context.Context, token SessionToken, part string, limit int) ([]identity.User, error) {
	if _, err := s.gate(token); err != nil {
		return nil, err
	}
	out, err := s.users.FindByUsernamePart(ctx, part, limit)
	if err != nil {
		return nil, fmt.Errorf("%w: find users: %w", ErrInternalRegistry, err)
	}
	return out, nil
}

// GetUser resolves a user id.
func (s *Service) GetUser(ctx context.Context, token SessionToken, id int64) (identity.User, error) {
	if _, err := s.gate(token); err != nil {
		return identity.User{}, err
	}
	return s.userByID(ctx, id)
}

// GetDialogMessages returns the history between the session's user and q.WithUserID.
func (s *Service) GetDialogMessages(ctx context.Context, token SessionToken, q DialogQuery) (DialogPage, error) {
	rec, err := s.gate(token)
	if err != nil {
		return DialogPage{}, err
	}
	with, err := s.userByID(ctx, q.WithUserID)
	if err != nil {
		return DialogPage{}, err
	}

	page := DialogPage{WithUser: with}
	if s.history == nil {
		return page, nil
	}

	res, err := s.history.FetchDialog(ctx, FetchDialogInput{
		UserID:     rec.User.ID,
		WithUserID: with.ID,
		AfterSeq:   q.AfterSeq,
		Limit:      q.Limit,
	})
	if err != nil {
		return DialogPage{}, fmt.Errorf("%w: fetch dialog: %w", ErrInternalRegistry, err)
	}
	page.Messages = res.Messages
	page.HasMore = res.HasMore
	return page, nil
}

// GetDialogs lists the counterparts the session's user exchanged messages with.
func (s *Service) GetDialogs(ctx context.Context, token SessionToken) ([]Dialog, error) {
	rec, err := s.gate(token)
	if err != nil {
		return nil, err
	}
	if s.history == nil {
		return nil, nil
	}

	peers, err := s.history.DialogPeers(ctx, rec.User.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: dialog peers: %w", ErrInternalRegistry, err)
	}

	out := make([]Dialog, 0, len(peers))
	for _, id := range peers {
		peer, err := s.users.GetByID(ctx, id)
		if identity.IsNotFound(err) {
			s.log.Warn("dialogs.peer.missing", "user_id", rec.User.ID, "peer_id", id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: resolve peer: %w", ErrInternalRegistry, err)
		}
		out = append(out, Dialog{User: rec.User, WithUser: peer})
	}
	return out, nil
}

func (s *Service) userByID(ctx context.Context, id int64) (identity.User, error) {
	u, err := s.users.GetByID(ctx, id)
	if identity.IsNotFound(err) {
		return identity.User{}, ErrUnknownUser
	}
	if err != nil {
		return identity.User{}, fmt.Errorf("%w: resolve user: %w", ErrInternalRegistry, err)
	}
	return u, nil
}

func usernameReason(err error) string {
	var oe identity.OpError
	if errors.As(err, &oe) && oe.Msg != "" {
		return oe.Msg
	}
	return strings.TrimPrefix(err.Error(), "identity.")
}
