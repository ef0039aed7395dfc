package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"courier/cmd/identity"
	"courier/cmd/identity/ids"
)

// Router turns a send request into a Message and hands it to the recipient's channel.
type Router struct {
	log      *slog.Logger
	sessions *Registry
	channels *Channels
	users    identity.Resolver
	history  HistoryStore
	metrics  *Metrics
}

// NewRouter wires a Router. history and metrics may be nil.
func NewRouter(log *slog.Logger, sessions *Registry, channels *Channels, users identity.Resolver, history HistoryStore, metrics *Metrics) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:      log,
		sessions: sessions,
		channels: channels,
		users:    users,
		history:  history,
		metrics:  metrics,
	}
}

// Send validates the sender's session, resolves the recipient and enqueues the
// message onto the recipient's open channel, if any. The message is returned whether
// or not it was delivered live. Nothing is retried.
func (r *Router) Send(ctx context.Context, token SessionToken, to Recipient, text string) (Message, error) {
	rec, err := r.sessions.Validate(token)
	if err != nil {
		return Message{}, &CheckSessionFailedError{Token: token, Err: err}
	}

	text, err = normalizeText(text)
	if err != nil {
		return Message{}, err
	}

	recipient, err := r.resolve(ctx, to)
	if err != nil {
		return Message{}, err
	}

	now := r.sessions.Now()
	id, err := ids.NewULID(now)
	if err != nil {
		return Message{}, fmt.Errorf("%w: message id: %v", ErrInternalRegistry, err)
	}

	msg := Message{
		ID:        id,
		From:      rec.User,
		To:        recipient,
		Text:      text,
		CreatedAt: now,
	}

	if r.history != nil {
		if _, err := r.history.AppendMessage(ctx, msg); err != nil {
			r.metrics.historyFailed()
			r.log.Warn("history.append.fail", "message_id", msg.ID, "from", msg.From.ID, "to", msg.To.ID, "err", err)
		}
	}

	delivered := false
	if peer, ok := r.sessions.FindByUser(recipient.ID); ok {
		delivered = r.channels.Enqueue(peer.Token, msg)
	}
	r.metrics.messageRouted(delivered)
	r.log.Debug("message.route", "message_id", msg.ID, "from", msg.From.ID, "to", msg.To.ID, "delivered", delivered)

	return msg, nil
}

func (r *Router) resolve(ctx context.Context, to Recipient) (identity.User, error) {
	var (
		u   identity.User
		err error
		key string
	)
	switch {
	case to.ID != 0:
		key = strconv.FormatInt(to.ID, 10)
		u, err = r.users.GetByID(ctx, to.ID)
	case strings.TrimSpace(to.Username) != "":
		key = identity.NormalizeUsername(to.Username)
		u, err = r.users.GetByUsername(ctx, to.Username)
	default:
		return identity.User{}, InvalidInputError{Field: "to", Reason: "recipient id or username is required"}
	}

	if identity.IsNotFound(err) {
		return identity.User{}, fmt.Errorf("%w: %s", ErrUnknownRecipient, key)
	}
	if err != nil {
		return identity.User{}, fmt.Errorf("%w: resolve recipient: %w", ErrInternalRegistry, err)
	}
	return u, nil
}

func normalizeText(text string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", InvalidInputError{Field: "text", Reason: "empty text"}
	}
	if utf8.RuneCountInString(text) > maxMessageChars {
		return "", InvalidInputError{Field: "text", Reason: fmt.Sprintf("message too long: max=%d chars", maxMessageChars)}
	}
	return text, nil
}
