// Package v1 defines the courier chat protocol v1 contract.
//
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Subprotocol is the WebSocket subprotocol clients must request.
const Subprotocol = "courier.chat.v1"

// Type constants (wire-stable).
const (
	// TypeRegister creates a user (client -> server).
	TypeRegister = "register"
	// TypeLogin authenticates by username and opens a session (client -> server).
	TypeLogin = "login"
	// TypeLogout ends the session (client -> server).
	TypeLogout = "logout"
	// TypeHeartbeat refreshes session liveness; the server sends no result.
	TypeHeartbeat = "heartbeat"

	TypeMessageSend  = "message_send"
	TypeSubscribe    = "subscribe"
	TypeUnsubscribe  = "unsubscribe"
	TypeUsersFind    = "users_find"
	TypeUserGet      = "user_get"
	TypeDialogFetch  = "dialog_fetch"
	TypeDialogsFetch = "dialogs_fetch"

	// TypeResult answers a client request (server -> client).
	TypeResult = "result"
	// TypeMessageNew pushes an incoming message on an open stream (server -> client).
	TypeMessageNew = "message_new"
	// TypeStreamClosed reports the end of the incoming stream (server -> client).
	TypeStreamClosed = "stream_closed"

	// TypeError is a protocol-level error envelope (server -> client).
	TypeError = "error"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeRegister,
		TypeLogin,
		TypeLogout,
		TypeHeartbeat,
		TypeMessageSend,
		TypeSubscribe,
		TypeUnsubscribe,
		TypeUsersFind,
		TypeUserGet,
		TypeDialogFetch,
		TypeDialogsFetch,
		TypeResult,
		TypeMessageNew,
		TypeStreamClosed,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// ---- Shared shapes ----

// User is the public view of a user.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Message is the public view of a direct message.
type Message struct {
	ID        string    `json:"id"`
	From      User      `json:"from"`
	To        User      `json:"to"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Dialog pairs the caller with a counterpart they exchanged messages with.
type Dialog struct {
	User     User `json:"user"`
	WithUser User `json:"with_user"`
}

// ---- Client payloads ----

// SessionPayload optionally carries an explicit session token. When empty, the
// server uses the token remembered from the connection's last successful login.
type SessionPayload struct {
	SessionToken string `json:"session_token,omitempty"`
}

// RegisterPayload requests a new user.
type RegisterPayload struct {
	Username string `json:"username"`
}

// LoginPayload requests a session for username.
type LoginPayload struct {
	Username string `json:"username"`
}

// MessageSendPayload sends text to a recipient identified by id or username.
type MessageSendPayload struct {
	SessionToken string `json:"session_token,omitempty"`
	ToUserID     int64  `json:"to_user_id,omitempty"`
	ToUsername   string `json:"to_username,omitempty"`
	Text         string `json:"text"`
}

// UsersFindPayload searches users by username substring.
type UsersFindPayload struct {
	SessionToken string `json:"session_token,omitempty"`
	Query        string `json:"query"`
	Limit        int    `json:"limit,omitempty"`
}

// UserGetPayload fetches one user by id.
type UserGetPayload struct {
	SessionToken string `json:"session_token,omitempty"`
	UserID       int64  `json:"user_id"`
}

// DialogFetchPayload fetches the message history with another user.
type DialogFetchPayload struct {
	SessionToken string `json:"session_token,omitempty"`
	WithUserID   int64  `json:"with_user_id"`
	AfterSeq     *int64 `json:"after_seq,omitempty"`
	Limit        int    `json:"limit,omitempty"`
}

// ---- Server payloads ----

// ResultPayload answers a client request. RequestID echoes the request envelope id.
type ResultPayload struct {
	RequestID    string          `json:"request_id"`
	Success      bool            `json:"success"`
	Error        string          `json:"error,omitempty"`
	Code         string          `json:"code,omitempty"`
	SessionToken string          `json:"session_token,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// LoginResult is the data of a successful login result.
type LoginResult struct {
	SessionToken string `json:"session_token"`
	User         User   `json:"user"`
}

// DialogMessage is a history entry with its store sequence, usable as an AfterSeq cursor.
type DialogMessage struct {
	Seq int64 `json:"seq"`
	Message
}

// DialogChunk is the data of a dialog_fetch result.
type DialogChunk struct {
	WithUser User            `json:"with_user"`
	Messages []DialogMessage `json:"messages"`
	HasMore  bool            `json:"has_more"`
}

// MessageNewPayload carries one message pushed on the incoming stream.
type MessageNewPayload struct {
	Message Message `json:"message"`
}

// StreamClosedPayload reports why the incoming stream ended ("cancelled", "evicted").
type StreamClosedPayload struct {
	Reason string `json:"reason"`
}

// ErrorPayload is a generic error response payload.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
