package realtime

import (
	"errors"
	"fmt"
)

// Sentinel errors (stable for errors.Is and for mapping to wire codes).
var (
	ErrUnknownUser      = errors.New("unknown user")
	ErrAlreadyLoggedIn  = errors.New("user already logged in")
	ErrUnknownSession   = errors.New("unknown session")
	ErrSessionExpired   = errors.New("session expired")
	ErrUnknownRecipient = errors.New("unknown recipient")
	ErrAlreadyStreaming = errors.New("stream already open for session")
	ErrInternalRegistry = errors.New("internal registry error")

	ErrInvalidInput = errors.New("invalid input")
	ErrUserExists   = errors.New("user already exists")

	// ErrStreamCancelled ends a stream whose subscriber cancelled it.
	ErrStreamCancelled = errors.New("stream cancelled")
	// ErrSessionEvicted ends a stream whose session was logged out or expired.
	ErrSessionEvicted = errors.New("session evicted")
)

// CheckSessionFailedError is returned by every gated operation whose token did not
// pass validation. Err is ErrUnknownSession or ErrSessionExpired.
type CheckSessionFailedError struct {
	Token SessionToken
	Err   error
}

func (e *CheckSessionFailedError) Error() string {
	return fmt.Sprintf("check session failed: %v", e.Err)
}

func (e *CheckSessionFailedError) Unwrap() error { return e.Err }

// InvalidInputError reports a rejected request field.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e InvalidInputError) Error() string {
	return fmt.Sprintf("%v: %s: %s", ErrInvalidInput, e.Field, e.Reason)
}

func (e InvalidInputError) Unwrap() error { return ErrInvalidInput }

// FailedToken extracts the offending token from a gating failure.
func FailedToken(err error) (SessionToken, bool) {
	var ce *CheckSessionFailedError
	if errors.As(err, &ce) {
		return ce.Token, true
	}
	return "", false
}

// ErrorCode maps err to a stable wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownUser):
		return "unknown_user"
	case errors.Is(err, ErrAlreadyLoggedIn):
		return "already_logged_in"
	case errors.Is(err, ErrUnknownSession):
		return "unknown_session"
	case errors.Is(err, ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, ErrUnknownRecipient):
		return "unknown_recipient"
	case errors.Is(err, ErrAlreadyStreaming):
		return "already_streaming"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrUserExists):
		return "user_exists"
	case errors.Is(err, ErrStreamCancelled):
		return "stream_cancelled"
	case errors.Is(err, ErrSessionEvicted):
		return "session_evicted"
	default:
		return "internal_error"
	}
}

// PublicMessage returns a message safe to show to clients. Collaborator details
// behind ErrInternalRegistry are not exposed.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	if ErrorCode(err) == "internal_error" {
		return ErrInternalRegistry.Error()
	}
	var ce *CheckSessionFailedError
	if errors.As(err, &ce) {
		return ce.Error()
	}
	var ie InvalidInputError
	if errors.As(err, &ie) {
		return ie.Error()
	}
	for _, s := range []error{
		ErrUnknownUser, ErrAlreadyLoggedIn, ErrUnknownRecipient, ErrAlreadyStreaming,
		ErrInvalidInput, ErrUserExists, ErrStreamCancelled, ErrSessionEvicted,
	} {
		if errors.Is(err, s) {
			return s.Error()
		}
	}
	return err.Error()
}
