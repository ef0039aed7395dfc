package chatapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"courier/cmd/internal/realtime"
)

// responseBase mirrors the success/error shape of every API reply.
type responseBase struct {
	Success      bool   `json:"success"`
	Error        string `json:"error,omitempty"`
	Code         string `json:"code,omitempty"`
	SessionToken string `json:"session_token,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, responseBase{Error: msg, Code: code})
}

// writeServiceError maps a realtime error onto its status and body.
func writeServiceError(w http.ResponseWriter, err error) {
	body := responseBase{
		Error: realtime.PublicMessage(err),
		Code:  realtime.ErrorCode(err),
	}
	if token, ok := realtime.FailedToken(err); ok {
		body.SessionToken = token.String()
	}
	writeJSON(w, statusFor(err), body)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, realtime.ErrUnknownSession), errors.Is(err, realtime.ErrSessionExpired):
		return http.StatusUnauthorized
	case errors.Is(err, realtime.ErrUnknownUser), errors.Is(err, realtime.ErrUnknownRecipient):
		return http.StatusNotFound
	case errors.Is(err, realtime.ErrAlreadyLoggedIn),
		errors.Is(err, realtime.ErrAlreadyStreaming),
		errors.Is(err, realtime.ErrUserExists):
		return http.StatusConflict
	case errors.Is(err, realtime.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, maxBytes int64, dst any) error {
	if r.Body == nil {
		return errors.New("empty body")
	}
	defer func() { _ = r.Body.Close() }()

	body := http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	// Ensure there is no extra data after the first JSON value.
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("extra data after JSON object")
	}
	return nil
}
