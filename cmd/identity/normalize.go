package identity

import (
	"strings"
	"unicode/utf8"
)

// MaxUsernameLen is the upper bound for a username, in runes.
const MaxUsernameLen = 64

// NormalizeUsername performs case-insensitive canonicalization.
// Note: for now we only trim + lower-case. Additional rules (unicode confusables)
// can be added later behind a versioned policy.
func NormalizeUsername(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// ValidateUsername reports whether s is acceptable as a new username.
func ValidateUsername(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return OpError{Op: "identity.ValidateUsername", Kind: ErrInvalidInput, Msg: "username is required"}
	}
	if utf8.RuneCountInString(s) > MaxUsernameLen {
		return OpError{Op: "identity.ValidateUsername", Kind: ErrInvalidInput, Msg: "username is too long"}
	}
	if strings.ContainsAny(s, " \t\r\n") {
		return OpError{Op: "identity.ValidateUsername", Kind: ErrInvalidInput, Msg: "username must not contain whitespace"}
	}
	return nil
}
