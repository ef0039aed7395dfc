package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"strings"
	"sync"
)

const (
	// HMACEnvKey is the env var name for the fingerprint HMAC secret.
	// #nosec G101 -- not a credential; it's an environment variable name.
	HMACEnvKey = "COURIER_TOKEN_HMAC_KEY"

	// MinHMACKeyBytes is the shortest key HMACKeyFromEnv accepts.
	MinHMACKeyBytes = 32

	fingerprintHexLen = 16
)

// HashSHA256Hex returns a SHA-256 hex digest of s.
func HashSHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashHMACSHA256Hex returns an HMAC-SHA256 hex digest of s using key.
func HashHMACSHA256Hex(s string, key []byte) string {
	m := hmac.New(sha256.New, key)
	_, _ = m.Write([]byte(s))
	return hex.EncodeToString(m.Sum(nil))
}

// HMACKeyFromEnv returns the configured HMAC key bytes (trimmed), enforcing minBytes.
func HMACKeyFromEnv(minBytes int) ([]byte, error) {
	raw := strings.TrimSpace(os.Getenv(HMACEnvKey))
	if raw == "" {
		return nil, ErrHMACKeyMissing
	}
	b := []byte(raw)
	if minBytes > 0 && len(b) < minBytes {
		return nil, ErrHMACKeyTooShort
	}
	return b, nil
}

// Fingerprinter maps tokens to short hex fingerprints. The zero value uses SHA-256.
type Fingerprinter struct {
	key []byte
}

// NewFingerprinter returns a Fingerprinter keyed by key; an empty key means SHA-256.
func NewFingerprinter(key []byte) Fingerprinter {
	return Fingerprinter{key: append([]byte(nil), key...)}
}

// Of returns the fingerprint of s, or "" for an empty s.
func (f Fingerprinter) Of(s string) string {
	if s == "" {
		return ""
	}
	var sum string
	if len(f.key) > 0 {
		sum = HashHMACSHA256Hex(s, f.key)
	} else {
		sum = HashSHA256Hex(s)
	}
	return sum[:fingerprintHexLen]
}

var (
	defaultOnce sync.Once
	defaultFP   Fingerprinter
)

// Fingerprint uses a process-wide Fingerprinter keyed from the environment. A missing
// or too-short key falls back to SHA-256.
func Fingerprint(s string) string {
	defaultOnce.Do(func() {
		key, err := HMACKeyFromEnv(MinHMACKeyBytes)
		if err == nil {
			defaultFP = NewFingerprinter(key)
		}
	})
	return defaultFP.Of(s)
}
