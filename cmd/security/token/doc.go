// Package token derives stable, non-reversible fingerprints of session tokens.
//
// Logs and metrics never carry a raw session token; they carry its fingerprint, which is
// enough to correlate events for one session without letting a log reader replay it.
//
// When COURIER_TOKEN_HMAC_KEY is set the fingerprint is HMAC-SHA256 keyed by it,
// otherwise plain SHA-256.
package token
