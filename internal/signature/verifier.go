package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// constantTimeCompare is a package variable so tests can observe whether
// the length gate rejects before any byte-wise comparison runs.
var constantTimeCompare = subtle.ConstantTimeCompare

// Verifier authenticates raw webhook payloads against a shared secret.
// It is a pure function over its inputs: no I/O, no logging, safe for
// concurrent use.
type Verifier struct {
	Secret string
}

// Verify reports whether sig is a valid lowercase-hex HMAC-SHA256 of the
// exact payload bytes under the verifier's secret. A missing or malformed
// signature is a definite rejection, never an error. Lengths are compared
// first; equal-length inputs go through a constant-time comparison that
// does not short-circuit on the first mismatching byte.
func (v Verifier) Verify(payload []byte, sig string) bool {
	if sig == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(v.Secret))
	_, _ = mac.Write(payload)
	expected := mac.Sum(nil)

	if len(sig) != hex.EncodedLen(len(expected)) {
		return false
	}
	// The wire format is lowercase hex; case variants are rejected rather
	// than decoded leniently.
	if sig != strings.ToLower(sig) {
		return false
	}
	supplied, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return constantTimeCompare(supplied, expected) == 1
}

// Hex renders the HMAC-SHA256 of payload under secret as lowercase hex.
func Hex(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Normalize extracts the canonical signature from a raw header value, which
// may arrive as plain hex, prefixed ("sha256=abcd"), or surrounded by
// incidental whitespace. The remainder after the first "=" is kept intact,
// so a value like "a=b=c" normalizes to "b=c". The second return value is
// false when no signature is present.
func Normalize(header string) (string, bool) {
	v := strings.TrimSpace(header)
	if i := strings.Index(v, "="); i >= 0 {
		v = strings.TrimSpace(v[i+1:])
	}
	if v == "" {
		return "", false
	}
	return v, true
}
