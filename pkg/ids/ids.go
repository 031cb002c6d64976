// Package ids provides request-id synthesis, user-id hashing for logs and
// storage keys, and the HMAC primitive used for signed artifact URLs.
package ids

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// NewRequestID returns a fresh request identifier of the form "req_<32 hex>".
// The random part carries 128 bits of entropy.
func NewRequestID() string {
	var buf [16]byte
	// rand.Read on crypto/rand never fails on supported platforms.
	_, _ = rand.Read(buf[:])
	return "req_" + hex.EncodeToString(buf[:])
}

// HashUserID returns a short, stable hex digest of a user id. Used wherever
// the raw id must not appear: log lines and artifact key paths.
func HashUserID(userID string) string {
	sum := sha256.Sum256([]byte(userID))
	return hex.EncodeToString(sum[:8])
}

// MAC computes hex(HMAC-SHA256(secret, msg)).
func MAC(secret []byte, msg string) string {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(msg))
	return hex.EncodeToString(m.Sum(nil))
}

// VerifyMAC reports whether sig equals MAC(secret, msg) using a
// constant-time comparison.
func VerifyMAC(secret []byte, msg, sig string) bool {
	want := MAC(secret, msg)
	return hmac.Equal([]byte(want), []byte(sig))
}
