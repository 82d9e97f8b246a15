// Package token holds the opaque-token codec and the JWT access token
// service. Opaque tokens (refresh, magic link, CSRF, exchange codes) are
// 32 bytes of crypto/rand; only their SHA-256 hash is ever persisted.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
)

// Generate returns a random Base64URL token (32 bytes) and its SHA-256 hash as hex.
func Generate() (raw string, hashHex string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	raw = base64.RawURLEncoding.EncodeToString(b)
	sum := sha256.Sum256([]byte(raw))
	return raw, hex.EncodeToString(sum[:]), nil
}

// Hash returns the SHA-256 hex of a raw token. The token must decode as
// base64url so malformed input is rejected before any lookup.
func Hash(raw string) (string, error) {
	if raw == "" {
		return "", errors.New("empty token")
	}
	if _, err := base64.RawURLEncoding.DecodeString(raw); err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:]), nil
}
