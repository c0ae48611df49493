package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
)

// Default random lengths: 32 bytes for authorization codes, 48 for tokens.
const (
	CodeBytes  = 32
	TokenBytes = 48
)

// RandomToken creates a random base64url string for reference tokens.
func RandomToken(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// HashToken uses SHA256 for deterministic token lookup. Raw token strings
// are returned to the caller exactly once; only the hash is persisted.
func HashToken(token string) string {
	h := sha256.Sum256([]byte(token))
	return hex.EncodeToString(h[:])
}

// SecureCompare performs a constant-time comparison of two strings.
// This prevents timing attacks where an attacker could measure response
// times to guess tokens character-by-character.
func SecureCompare(provided, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}
