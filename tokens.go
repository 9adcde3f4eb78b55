package plugauth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
)

var errMissingPort = errors.New("users, sessions and flows ports are required")

// Default token sizes in bytes
const (
	SessionTokenBytes = 32
	StateTokenBytes   = 32
)

// GenerateSecureToken generates a cryptographically secure random token,
// hex-encoded to 64 characters.  Used for session ids.
func GenerateSecureToken() (string, error) {
	b := make([]byte, SessionTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// GenerateURLToken returns n random bytes encoded as unpadded base64url, safe to
// embed in query strings and cookies (CSRF states, nonces, PKCE verifiers).
func GenerateURLToken(n int) (string, error) {
	if n <= 0 {
		n = StateTokenBytes
	}
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// TokensEqual compares two opaque tokens in constant time.  Empty tokens never match.
func TokensEqual(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
