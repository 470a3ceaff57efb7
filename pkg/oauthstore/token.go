package oauthstore

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// newOpaqueToken mints a high-entropy opaque string (32 random bytes,
// hex-encoded) for authorization codes, access tokens, and refresh
// tokens. Lookup need not be constant-time for these, unlike API keys and client secrets.
func newOpaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
