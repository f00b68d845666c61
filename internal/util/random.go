package util

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// RandomToken encodes n bytes of entropy as a URL-safe base64 string. It
// backs one-shot generated passwords, so n is the entropy in bytes, not the
// output length.
func RandomToken(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("token entropy must be positive, got %d", n)
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
