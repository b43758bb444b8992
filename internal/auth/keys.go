package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

// keyPrefixLen is the number of plaintext characters stored alongside
// the hash for O(1) lookup and operator-facing display.
const keyPrefixLen = 8

// GenerateAPIKey mints a new plaintext operator key of the form
// "rk_<base64url>". Returns the plaintext (shown once, never stored)
// and its lookup prefix.
func GenerateAPIKey() (plaintext, prefix string, err error) {
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("auth: generate api key: %w", err)
	}
	plaintext = "rk_" + base64.RawURLEncoding.EncodeToString(raw)
	return plaintext, KeyPrefix(plaintext), nil
}

// KeyPrefix extracts the lookup prefix from a plaintext key.
func KeyPrefix(plaintext string) string {
	if len(plaintext) <= keyPrefixLen {
		return plaintext
	}
	return plaintext[:keyPrefixLen]
}

// ValidKeyShape reports whether a presented credential looks like a
// Rookery API key before any expensive verification runs.
func ValidKeyShape(plaintext string) bool {
	return strings.HasPrefix(plaintext, "rk_") && len(plaintext) > keyPrefixLen
}
