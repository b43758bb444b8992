package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost parameters for API key hashing. Stored hashes encode
// only salt and digest, so changing these invalidates existing keys.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB, so 64 MB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashAPIKey derives an Argon2id hash of the key, returning it as
// base64(salt)$base64(digest).
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}

	digest := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.StdEncoding.EncodeToString(salt) + "$" +
		base64.StdEncoding.EncodeToString(digest), nil
}

// VerifyAPIKey checks a presented key against a stored hash in
// constant time.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	salt, stored, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}
	computed := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(stored, computed) == 1, nil
}

// DummyVerify burns one Argon2id derivation at the real cost
// parameters. Auth failure paths that never reached a stored hash call
// this so their latency matches a genuine mismatch and does not leak
// whether the key prefix exists.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

func decodeHash(encoded string) (salt, digest []byte, err error) {
	parts := strings.SplitN(encoded, "$", 2)
	if len(parts) != 2 {
		return nil, nil, fmt.Errorf("auth: invalid hash format")
	}
	salt, err = base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		return nil, nil, fmt.Errorf("auth: decode salt: %w", err)
	}
	digest, err = base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, nil, fmt.Errorf("auth: decode digest: %w", err)
	}
	return salt, digest, nil
}
