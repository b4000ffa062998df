package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2id cost parameters. Changing them invalidates stored hashes, so
// they only move together with a rehash migration.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024 // KiB, i.e. 64 MiB
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

// HashAPIKey derives an Argon2id hash of an API key secret. The result is
// "salt$hash" with both parts base64-encoded.
func HashAPIKey(apiKey string) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("auth: generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return base64.StdEncoding.EncodeToString(salt) + "$" + base64.StdEncoding.EncodeToString(hash), nil
}

// DummyVerify burns the same Argon2id work as a real verification. Auth
// failure paths that never loaded a hash call it so response timing does
// not reveal whether a key ID exists.
func DummyVerify() {
	argon2.IDKey([]byte("dummy"), make([]byte, saltLen), argonTime, argonMemory, argonThreads, argonKeyLen)
}

// VerifyAPIKey reports whether apiKey matches the stored "salt$hash" value.
func VerifyAPIKey(apiKey, encoded string) (bool, error) {
	saltPart, hashPart, ok := strings.Cut(encoded, "$")
	if !ok {
		return false, fmt.Errorf("auth: malformed key hash")
	}

	salt, err := base64.StdEncoding.DecodeString(saltPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode salt: %w", err)
	}
	want, err := base64.StdEncoding.DecodeString(hashPart)
	if err != nil {
		return false, fmt.Errorf("auth: decode hash: %w", err)
	}

	got := argon2.IDKey([]byte(apiKey), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
	return subtle.ConstantTimeCompare(want, got) == 1, nil
}
