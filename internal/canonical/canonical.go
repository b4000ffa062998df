// Package canonical provides the deterministic serialization and hashing
// used for delegation link signing and the audit hash chain.
//
// Serialization is RFC 8785 (JSON Canonicalization Scheme): lexicographically
// sorted keys, no insignificant whitespace, UTF-8. Hashes are SHA-256 and
// travel as 64-character lowercase hex strings.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gowebpki/jcs"
)

// ZeroHash is the previous-hash value for the first element of a chain.
var ZeroHash = strings.Repeat("0", 64)

// Marshal returns the canonical JSON encoding of v.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonical: transform: %w", err)
	}
	return out, nil
}

// Hash returns the SHA-256 hex digest of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChainHash computes the hash of a chain element: SHA-256 over the previous
// element's hex hash concatenated with the canonical encoding of v. The
// first element uses ZeroHash as its predecessor.
func ChainHash(previousHex string, v any) (string, error) {
	b, err := Marshal(v)
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(previousHex))
	h.Write(b)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ValidHex reports whether s is a 64-character lowercase hex digest.
func ValidHex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
