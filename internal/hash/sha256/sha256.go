// Package sha256 fingerprints secrets so they can be logged without leaking them.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint returns the first 12 hex characters of the SHA-256 digest of
// value, or "empty" for an empty string.
func Fingerprint(value string) string {
	if value == "" {
		return "empty"
	}
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])[:12]
}
