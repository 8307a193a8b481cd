// Package checksum computes and compares content digests. All stored
// checksums in the engine are lowercase hex sha256.
package checksum

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"io"
)

// Algorithm names the digest algorithm recorded alongside checksums.
const Algorithm = "sha256"

// Sum returns the hex-encoded sha256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SumReader consumes r and returns the hex digest of everything read.
func SumReader(r io.Reader) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", fmt.Errorf("checksum read: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Equal reports whether two hex digests match. The comparison runs in
// constant time so verify paths do not leak prefix information.
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
