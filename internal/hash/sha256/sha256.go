// Package sha256 derives deterministic identifiers from content.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256. A positive Length truncates
// the hex digest, which is enough to key child orchestrations and snapshots.
type Hasher struct {
	Length int
}

// New returns a hasher producing digests of the given hex length. Zero keeps
// the full digest.
func New(length int) *Hasher {
	return &Hasher{Length: length}
}

// Hash returns the (possibly truncated) hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.Length > 0 && h.Length < len(digest) {
		digest = digest[:h.Length]
	}
	return digest, nil
}
