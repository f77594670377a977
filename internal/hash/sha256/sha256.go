// Package sha256 provides the content hasher used for blob keys.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher. Digests are lowercase hex, optionally
// truncated so object keys stay short.
type Hasher struct {
	length int
}

// New returns a hasher producing full 64-character digests.
func New() *Hasher {
	return &Hasher{}
}

// NewTruncated returns a hasher keeping the first length hex characters.
// Values outside (0, 64) mean the full digest.
func NewTruncated(length int) *Hasher {
	return &Hasher{length: length}
}

// Hash returns the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.length > 0 && h.length < len(digest) {
		digest = digest[:h.length]
	}
	return digest, nil
}
