package documents

import (
	"crypto/subtle"

	"github.com/zeebo/blake3"
)

// Digest returns the BLAKE3-256 digest of a document's plaintext.
func Digest(plaintext []byte) []byte {
	sum := blake3.Sum256(plaintext)
	return sum[:]
}

// verifyDigest checks plaintext against want. Rows without a digest pass.
func verifyDigest(plaintext, want []byte) error {
	if len(want) == 0 {
		return nil
	}
	if subtle.ConstantTimeCompare(Digest(plaintext), want) != 1 {
		return ErrIntegrity
	}
	return nil
}
