package hash

import (
	"crypto/sha256"
	"encoding/hex"
)

// Sum returns a stable hex digest of the given parts. Parts are
// length-delimited so ("ab","c") and ("a","bc") hash differently.
func Sum(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		var lenBuf [8]byte
		n := len(p)
		for i := 0; i < 8; i++ {
			lenBuf[i] = byte(n >> (8 * i))
		}
		h.Write(lenBuf[:])
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Short returns the first 16 hex characters of Sum, for identifiers that
// appear in logs and URLs.
func Short(parts ...string) string {
	return Sum(parts...)[:16]
}
