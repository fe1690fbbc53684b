package shim

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher produces the 32-byte content digest the cache and resolver key
// on. internal/ident.VariantHash takes a digest function rather than
// importing crypto directly, so a host program can swap in blake3 (the
// cache archive naming scheme's fixed "-blake3-" token names the
// production choice; sha256 stands in here).
type Hasher interface {
	// Digest returns the 32-byte digest of data.
	Digest(data []byte) [32]byte
	// Hex returns the first n bytes of Digest(data), hex-encoded.
	Hex(data []byte, n int) string
}

type sha256Hasher struct{}

// DefaultHasher returns the sha256-backed Hasher used when no other
// implementation is wired in.
func DefaultHasher() Hasher { return sha256Hasher{} }

func (sha256Hasher) Digest(data []byte) [32]byte {
	return sha256.Sum256(data)
}

func (sha256Hasher) Hex(data []byte, n int) string {
	d := sha256.Sum256(data)
	if n > len(d) {
		n = len(d)
	}
	return hex.EncodeToString(d[:n])
}
