package ident

import (
	"sort"
	"strings"
)

// Digest32 is a 32-byte cryptographic digest, produced by whatever hasher
// the host wires in through internal/shim.Hasher.
type Digest32 = [32]byte

// VariantHash computes the 8-byte (16 hex char) variant hash for a recipe
// key and its resolved weak-fallback digest set:
// H(key || "|" || sorted-fallback-digests joined with "|"), truncated to
// 8 bytes. Sorting the fallback digests first makes the hash independent
// of traversal order.
func VariantHash(hasher func([]byte) Digest32, key string, fallbackDigests []string) string {
	sorted := append([]string(nil), fallbackDigests...)
	sort.Strings(sorted)

	var b strings.Builder
	b.WriteString(key)
	b.WriteByte('|')
	b.WriteString(strings.Join(sorted, "|"))

	digest := hasher([]byte(b.String()))
	return hexPrefix(digest[:], 8)
}

const hexDigits = "0123456789abcdef"

func hexPrefix(b []byte, n int) string {
	if n > len(b) {
		n = len(b)
	}
	out := make([]byte, n*2)
	for i := 0; i < n; i++ {
		out[i*2] = hexDigits[b[i]>>4]
		out[i*2+1] = hexDigits[b[i]&0x0f]
	}
	return string(out)
}
