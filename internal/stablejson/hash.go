package stablejson

import (
	"encoding/hex"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/minio/highwayhash"
)

// Fixed key so hashes are stable across processes and releases.
// Changing it invalidates every stored input_hash and cache address.
var hashKey, _ = hex.DecodeString("aa1b3f82de90c6714e5d2b08f3a9770c51e8d4962bfa0e37c88d15a46b92f0d3")

// HashBytes returns the 64-bit content hash of b as 16 lowercase hex
// characters.
func HashBytes(b []byte) string {
	return fmt.Sprintf("%016x", highwayhash.Sum64(b, hashKey))
}

// Hash canonicalizes v and hashes the result.
func Hash(v any) (string, error) {
	canonical, err := Marshal(v)
	if err != nil {
		return "", err
	}
	return HashBytes(canonical), nil
}

// HashFields hashes an ordered tuple of strings. Parts are joined with
// a unit separator so ("ab","c") and ("a","bc") cannot collide.
func HashFields(parts ...string) string {
	return HashBytes([]byte(strings.Join(parts, "\x1f")))
}

// SnippetHash returns the 32-bit FNV-1a hash of a citation snippet as
// 8 lowercase hex characters. Snippets are short verbatim excerpts;
// the narrow hash keeps anchors compact while still catching drift
// between the anchor and the stored abstract.
func SnippetHash(s string) string {
	h := fnv.New32a()
	h.Write([]byte(s))
	return fmt.Sprintf("%08x", h.Sum32())
}
