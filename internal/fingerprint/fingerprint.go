// Package fingerprint derives content hashes and cache keys.
package fingerprint

import (
	"encoding/binary"
	"encoding/hex"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/blake3"
)

// Sum returns a 128-bit hex fingerprint of b. The digest is a cache
// key, not a security boundary, so a truncated BLAKE3 sum is fine.
func Sum(b []byte) string {
	digest := blake3.Sum256(b)
	return hex.EncodeToString(digest[:16])
}

// FileKey fingerprints a file's contents together with its relative
// path, so the same bytes at two paths produce distinct keys.
func FileKey(contents []byte, relPath string) string {
	buf := make([]byte, 0, len(contents)+1+len(relPath))
	buf = append(buf, contents...)
	buf = append(buf, 0)
	buf = append(buf, relPath...)
	return Sum(buf)
}

// Compose folds the given parts into a single short key. Parts are
// length-prefixed before hashing so ("ab","c") and ("a","bc") differ.
func Compose(parts ...string) string {
	h := xxhash.New()
	var n [8]byte
	for _, p := range parts {
		binary.LittleEndian.PutUint64(n[:], uint64(len(p)))
		_, _ = h.Write(n[:])
		_, _ = h.WriteString(p)
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
