// Package keypath maps storage keys onto hierarchical file paths for drivers
// that persist one object per key.
//
// A key is hex encoded and the first bytes of the encoding become directory
// levels, so a large key space is spread across many directories while keys
// sharing a prefix stay in the same subtree:
//
//	Path("user:1") → "75/73/65/757365723a31.val"
//
// Hex encoding preserves byte order, so sorting file names sorts keys.
package keypath

import (
	"encoding/hex"
	"path"
	"strings"
)

// Levels is the number of directory levels above each value file.
const Levels = 3

// Ext is the suffix of value files. Directory names never carry it, so a
// one- or two-byte key never collides with a directory.
const Ext = ".val"

// MaxKeySize keeps file names (hex key plus Ext) within the common 255 byte
// limit.
const MaxKeySize = 120

// Path returns the slash-separated relative path storing key.
//
// Example: Path("abc") → "61/62/63/616263.val"
func Path(key string) string {
	h := hex.EncodeToString([]byte(key))
	if len(h) < 2*Levels {
		return h + Ext
	}
	return path.Join(h[0:2], h[2:4], h[4:6], h+Ext)
}

// Key decodes the key stored in the file called name (a base name, not a
// path). ok is false for names that are not value files.
func Key(name string) (key string, ok bool) {
	h, found := strings.CutSuffix(name, Ext)
	if !found {
		return "", false
	}
	b, err := hex.DecodeString(h)
	if err != nil {
		return "", false
	}
	return string(b), true
}

// Descend reports whether the directory called dir at depth (0 for the
// root's children) can hold keys starting with prefix.
func Descend(prefix string, depth int, dir string) bool {
	if depth >= Levels || len(dir) != 2 {
		return false
	}
	if depth >= len(prefix) {
		return true
	}
	return dir == hex.EncodeToString([]byte{prefix[depth]})
}

// Successor returns the smallest string greater than every string starting
// with prefix, for turning a prefix scan into a half-open range. ok is false
// when no such bound exists (empty prefix or all 0xff bytes).
func Successor(prefix string) (upper string, ok bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}
