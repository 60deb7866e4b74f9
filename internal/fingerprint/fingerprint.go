// Package fingerprint derives stable identity keys for query definitions.
//
// A fingerprint identifies the fetchable issue corpus of a query: the filter
// expression plus the lookback window. Variable mappings are deliberately not
// part of the key, so reconfiguring mappings never invalidates a cached
// snapshot.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Key is an opaque, stable identity for a query definition.
type Key string

// Compute derives the key for a filter expression and lookback window.
// Cosmetically different but semantically identical filters produce the same
// key: whitespace is trimmed and runs of whitespace outside quoted literals
// are collapsed to a single space. Text inside single or double quotes is
// hashed verbatim, so the normalization is sound for JQL string matching.
func Compute(filter string, lookbackDays int) Key {
	normalized := normalizeFilter(filter)
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d", normalized, lookbackDays)))
	return Key(hex.EncodeToString(sum[:16]))
}

func normalizeFilter(filter string) string {
	var b strings.Builder
	b.Grow(len(filter))

	var quote rune
	pendingSpace := false
	for _, r := range strings.TrimSpace(filter) {
		switch {
		case quote != 0:
			b.WriteRune(r)
			if r == quote {
				quote = 0
			}
		case r == '"' || r == '\'':
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			quote = r
			b.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			pendingSpace = true
		default:
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(r)
		}
	}

	return b.String()
}
