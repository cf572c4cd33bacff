// Package identity derives stable runtime identifiers from transport-level
// strings (message ids, wallet addresses, group ids).
package identity

import (
	"crypto/sha1"
	"strings"

	"github.com/google/uuid"
)

// StringToUUID maps s to a deterministic UUID. The input is percent-encoded
// the way a URI component is, hashed with SHA-1, and the first 16 bytes are
// laid out as a UUID with the version nibble cleared and the RFC 4122
// variant bits set. Ids derived this way match those already stored by
// agent runtimes that use the same scheme, so memories stay addressable.
func StringToUUID(s string) uuid.UUID {
	sum := sha1.Sum([]byte(encodeURIComponent(s)))
	var id uuid.UUID
	copy(id[:], sum[:16])
	id[6] &= 0x0f
	id[8] = (id[8] & 0x3f) | 0x80
	return id
}

const upperhex = "0123456789ABCDEF"

// encodeURIComponent escapes every byte except A-Z a-z 0-9 - _ . ! ~ * ' ( ).
func encodeURIComponent(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperhex[c>>4])
		b.WriteByte(upperhex[c&0x0f])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	switch c {
	case '-', '_', '.', '!', '~', '*', '\'', '(', ')':
		return true
	}
	return false
}
