// Package mac normalizes client hardware addresses to the canonical
// uppercase colon-separated form used throughout the portal.
package mac

import (
	"errors"
	"strings"
)

// ErrInvalid is returned when the input cannot be parsed as a 6-octet
// hardware address.
var ErrInvalid = errors.New("invalid MAC address")

// Normalize accepts colon-, hyphen-, and dot-separated or unseparated
// 12-hex-digit addresses and returns AA:BB:CC:DD:EE:FF. Anything that
// does not reduce to exactly 12 hex digits is rejected.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", ErrInvalid
	}

	var hex strings.Builder
	hex.Grow(12)
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			hex.WriteRune(r)
		case r >= 'a' && r <= 'f':
			hex.WriteRune(r - ('a' - 'A'))
		case r >= 'A' && r <= 'F':
			hex.WriteRune(r)
		case r == ':' || r == '-' || r == '.':
			// separator, skip
		default:
			return "", ErrInvalid
		}
	}
	digits := hex.String()
	if len(digits) != 12 {
		return "", ErrInvalid
	}

	var out strings.Builder
	out.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			out.WriteByte(':')
		}
		out.WriteString(digits[i : i+2])
	}
	return out.String(), nil
}

// IsNormalized reports whether s is already in canonical form.
func IsNormalized(s string) bool {
	n, err := Normalize(s)
	return err == nil && n == s
}
