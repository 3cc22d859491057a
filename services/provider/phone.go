package provider

import (
	"strings"
)

// NormalizePhone returns the number in +<country><national> form. A leading
// trunk 0 is replaced by the country code and numbers without one are
// assumed domestic.
func NormalizePhone(raw, countryCode string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	n := b.String()
	cc := strings.TrimPrefix(strings.TrimSpace(countryCode), "+")

	switch {
	case n == "" || n == "+":
		return ""
	case strings.HasPrefix(n, "+"):
		return n
	case strings.HasPrefix(n, "00"):
		return "+" + n[2:]
	case strings.HasPrefix(n, "0"):
		return "+" + cc + n[1:]
	case cc != "" && strings.HasPrefix(n, cc) && len(n) > len(cc)+8:
		return "+" + n
	default:
		return "+" + cc + n
	}
}

// nationalNumber strips the country code from a normalized number.
func nationalNumber(normalized, countryCode string) string {
	cc := strings.TrimPrefix(countryCode, "+")
	return strings.TrimPrefix(strings.TrimPrefix(normalized, "+"), cc)
}
