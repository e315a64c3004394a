package realtime

import "strings"

// NormalizePhone reduces a phone number to "+" followed by its digits. It
// reports false when the input has no digits.
func NormalizePhone(raw string) (string, bool) {
	var b strings.Builder
	b.Grow(len(raw) + 1)
	b.WriteByte('+')
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	if b.Len() == 1 {
		return "", false
	}
	return b.String(), true
}
