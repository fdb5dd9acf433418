package domain

import (
	"fmt"
	"strings"
)

// NormalizeMSISDN reduces a provider-supplied phone number to the canonical
// E.164-equivalent digit string used as the subscriber identity key.
// Accepts "+491701234567", "00491701234567", "49 170 1234567" and similar;
// rejects anything that does not reduce to 8..15 digits.
func NormalizeMSISDN(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	s = strings.TrimPrefix(s, "+")
	if strings.HasPrefix(s, "00") {
		s = s[2:]
	}

	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')':
			// separators some providers leave in
		default:
			return "", fmt.Errorf("msisdn contains invalid character %q", r)
		}
	}

	digits := b.String()
	if len(digits) < 8 || len(digits) > 15 {
		return "", fmt.Errorf("msisdn has invalid length %d", len(digits))
	}
	if digits[0] == '0' {
		return "", fmt.Errorf("msisdn must be in international format")
	}
	return digits, nil
}

// ValidMSISDN reports whether s is already a normalized MSISDN. Used to
// re-validate the identity cookie value on every read; the cookie is client
// owned and therefore untrusted input.
func ValidMSISDN(s string) bool {
	normalized, err := NormalizeMSISDN(s)
	return err == nil && normalized == s
}
