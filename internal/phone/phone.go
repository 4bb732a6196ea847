// Package phone turns raw user-entered numbers into the canonical
// +<country><subscriber> form used as the key for recipients and the
// blacklist. Every caller goes through a Normalizer; there is no other
// normalization routine in the module.
package phone

import (
	"fmt"
	"strings"

	appErrors "github.com/unclebandit/sms-dispatch/internal/errors"
)

const maxE164Digits = 15

// Normalizer is safe for concurrent use; it holds no mutable state.
type Normalizer struct {
	countryCode    string
	mobilePrefixes string
	knownCodes     []string
}

// Kenya is the numbering plan this deployment was built for.
var Kenya = New("254", "17", nil)

// New builds a Normalizer. mobilePrefixes lists the digits a local
// subscriber number may start with (after the trunk 0). knownCodes are
// extra country codes recognised when a number arrives without '+';
// countryCode is always included.
func New(countryCode, mobilePrefixes string, knownCodes []string) *Normalizer {
	codes := []string{countryCode}
	for _, c := range knownCodes {
		c = strings.TrimPrefix(strings.TrimSpace(c), "+")
		if c != "" && c != countryCode {
			codes = append(codes, c)
		}
	}
	return &Normalizer{
		countryCode:    countryCode,
		mobilePrefixes: mobilePrefixes,
		knownCodes:     codes,
	}
}

func (n *Normalizer) CountryCode() string { return n.countryCode }

// Normalize returns the canonical form of raw or an error wrapping
// appErrors.ErrInvalidFormat.
func (n *Normalizer) Normalize(raw string) (string, error) {
	clean, err := strip(raw)
	if err != nil {
		return "", err
	}

	if strings.HasPrefix(clean, "00") {
		clean = "+" + clean[2:]
	}

	if strings.HasPrefix(clean, "+") {
		digits := clean[1:]
		if len(digits) < 1 || len(digits) > maxE164Digits || !allDigits(digits) {
			return "", invalid(raw)
		}
		return clean, nil
	}

	digits := clean
	if !allDigits(digits) {
		return "", invalid(raw)
	}

	switch {
	case len(digits) == 10 && digits[0] == '0' && n.isMobilePrefix(digits[1]):
		return "+" + n.countryCode + digits[1:], nil
	case n.hasKnownCode(digits):
		return "+" + digits, nil
	case len(digits) == 9 && n.isMobilePrefix(digits[0]):
		return "+" + n.countryCode + digits, nil
	case len(digits) >= 7 && len(digits) <= maxE164Digits:
		local := strings.TrimPrefix(digits, "0")
		out := n.countryCode + local
		if len(local) == 0 || len(out) > maxE164Digits {
			return "", invalid(raw)
		}
		return "+" + out, nil
	}
	return "", invalid(raw)
}

// MustNormalize is for tests and constants only.
func (n *Normalizer) MustNormalize(raw string) string {
	out, err := n.Normalize(raw)
	if err != nil {
		panic(err)
	}
	return out
}

// Valid reports whether raw normalizes.
func (n *Normalizer) Valid(raw string) bool {
	_, err := n.Normalize(raw)
	return err == nil
}

func (n *Normalizer) isMobilePrefix(b byte) bool {
	return strings.IndexByte(n.mobilePrefixes, b) >= 0
}

// hasKnownCode matches digits that already carry a country code:
// the code followed by at least a 7 digit subscriber number.
func (n *Normalizer) hasKnownCode(digits string) bool {
	if len(digits) > maxE164Digits {
		return false
	}
	for _, code := range n.knownCodes {
		if strings.HasPrefix(digits, code) && len(digits) >= len(code)+7 {
			return true
		}
	}
	return false
}

// strip drops whitespace and the punctuation people put in numbers.
// Anything else that is not a digit or a leading '+' is an error.
func strip(raw string) (string, error) {
	var b strings.Builder
	for i, r := range strings.TrimSpace(raw) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '\t' || r == '-' || r == '.' || r == '(' || r == ')' || r == '/':
		default:
			return "", invalid(raw)
		}
	}
	if b.Len() == 0 {
		return "", invalid(raw)
	}
	return b.String(), nil
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func invalid(raw string) error {
	return fmt.Errorf("%w: %q", appErrors.ErrInvalidFormat, raw)
}
