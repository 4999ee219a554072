package ingest

import (
	"regexp"
	"strconv"
	"strings"
)

var nonDigits = regexp.MustCompile(`\D`)

// normalizeCPV reduces a raw CPV value to its leading 8 digits. Shorter
// digit strings are kept as-is; empty input yields "".
func normalizeCPV(raw string) string {
	digits := nonDigits.ReplaceAllString(raw, "")
	if len(digits) >= 8 {
		return digits[:8]
	}
	return digits
}

// deriveCPVPrefixes computes the 4- and 6-digit prefixes of the principal CPV
// code plus the 6-digit prefixes of the secondary codes (semicolon-separated).
// Values that do not contain enough digits are dropped, never guessed.
func deriveCPVPrefixes(principal, secondaries string) (prefix4, prefix6 *int64, secondary []int64) {
	if code := normalizeCPV(principal); len(code) >= 6 {
		if p4, err := strconv.ParseInt(code[:4], 10, 64); err == nil {
			prefix4 = &p4
		}
		if p6, err := strconv.ParseInt(code[:6], 10, 64); err == nil {
			prefix6 = &p6
		}
	}
	for _, part := range strings.Split(secondaries, ";") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		code := normalizeCPV(part)
		if len(code) < 6 {
			continue
		}
		if p6, err := strconv.ParseInt(code[:6], 10, 64); err == nil {
			secondary = append(secondary, p6)
		}
	}
	return prefix4, prefix6, secondary
}
