package utils

import (
	"regexp"
	"strings"
	"unicode"
)

var platePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^[A-Z]{3}\d{3,4}$`),
	regexp.MustCompile(`^\d{3,4}[A-Z]{3}$`),
	regexp.MustCompile(`^[A-Z]{2}\d{4,5}$`),
	regexp.MustCompile(`^\d{4,5}[A-Z]{2}$`),
}

// NormalizePlate upper-cases the plate and strips everything that is not a letter or digit.
func NormalizePlate(plate string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(plate)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsValidPlate reports whether text matches one of the accepted plate layouts.
// Spaces are ignored; other characters are not.
func IsValidPlate(text string) bool {
	compact := strings.ReplaceAll(text, " ", "")
	for _, p := range platePatterns {
		if p.MatchString(compact) {
			return true
		}
	}
	return false
}
