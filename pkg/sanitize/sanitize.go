// Package sanitize cleans free text that clients attach to calls
package sanitize

import (
	"regexp"
	"strings"
	"unicode"
)

var (
	htmlTagRegex = regexp.MustCompile(`<[^>]*>`)
	labelRegex   = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)
)

// Text trims input, drops HTML tags and control characters, and cuts it to
// at most maxRunes runes. maxRunes <= 0 means no limit.
func Text(input string, maxRunes int) string {
	input = htmlTagRegex.ReplaceAllString(input, "")
	input = StripControlCharacters(input)
	input = strings.TrimSpace(input)
	return truncate(input, maxRunes)
}

// Label keeps only letters, digits, underscore, hyphen and dot
func Label(input string, maxLen int) string {
	input = labelRegex.ReplaceAllString(strings.TrimSpace(input), "")
	return truncate(input, maxLen)
}

// StripControlCharacters removes control characters from string
func StripControlCharacters(input string) string {
	var result strings.Builder
	for _, r := range input {
		if !unicode.IsControl(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func truncate(input string, maxRunes int) string {
	if maxRunes <= 0 {
		return input
	}
	runes := []rune(input)
	if len(runes) <= maxRunes {
		return input
	}
	return strings.TrimSpace(string(runes[:maxRunes]))
}
