package slug

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxLength = 64

var (
	invalidChars = regexp.MustCompile("[^a-z0-9-]+")
	hyphenRuns   = regexp.MustCompile("-+")
)

// Generate creates a lowercase ASCII slug suitable for metric labels and object keys
func Generate(s string) string {
	if s == "" {
		return ""
	}

	s = strings.ToLower(s)
	s = transliterate(s)

	s = strings.ReplaceAll(s, "&", " and ")
	s = strings.ReplaceAll(s, "+", " plus ")
	s = strings.Map(func(r rune) rune {
		switch r {
		case ' ', '_', '.', '/':
			return '-'
		}
		return r
	}, s)

	s = invalidChars.ReplaceAllString(s, "")
	s = hyphenRuns.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")

	if len(s) > maxLength {
		s = strings.TrimRight(s[:maxLength], "-")
	}

	return s
}

// WithFallback generates a slug, using fallback when s produces nothing
func WithFallback(s, fallback string) string {
	if out := Generate(s); out != "" {
		return out
	}
	return Generate(fallback)
}

// Category returns the label for a category name, "general" when empty
func Category(name string) string {
	return WithFallback(name, "general")
}

// Network returns the label for an affiliate network name
func Network(name string) string {
	return WithFallback(name, "unknown")
}

// transliterate strips diacritics
func transliterate(s string) string {
	t := transform.Chain(norm.NFD, transform.RemoveFunc(isMn), norm.NFC)
	result, _, _ := transform.String(t, s)
	return result
}

func isMn(r rune) bool {
	return unicode.Is(unicode.Mn, r)
}
