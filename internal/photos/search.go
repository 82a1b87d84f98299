package photos

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxQueryLength caps a sanitized search query, in runes.
const MaxQueryLength = 15

const querySymbols = `!@#$%^&*():.,<>/\[]?`

var strokeReplacer = strings.NewReplacer("Đ", "D", "đ", "d")

// SanitizeQuery folds diacritics to their base letters and drops every rune
// outside ASCII letters, digits, spaces and the symbols the search box accepts.
func SanitizeQuery(s string) string {
	stripped, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), s)
	if err != nil {
		stripped = s
	}
	stripped = strokeReplacer.Replace(stripped)

	var b strings.Builder
	n := 0
	for _, r := range stripped {
		if n == MaxQueryLength {
			break
		}
		if !allowedQueryRune(r) {
			continue
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

func allowedQueryRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ':
		return true
	}
	return strings.ContainsRune(querySymbols, r)
}

// Search returns the photos whose author or id contains query, ignoring case.
// An empty query matches everything.
func Search(query string, photos []Photo) []Photo {
	q := strings.ToLower(strings.TrimSpace(query))
	out := make([]Photo, 0, len(photos))
	for _, p := range photos {
		if strings.Contains(strings.ToLower(p.Author), q) || strings.Contains(strings.ToLower(p.ID), q) {
			out = append(out, p)
		}
	}
	return out
}

// Paginate returns the 1-based page of photos holding at most limit entries.
func Paginate(photos []Photo, page, limit int) []Photo {
	if page < 1 || limit < 1 {
		return []Photo{}
	}
	start := (page - 1) * limit
	if start >= len(photos) {
		return []Photo{}
	}
	end := min(start+limit, len(photos))
	return photos[start:end]
}
