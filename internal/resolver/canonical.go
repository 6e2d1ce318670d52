package resolver

import (
	"regexp"
	"strings"
)

// Transactional noise stripped during canonicalization. Order matters:
// prefixes first, then trailing store numbers and date-like suffixes.
var (
	posPrefixRe     = regexp.MustCompile(`^(pos |pos\* ?|tst\* ?|sq \*|sq\*|py \*|paypal \*)`)
	storeNumberRe   = regexp.MustCompile(`\s*#\d+\s*$`)
	dateSuffixRe    = regexp.MustCompile(`\s+\d{1,2}[/-]\d{1,2}([/-]\d{2,4})?\s*$`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
	trailingJunkRe  = regexp.MustCompile(`[*\-\s]+$`)
)

// Canonicalize normalizes a free-text key into the exact-cache form:
// lowercase, collapsed whitespace, common transactional noise removed.
// It is idempotent: Canonicalize(Canonicalize(x)) == Canonicalize(x).
func Canonicalize(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = whitespaceRe.ReplaceAllString(s, " ")
	for {
		prev := s
		s = posPrefixRe.ReplaceAllString(s, "")
		s = storeNumberRe.ReplaceAllString(s, "")
		s = dateSuffixRe.ReplaceAllString(s, "")
		s = trailingJunkRe.ReplaceAllString(s, "")
		s = strings.TrimSpace(s)
		if s == prev {
			return s
		}
	}
}
