package bridge

import (
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// leadingArticles are trimmed from the front of entity names.
var leadingArticles = map[string]bool{"a": true, "an": true, "the": true}

// NormalizeName applies the canonical name normalization: lowercase, collapse
// whitespace, strip punctuation except '-', '/', '.', trim leading articles.
// Synonym substitution happens separately so the table stays data.
func NormalizeName(raw string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(raw) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case r == '-' || r == '/' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	for len(fields) > 0 && leadingArticles[fields[0]] {
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

// Synonyms maps normalized alias names to their canonical normalized name.
type Synonyms map[string]string

// Apply substitutes a whole normalized name when the table knows it.
func (s Synonyms) Apply(normalized string) string {
	if canon, ok := s[normalized]; ok {
		return canon
	}
	return normalized
}

// LoadSynonyms reads a YAML map of alias -> canonical name. Both sides are
// normalized on load so the file can use natural spelling.
func LoadSynonyms(path string) (Synonyms, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw map[string]string
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("decode synonym table %s: %w", path, err)
	}
	out := make(Synonyms, len(raw))
	for alias, canon := range raw {
		na, nc := NormalizeName(alias), NormalizeName(canon)
		if na == "" || nc == "" {
			return nil, fmt.Errorf("synonym table %s: blank entry %q: %q", path, alias, canon)
		}
		out[na] = nc
	}
	return out, nil
}

// DefaultSynonyms unifies the aliases that show up across store manuals.
func DefaultSynonyms() Synonyms {
	return Synonyms{
		"ice cream machine":  "soft-serve machine",
		"ice-cream machine":  "soft-serve machine",
		"soft serve machine": "soft-serve machine",
		"fry station":        "fryer",
		"deep fryer":         "fryer",
		"walk-in":            "walk-in cooler",
		"walk in cooler":     "walk-in cooler",
		"sanitiser":          "sanitizer",
	}
}
