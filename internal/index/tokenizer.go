// Package index maintains three secondary index structures over the
// committed store: an exact-match value index, a BM25 full-text index, and
// a TF-IDF cosine-similarity index. None of the three carry their own lock
// — the Manager is invoked from inside the store's locked mutation methods,
// so indexes never lag behind the visible map state.
package index

import (
	"fmt"
	"regexp"
	"strings"
)

var wordPattern = regexp.MustCompile(`[a-zA-Z0-9]+`)

// tokenize lowercases and splits on runs of alphanumerics. Idempotent:
// tokenizing the join of tokens yields the same tokens back.
func tokenize(text string) []string {
	matches := wordPattern.FindAllString(strings.ToLower(text), -1)
	if matches == nil {
		return []string{}
	}
	return matches
}

// extractText renders a value to its indexable text: strings as-is, objects
// as the whitespace-join of their string-valued fields, and everything else
// via generic string conversion.
func extractText(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		var parts []string
		for _, fv := range val {
			if s, ok := fv.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, " ")
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", val)
	}
}
