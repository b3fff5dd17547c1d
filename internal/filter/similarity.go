package filter

import (
	"fmt"
	"strings"
	"unicode"

	prose "github.com/jdkato/prose/v2"
)

// tokenSet tokenizes text into a lowercased set of word tokens. Tagging,
// entity extraction and sentence segmentation are disabled; only the
// tokenizer runs.
func tokenSet(text string) (map[string]struct{}, error) {
	doc, err := prose.NewDocument(text,
		prose.WithSegmentation(false),
		prose.WithTagging(false),
		prose.WithExtraction(false),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to tokenize text: %w", err)
	}

	set := make(map[string]struct{})
	for _, tok := range doc.Tokens() {
		word := strings.ToLower(tok.Text)
		if !hasLetterOrDigit(word) {
			continue
		}
		set[word] = struct{}{}
	}
	return set, nil
}

func hasLetterOrDigit(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

// jaccard returns the token-set Jaccard similarity |A∩B| / |A∪B|.
func jaccard(a, b map[string]struct{}) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}

	intersection := 0
	for tok := range a {
		if _, ok := b[tok]; ok {
			intersection++
		}
	}

	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
