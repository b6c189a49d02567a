package chunker

import (
	"strings"
	"unicode"
)

// stopWords is the shared stop-word set for chunk keyword extraction.
var stopWords = map[string]bool{
	"about": true, "after": true, "again": true, "against": true, "also": true,
	"because": true, "been": true, "before": true, "being": true, "between": true,
	"both": true, "cannot": true, "could": true, "does": true, "doing": true,
	"down": true, "during": true, "each": true, "even": true, "every": true,
	"from": true, "further": true, "gonna": true, "have": true, "having": true,
	"here": true, "into": true, "just": true, "like": true, "more": true,
	"most": true, "much": true, "other": true, "over": true, "really": true,
	"same": true, "should": true, "some": true, "such": true, "than": true,
	"their": true, "them": true, "then": true, "there": true, "these": true,
	"they": true, "thing": true, "things": true, "those": true, "through": true,
	"under": true, "until": true, "very": true, "want": true, "well": true,
	"were": true, "will": true, "with": true, "would": true, "your": true,
	"yours": true,
}

// queryStopWords extends stopWords with interrogatives, so question words in
// a user query never count as keywords. Both search paths use this one set.
var queryStopWords = func() map[string]bool {
	extended := make(map[string]bool, len(stopWords)+9)
	for w := range stopWords {
		extended[w] = true
	}
	for _, w := range []string{"what", "when", "where", "who", "why", "how", "which", "that", "this"} {
		extended[w] = true
	}
	return extended
}()

// ExtractKeywords tokenizes chunk text into up to MaxKeywords keywords:
// lowercase, non-alphanumerics stripped to spaces, tokens of length ≤ 3 and
// stop words dropped, duplicates removed in order of first appearance.
func ExtractKeywords(text string) []string {
	return extract(text, stopWords)
}

// ExtractQueryKeywords applies the same pipeline with the extended stop-word
// set. Queries and chunks must tokenize identically for keyword matching to
// work symmetrically.
func ExtractQueryKeywords(query string) []string {
	return extract(query, queryStopWords)
}

func extract(text string, stop map[string]bool) []string {
	lowered := strings.ToLower(text)
	normalized := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
		return ' '
	}, lowered)

	seen := make(map[string]bool)
	var keywords []string
	for _, token := range strings.Fields(normalized) {
		if len(token) <= 3 || stop[token] || seen[token] {
			continue
		}
		seen[token] = true
		keywords = append(keywords, token)
		if len(keywords) == MaxKeywords {
			break
		}
	}
	return keywords
}
