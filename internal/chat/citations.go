package chat

import (
	"regexp"
	"strconv"
	"strings"
)

// timestampPattern matches bracketed or parenthesized timestamps the model
// emits, like [12:34], (1:02:03), or [0:45].
var timestampPattern = regexp.MustCompile(`[\[(](\d{1,2}:)?\d{1,2}:\d{2}[\])]`)

// ContextCitation points at a retrieved chunk that backed the answer.
type ContextCitation struct {
	VideoID    string `json:"videoId"`
	VideoTitle string `json:"videoTitle,omitempty"`
	StartTime  int    `json:"startTime"`
	EndTime    int    `json:"endTime"`
	Text       string `json:"text"`
}

// ExtractedCitation is a timestamp scraped from the assistant's response.
type ExtractedCitation struct {
	Timestamp string `json:"timestamp"`
	Seconds   int    `json:"seconds"`
	Text      string `json:"text"`
}

// excerptLimit bounds the text carried with an extracted citation.
const excerptLimit = 200

// ExtractCitations scans the assistant response for timestamps and returns
// one citation per match, in order of appearance, with the preceding
// sentence fragment as the excerpt.
func ExtractCitations(response string) []ExtractedCitation {
	matches := timestampPattern.FindAllStringIndex(response, -1)
	if len(matches) == 0 {
		return nil
	}

	citations := make([]ExtractedCitation, 0, len(matches))
	for _, m := range matches {
		raw := response[m[0]:m[1]]
		stamp := strings.Trim(raw, "[]()")

		seconds, ok := parseTimestamp(stamp)
		if !ok {
			continue
		}

		citations = append(citations, ExtractedCitation{
			Timestamp: stamp,
			Seconds:   seconds,
			Text:      excerptBefore(response, m[0]),
		})
	}
	return citations
}

// parseTimestamp converts "MM:SS" or "H:MM:SS" to seconds.
func parseTimestamp(stamp string) (int, bool) {
	parts := strings.Split(stamp, ":")
	if len(parts) != 2 && len(parts) != 3 {
		return 0, false
	}

	total := 0
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			return 0, false
		}
		total = total*60 + n
	}
	return total, true
}

// excerptBefore returns the sentence fragment leading up to a timestamp.
func excerptBefore(response string, at int) string {
	start := at - excerptLimit
	if start < 0 {
		start = 0
	}
	fragment := response[start:at]

	if cut := strings.LastIndexAny(fragment, ".!?\n"); cut >= 0 && cut+1 < len(fragment) {
		fragment = fragment[cut+1:]
	}
	return strings.TrimSpace(fragment)
}
