// Package chunker segments an ordered transcript into retrieval chunks under
// dual length/punctuation constraints, and owns the canonical line format of
// the transcript blob. Chunk text concatenated in order is byte-identical to
// the blob, which is what makes byte_offset/byte_length valid offsets into it.
package chunker

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/tubechat/tubechat-backend/internal/transcript"
)

const (
	// minCutLen is the buffer length after which a sentence boundary ends a chunk.
	minCutLen = 1000
	// maxCutLen forces a cut regardless of punctuation.
	maxCutLen = 2000

	// MaxKeywords caps keywords per chunk.
	MaxKeywords = 10

	// previewLen bounds the stored text preview.
	previewLen = 300
)

// Chunk is one retrieval unit of a transcript.
type Chunk struct {
	Index      int
	Text       string // concatenated "[MM:SS] text\n" lines
	PlainText  string // segment texts joined with spaces, no timestamps
	StartTime  int    // first segment's start, seconds
	EndTime    int    // last segment's end, seconds
	ByteOffset int    // cumulative byte count of prior chunks' text
	ByteLength int    // UTF-8 byte length of Text
	Keywords   []string
}

// Preview returns the bounded text preview stored alongside the chunk. The
// cut never splits a rune, so the preview is always valid UTF-8.
func (c Chunk) Preview() string {
	if len(c.PlainText) <= previewLen {
		return c.PlainText
	}
	cut := previewLen
	for cut > 0 && !utf8.RuneStart(c.PlainText[cut]) {
		cut--
	}
	return c.PlainText[:cut]
}

// FormatTimestamp renders seconds as MM:SS. Minutes may exceed two digits
// for durations of 100 minutes and more; seconds are zero-padded.
func FormatTimestamp(seconds int) string {
	if seconds < 0 {
		seconds = 0
	}
	return fmt.Sprintf("%02d:%02d", seconds/60, seconds%60)
}

// FormatLine renders one blob line for a segment.
func FormatLine(startSeconds int, text string) string {
	return "[" + FormatTimestamp(startSeconds) + "] " + text + "\n"
}

// Split consumes ordered segments and emits chunks. The boundaries are
// deterministic: a chunk ends when a sentence-terminated segment pushes the
// buffer past minCutLen, when the buffer reaches maxCutLen, or at the final
// segment.
func Split(segments []transcript.Segment) []Chunk {
	var chunks []Chunk
	var buffer strings.Builder
	var plain strings.Builder

	byteOffset := 0
	startTime := 0
	endTime := 0
	open := false

	flush := func() {
		text := buffer.String()
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Text:       text,
			PlainText:  plain.String(),
			StartTime:  startTime,
			EndTime:    endTime,
			ByteOffset: byteOffset,
			ByteLength: len(text),
			Keywords:   ExtractKeywords(plain.String()),
		})
		byteOffset += len(text)
		buffer.Reset()
		plain.Reset()
		open = false
	}

	for i, seg := range segments {
		if !open {
			startTime = seg.StartSeconds
			open = true
		}
		endTime = seg.EndSeconds

		buffer.WriteString(FormatLine(seg.StartSeconds, seg.Text))
		if plain.Len() > 0 {
			plain.WriteString(" ")
		}
		plain.WriteString(seg.Text)

		natural := endsWithSentenceTerminator(seg.Text)
		long := buffer.Len() >= minCutLen
		tooLong := buffer.Len() >= maxCutLen
		last := i == len(segments)-1

		if (natural && long) || tooLong || last {
			flush()
		}
	}

	return chunks
}

// BuildBlob renders the full transcript blob for the segments. The result is
// byte-identical to the concatenation of Split's chunk texts.
func BuildBlob(segments []transcript.Segment) []byte {
	var blob strings.Builder
	for _, seg := range segments {
		blob.WriteString(FormatLine(seg.StartSeconds, seg.Text))
	}
	return []byte(blob.String())
}

func endsWithSentenceTerminator(text string) bool {
	trimmed := strings.TrimRight(text, " \t")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}
