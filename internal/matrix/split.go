// ABOUTME: Splits long outgoing messages into chunks that respect words and markdown.
// ABOUTME: Non-final chunks end with "... [m/n]" so readers know more is coming.

package matrix

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// indicatorReserve is space held back in each chunk for the "... [m/n]"
// continuation indicator.
const indicatorReserve = 15

// pairedMarkers are markdown delimiters that must not be left unclosed at a
// chunk boundary. Ordered longest first so "```" is counted before "`".
var pairedMarkers = []string{"```", "**", "__", "~~", "*", "_", "`"}

// splitMessage breaks text into chunks of at most maxLen bytes, cutting at
// newlines or spaces and backing off of unclosed markdown markers. Chunks
// carry position indicators when there is more than one.
func splitMessage(text string, maxLen int) []string {
	if text == "" {
		return nil
	}
	if len(text) <= maxLen {
		return []string{text}
	}

	effectiveMax := maxLen - indicatorReserve
	var chunks []string
	remaining := text
	for remaining != "" {
		if len(remaining) <= effectiveMax {
			chunks = append(chunks, remaining)
			break
		}
		cut := safeCutPoint(remaining, effectiveMax)
		chunks = append(chunks, strings.TrimRight(remaining[:cut], " \n\t"))
		remaining = strings.TrimLeft(remaining[cut:], " \n\t")
	}

	total := len(chunks)
	for i := range chunks {
		if i < total-1 {
			chunks[i] = fmt.Sprintf("%s... [%d/%d]", chunks[i], i+1, total)
		} else {
			chunks[i] = fmt.Sprintf("%s [%d/%d]", chunks[i], i+1, total)
		}
	}
	return chunks
}

// safeCutPoint finds where to cut text so the first chunk is at most maxPos
// bytes, preferring newline boundaries, then spaces, and never splitting a
// word, a rune, or a markdown pair.
func safeCutPoint(text string, maxPos int) int {
	if maxPos >= len(text) {
		return len(text)
	}
	for maxPos > 0 && !utf8.RuneStart(text[maxPos]) {
		maxPos--
	}

	// A newline in the back half of the window is the cleanest cut.
	if nl := strings.LastIndexByte(text[:maxPos], '\n'); nl > maxPos/2 {
		return nl + 1
	}

	cut := maxPos
	if sp := strings.LastIndexByte(text[:maxPos], ' '); sp > maxPos*3/10 {
		cut = sp + 1
	}

	// Back off to before any word that opens a markdown pair the chunk
	// never closes.
	chunk := text[:cut]
	for _, marker := range unclosedMarkers(chunk) {
		pos := strings.LastIndex(chunk, marker)
		if pos <= 0 {
			continue
		}
		wordStart := strings.LastIndexByte(chunk[:pos], ' ')
		if wordStart < 0 {
			wordStart = strings.LastIndexByte(chunk[:pos], '\n')
		}
		if wordStart < 0 {
			wordStart = 0
		} else {
			wordStart++
		}
		if wordStart > 0 && wordStart < cut {
			cut = wordStart
		}
	}

	// If the cut landed mid-word, retreat to the last whitespace boundary.
	if cut > 0 && cut < len(text) && !isBreak(text[cut-1]) && !isBreak(text[cut]) {
		if sp := strings.LastIndexByte(text[:cut], ' '); sp > 0 {
			cut = sp + 1
		} else if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
			cut = nl + 1
		}
	}

	if cut < 1 {
		cut = 1
	}
	return cut
}

// unclosedMarkers returns the paired markers that appear an odd number of
// times in chunk. Single backticks inside code fences are discounted.
func unclosedMarkers(chunk string) []string {
	var open []string
	for _, marker := range pairedMarkers {
		count := strings.Count(chunk, marker)
		if marker == "`" {
			count -= strings.Count(chunk, "```") * 3
		}
		if count%2 != 0 {
			open = append(open, marker)
		}
	}
	return open
}

func isBreak(b byte) bool {
	return b == ' ' || b == '\n'
}
