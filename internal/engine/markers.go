package engine

import "strings"

// markerWindowSize bounds the sliding window kept in memory while
// scanning a streamed iteration for a completion/plan-ready/error marker,
// generalized from a one-shot hasSkipMarker commit-message substring
// check into an incrementally-fed buffer so memory stays bounded across
// an arbitrarily long stream.
const markerWindowSize = 16384

// markerBuffer accumulates streamed text and answers marker-containment
// queries over a bounded trailing window.
type markerBuffer struct {
	window string
}

func newMarkerBuffer() *markerBuffer {
	return &markerBuffer{}
}

// Feed appends chunk and evicts everything before the last
// markerWindowSize bytes.
func (b *markerBuffer) Feed(chunk string) {
	b.window += chunk
	if over := len(b.window) - markerWindowSize; over > 0 {
		b.window = b.window[over:]
	}
}

// Contains reports whether marker currently appears in the window.
func (b *markerBuffer) Contains(marker string) bool {
	return marker != "" && strings.Contains(b.window, marker)
}

// errorMarkerPrefix is re-declared here (rather than importing loop just
// for a constant already exposed as loop.ErrorMarkerPrefix) would be
// redundant — ExtractError takes the prefix as a parameter instead so
// this file has no dependency on the loop package.

// ExtractError returns the single-line message following the first
// occurrence of prefix in the window, or ok=false if prefix is absent.
func (b *markerBuffer) ExtractError(prefix string) (message string, ok bool) {
	idx := strings.Index(b.window, prefix)
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSpace(b.window[idx+len(prefix):])
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	return rest, true
}
