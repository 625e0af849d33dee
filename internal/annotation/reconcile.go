package annotation

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Offsets are counted in code points, matching stored annotation files.

// Policy controls how unverifiable and repeated candidates are positioned.
type Policy struct {
	// Strict rejects candidates whose text is not found verbatim in the turn.
	Strict bool
	// NearestOccurrence binds a repeated phrase to the occurrence closest to the claimed start
	// instead of the first one.
	NearestOccurrence bool
}

// SpanID is the deterministic id of the ordinal-th span of a turn.
func SpanID(turnID, ordinal int) string {
	return fmt.Sprintf("span_t%d_%d", turnID, ordinal)
}

// Locate finds text inside turnText and returns code point offsets.
// With hint < 0 the first occurrence wins; otherwise the occurrence nearest to hint,
// ties going to the earlier one.
func Locate(turnText, text string, hint int) (start, end int, ok bool) {
	if text == "" {
		return 0, 0, false
	}
	first := strings.Index(turnText, text)
	if first < 0 {
		return 0, 0, false
	}
	length := utf8.RuneCountInString(text)
	best := utf8.RuneCountInString(turnText[:first])
	if hint < 0 {
		return best, best + length, true
	}

	bestDistance := abs(best - hint)
	_, size := utf8.DecodeRuneInString(turnText[first:])
	for from := first + size; from < len(turnText); {
		idx := strings.Index(turnText[from:], text)
		if idx < 0 {
			break
		}
		byteStart := from + idx
		runeStart := utf8.RuneCountInString(turnText[:byteStart])
		if d := abs(runeStart - hint); d < bestDistance {
			best, bestDistance = runeStart, d
		}
		_, size := utf8.DecodeRuneInString(turnText[byteStart:])
		from = byteStart + size
	}
	return best, best + length, true
}

// Slice returns the code point range [start, end) of text.
func Slice(text string, start, end int) (string, bool) {
	runes := []rune(text)
	if start < 0 || end > len(runes) || start >= end {
		return "", false
	}
	return string(runes[start:end]), true
}

// Reconcile turns a candidate into a positioned span.
//
// Source text wins over claimed offsets: when the candidate text occurs in the turn,
// start/end are recomputed and the span is Verified. Otherwise the claimed offsets are kept
// unverified, or the candidate is rejected under a strict policy. A non-nil allowed set
// rejects labels outside it.
func Reconcile(c Candidate, turnText string, turnID, ordinal int, allowed map[string]struct{}, policy Policy) (Span, bool) {
	if allowed != nil {
		if _, ok := allowed[c.Label]; !ok {
			return Span{}, false
		}
	}

	hint := -1
	if policy.NearestOccurrence {
		hint = c.Start
	}
	span := Span{
		ID:        SpanID(turnID, ordinal),
		Text:      c.Text,
		Start:     c.Start,
		End:       c.End,
		Label:     c.Label,
		Reasoning: c.Reasoning,
		Source:    SourceAgent,
	}
	if start, end, ok := Locate(turnText, c.Text, hint); ok {
		span.Start, span.End, span.Verified = start, end, true
		return span, true
	}
	if policy.Strict {
		return Span{}, false
	}
	return span, true
}

// ReconcileAll reconciles candidates for one turn. Ordinals count accepted spans only.
func ReconcileAll(candidates []Candidate, turn Turn, allowed map[string]struct{}, policy Policy) []Span {
	spans := make([]Span, 0, len(candidates))
	for _, c := range candidates {
		span, ok := Reconcile(c, turn.Text, turn.TurnID, len(spans), allowed, policy)
		if ok {
			spans = append(spans, span)
		}
	}
	return spans
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
