package agent

import (
	"fmt"
	"strings"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
)

const (
	// NoPreviousContext is sent in place of an empty history.
	NoPreviousContext = "No previous context."

	DefaultContextTurns = 5
	contextTextLimit    = 200
	summaryTextLimit    = 100
)

// BuildContext renders the last maxTurns of previous as "SPEAKER: text" lines,
// each text cut to textLimit code points.
func BuildContext(previous []annotation.Turn, maxTurns, textLimit int) string {
	if maxTurns <= 0 {
		maxTurns = DefaultContextTurns
	}
	if len(previous) > maxTurns {
		previous = previous[len(previous)-maxTurns:]
	}
	if len(previous) == 0 {
		return NoPreviousContext
	}

	lines := make([]string, 0, len(previous))
	for _, turn := range previous {
		lines = append(lines, strings.ToUpper(turn.Speaker.String())+": "+truncate(turn.Text, textLimit))
	}
	return strings.Join(lines, "\n")
}

// BuildSummary renders a compact transcript for relation linking.
func BuildSummary(turns []annotation.Turn) string {
	lines := make([]string, 0, len(turns))
	for _, turn := range turns {
		lines = append(lines, fmt.Sprintf("Turn %d (%s): %s...", turn.TurnID, turn.Speaker, truncate(turn.Text, summaryTextLimit)))
	}
	return strings.Join(lines, "\n")
}

func truncate(text string, limit int) string {
	if limit <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= limit {
		return text
	}
	return string(runes[:limit])
}
