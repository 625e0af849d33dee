package review

import (
	"context"
	"fmt"

	"github.com/tetraminz/bbn_annotator/internal/agent"
	"github.com/tetraminz/bbn_annotator/internal/annotation"
)

const (
	suggestionContextTurns = 5
	suggestionTextLimit    = 100
)

// Suggestion is an agent span waiting for a reviewer decision.
type Suggestion struct {
	TurnID         int    `json:"turn_id"`
	SpanID         string `json:"span_id,omitempty"`
	Text           string `json:"text"`
	Start          int    `json:"start"`
	End            int    `json:"end"`
	SuggestedLabel string `json:"suggested_label"`
	Reasoning      string `json:"reasoning"`
	Verified       bool   `json:"verified"`
}

// SuggestionsFromResult flattens every span of result, in turn order.
func SuggestionsFromResult(result annotation.Result) []Suggestion {
	out := make([]Suggestion, 0, result.SpanCount())
	for _, turn := range result.Turns {
		out = append(out, suggestionsFromTurn(turn)...)
	}
	return out
}

func suggestionsFromTurn(turn annotation.TurnAnnotation) []Suggestion {
	out := make([]Suggestion, 0, len(turn.Spans))
	for _, span := range turn.Spans {
		out = append(out, Suggestion{
			TurnID:         turn.TurnID,
			SpanID:         span.ID,
			Text:           span.Text,
			Start:          span.Start,
			End:            span.End,
			SuggestedLabel: span.Label,
			Reasoning:      span.Reasoning,
			Verified:       span.Verified,
		})
	}
	return out
}

// Accept stores the suggestion with its own label. The span keeps the suggestion's Verified flag.
func (s *Store) Accept(sg Suggestion) (annotation.Span, bool) {
	return s.addSpan(sg.TurnID, sg.Text, sg.Start, sg.End, sg.SuggestedLabel, annotation.SourceAIAccepted, sg.Verified)
}

// AcceptAs stores the suggestion under a reviewer-chosen label.
func (s *Store) AcceptAs(sg Suggestion, label string) (annotation.Span, bool) {
	if label == sg.SuggestedLabel {
		return s.Accept(sg)
	}
	return s.addSpan(sg.TurnID, sg.Text, sg.Start, sg.End, label, annotation.SourceAIModified, sg.Verified)
}

// Reject leaves the store unchanged and hands the suggestion back for status tracking.
func (s *Store) Reject(sg Suggestion) Suggestion {
	return sg
}

// SuggestForTurn annotates a single turn of conv with the last five prior turns as context.
func SuggestForTurn(ctx context.Context, annotator agent.Annotator, conv annotation.Conversation, turnID int) ([]Suggestion, error) {
	position := -1
	for i, turn := range conv.Turns {
		if turn.TurnID == turnID {
			position = i
			break
		}
	}
	if position < 0 {
		return nil, fmt.Errorf("turn %d not found in conversation %s", turnID, conv.ID)
	}

	ctx = agent.WithConversationID(ctx, conv.ID)
	history := agent.BuildContext(conv.Turns[:position], suggestionContextTurns, suggestionTextLimit)
	turn, err := annotator.AnnotateTurn(ctx, conv.Turns[position], history)
	if err != nil {
		return nil, fmt.Errorf("suggest turn %d: %w", turnID, err)
	}
	return suggestionsFromTurn(turn), nil
}
