package review

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetraminz/bbn_annotator/internal/agent"
	"github.com/tetraminz/bbn_annotator/internal/annotation"
	"github.com/tetraminz/bbn_annotator/internal/llm"
)

func TestSuggestionsFromResult(t *testing.T) {
	t.Parallel()

	result := annotation.Result{
		ConversationID: "conv_review",
		Turns: []annotation.TurnAnnotation{
			{TurnID: 1, Spans: []annotation.Span{
				{ID: "span_t1_0", Text: "really scared", Start: 4, End: 17, Label: "explicit_feeling", Reasoning: "fear", Verified: true},
			}},
			{TurnID: 2},
			{TurnID: 3, Spans: []annotation.Span{
				{ID: "span_t3_0", Text: "next", Start: 13, End: 17, Label: "implicit_appreciation"},
			}},
		},
	}

	got := SuggestionsFromResult(result)
	require.Len(t, got, 2)
	assert.Equal(t, Suggestion{
		TurnID:         1,
		SpanID:         "span_t1_0",
		Text:           "really scared",
		Start:          4,
		End:            17,
		SuggestedLabel: "explicit_feeling",
		Reasoning:      "fear",
		Verified:       true,
	}, got[0])
	assert.Equal(t, 3, got[1].TurnID)
	assert.False(t, got[1].Verified)
}

func TestAcceptAcceptAsReject(t *testing.T) {
	t.Parallel()

	store := newTestStore(0)
	sg := Suggestion{TurnID: 1, Text: "really scared", Start: 4, End: 17, SuggestedLabel: "explicit_feeling"}

	span, ok := store.Accept(sg)
	require.True(t, ok)
	assert.Equal(t, annotation.SourceAIAccepted, span.Source)

	modified, ok := store.AcceptAs(sg, "implicit_feeling")
	require.True(t, ok)
	assert.Equal(t, annotation.SourceAIModified, modified.Source)
	assert.Equal(t, "implicit_feeling", modified.Label)

	_, ok = store.AcceptAs(sg, "explicit_feeling")
	assert.False(t, ok, "accepting the same label twice is a duplicate")

	before := store.Snapshot()
	assert.Equal(t, sg, store.Reject(Suggestion{TurnID: 1, Text: "really scared", SuggestedLabel: "explicit_feeling", Start: 4, End: 17}))
	assert.Equal(t, before, store.Snapshot())
}

func TestAcceptKeepsUnverifiedFlag(t *testing.T) {
	t.Parallel()

	conv := reviewConversation()
	span, ok := annotation.Reconcile(
		annotation.Candidate{Text: "terrified", Start: 40, End: 49, Label: "explicit_feeling"},
		conv.Turns[0].Text, 1, 0, nil, annotation.Policy{},
	)
	require.True(t, ok)
	require.False(t, span.Verified)

	sg := SuggestionsFromResult(annotation.Result{Turns: []annotation.TurnAnnotation{{TurnID: 1, Spans: []annotation.Span{span}}}})[0]

	store := newTestStore(0)
	accepted, ok := store.Accept(sg)
	require.True(t, ok)
	assert.False(t, accepted.Verified)
	assert.Equal(t, 40, accepted.Start)
	assert.Equal(t, 49, accepted.End)

	modified, ok := store.AcceptAs(sg, "implicit_feeling")
	require.True(t, ok)
	assert.False(t, modified.Verified)

	manual, ok := store.AddSpan(1, "really scared", 4, 17, "explicit_feeling", annotation.SourceManual)
	require.True(t, ok)
	assert.True(t, manual.Verified)

	turn, ok := store.Turn(1)
	require.True(t, ok)
	require.Len(t, turn.Spans, 3)
	assert.False(t, turn.Spans[0].Verified)
}

func TestSuggestForTurnUsesBoundedContext(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", 150)
	conv := annotation.Conversation{ID: "conv_ctx"}
	for i := 1; i <= 7; i++ {
		speaker := annotation.Patient
		if i%2 == 0 {
			speaker = annotation.Clinician
		}
		conv.Turns = append(conv.Turns, annotation.Turn{TurnID: i, Speaker: speaker, Text: long})
	}
	conv.Turns = append(conv.Turns, annotation.Turn{TurnID: 8, Speaker: annotation.Clinician, Text: "I understand this is frightening"})

	var prompt string
	caller := llm.CallerFunc(func(_ context.Context, _, user string) (string, error) {
		prompt = user
		return `{"spikes_stage": "empathy", "annotations": [{"text": "I understand", "start": 5, "end": 9, "label": "understanding_feeling", "reasoning": "validates"}]}`, nil
	})
	annotator := agent.NewReact(caller, agent.Config{Provider: "openai", Model: "gpt-4o", Logger: zerolog.Nop()})

	got, err := SuggestForTurn(context.Background(), annotator, conv, 8)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, 0, got[0].Start)
	assert.Equal(t, 12, got[0].End)
	assert.True(t, got[0].Verified)
	assert.Equal(t, "understanding_feeling", got[0].SuggestedLabel)

	assert.Equal(t, 5, strings.Count(prompt, strings.Repeat("x", 100)), "five prior turns, each cut to 100 characters")
	assert.NotContains(t, prompt, strings.Repeat("x", 101))
}

func TestSuggestForTurnErrors(t *testing.T) {
	t.Parallel()

	conv := reviewConversation()
	failing := agent.NewReact(llm.CallerFunc(func(context.Context, string, string) (string, error) {
		return "", errors.New("connection refused")
	}), agent.Config{Logger: zerolog.Nop()})

	_, err := SuggestForTurn(context.Background(), failing, conv, 99)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turn 99 not found")

	_, err = SuggestForTurn(context.Background(), failing, conv, 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}
