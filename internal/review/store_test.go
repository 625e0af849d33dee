package review

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
)

func reviewConversation() annotation.Conversation {
	return annotation.Conversation{
		ID: "conv_review",
		Turns: []annotation.Turn{
			{TurnID: 1, Speaker: annotation.Patient, Text: "I'm really scared"},
			{TurnID: 2, Speaker: annotation.Clinician, Text: "I understand this is frightening"},
			{TurnID: 3, Speaker: annotation.Patient, Text: "What happens next?"},
		},
	}
}

func newTestStore(maxHistory int) *Store {
	store := NewStore(reviewConversation(), maxHistory)
	next := 0
	store.newID = func(prefix string) string {
		next++
		return fmt.Sprintf("%s%08d", prefix, next)
	}
	return store
}

func TestAddSpanRejectsDuplicateTextAndLabel(t *testing.T) {
	t.Parallel()

	store := newTestStore(0)

	span, ok := store.AddSpan(1, "really scared", 4, 17, "explicit_feeling", annotation.SourceManual)
	require.True(t, ok)
	assert.Equal(t, "span_00000001", span.ID)
	assert.Equal(t, annotation.SourceManual, span.Source)

	_, ok = store.AddSpan(1, "really scared", 4, 17, "explicit_feeling", annotation.SourceManual)
	assert.False(t, ok, "same text and label must be rejected")

	_, ok = store.AddSpan(1, "really scared", 4, 17, "implicit_feeling", annotation.SourceManual)
	assert.True(t, ok, "same text with another label is a new span")

	_, ok = store.AddSpan(42, "nope", 0, 4, "explicit_feeling", annotation.SourceManual)
	assert.False(t, ok, "unknown turn must be rejected")

	turn, ok := store.Turn(1)
	require.True(t, ok)
	assert.Len(t, turn.Spans, 2)
	assert.Equal(t, annotation.Patient, turn.Speaker)
	assert.Equal(t, "I'm really scared", turn.Text)
}

func TestNewShortIDFormat(t *testing.T) {
	t.Parallel()

	id := newShortID("rel_")
	assert.Regexp(t, `^rel_[0-9a-f]{8}$`, id)
}

func TestRemoveSpanCascadesRelationsAcrossTurns(t *testing.T) {
	t.Parallel()

	store := newTestStore(0)
	patient, ok := store.AddSpan(1, "really scared", 4, 17, "explicit_feeling", annotation.SourceManual)
	require.True(t, ok)
	clinician, ok := store.AddSpan(2, "I understand", 0, 12, "understanding_feeling", annotation.SourceManual)
	require.True(t, ok)
	other, ok := store.AddSpan(3, "What happens next?", 0, 18, "implicit_appreciation", annotation.SourceManual)
	require.True(t, ok)

	_, ok = store.AddRelation(2, clinician.ID, 1, patient.ID, annotation.ResponseTo)
	require.True(t, ok)
	kept, ok := store.AddRelation(2, clinician.ID, 3, other.ID, annotation.ElicitationOf)
	require.True(t, ok)

	require.True(t, store.RemoveSpan(1, patient.ID))
	assert.False(t, store.RemoveSpan(1, patient.ID))

	turn, _ := store.Turn(2)
	require.Len(t, turn.Relations, 1)
	assert.Equal(t, kept.ID, turn.Relations[0].ID)

	first, _ := store.Turn(1)
	assert.Empty(t, first.Spans)
}

func TestAddRelationValidation(t *testing.T) {
	t.Parallel()

	store := newTestStore(0)
	patient, _ := store.AddSpan(1, "really scared", 4, 17, "explicit_feeling", annotation.SourceManual)
	clinician, _ := store.AddSpan(2, "I understand", 0, 12, "understanding_feeling", annotation.SourceManual)

	_, ok := store.AddRelation(2, clinician.ID, 1, patient.ID, annotation.RelationType("caused_by"))
	assert.False(t, ok, "unknown relation type")
	_, ok = store.AddRelation(2, "span_missing", 1, patient.ID, annotation.ResponseTo)
	assert.False(t, ok, "unknown source span")
	_, ok = store.AddRelation(2, clinician.ID, 99, patient.ID, annotation.ResponseTo)
	assert.False(t, ok, "unknown target turn")

	rel, ok := store.AddRelation(2, clinician.ID, 1, patient.ID, annotation.ResponseTo)
	require.True(t, ok)
	assert.Equal(t, 1, rel.ToTurnID)
	assert.Equal(t, "rel_00000003", rel.ID)

	assert.False(t, store.RemoveRelation(2, "rel_missing"))
	assert.True(t, store.RemoveRelation(2, rel.ID))
}

func TestSetStage(t *testing.T) {
	t.Parallel()

	store := newTestStore(0)

	assert.False(t, store.SetStage(2, annotation.SpikesStage("denial")))
	assert.True(t, store.SetStage(2, annotation.StageEmpathy))
	turn, _ := store.Turn(2)
	assert.Equal(t, annotation.StageEmpathy, turn.Stage)

	assert.True(t, store.SetStage(2, annotation.StageNone))
	turn, _ = store.Turn(2)
	assert.Equal(t, annotation.StageNone, turn.Stage)
}

func TestUndoRestoresPreviousStates(t *testing.T) {
	t.Parallel()

	store := newTestStore(0)
	require.ErrorIs(t, store.Undo(), ErrNothingToUndo)

	patient, _ := store.AddSpan(1, "really scared", 4, 17, "explicit_feeling", annotation.SourceManual)
	afterFirst := store.Snapshot()

	clinician, _ := store.AddSpan(2, "I understand", 0, 12, "understanding_feeling", annotation.SourceManual)
	store.AddRelation(2, clinician.ID, 1, patient.ID, annotation.ResponseTo)
	store.SetStage(2, annotation.StageEmpathy)
	beforeRemove := store.Snapshot()

	require.True(t, store.RemoveSpan(1, patient.ID))
	require.NoError(t, store.Undo())
	assert.Equal(t, beforeRemove, store.Snapshot(), "undo of a cascading remove restores span and relations")

	require.NoError(t, store.Undo()) // stage
	require.NoError(t, store.Undo()) // relation
	require.NoError(t, store.Undo()) // clinician span
	assert.Equal(t, afterFirst, store.Snapshot())

	require.NoError(t, store.Undo())
	assert.Empty(t, store.Snapshot(), "undoing the first span drops the turn entry")
	assert.ErrorIs(t, store.Undo(), ErrNothingToUndo)
}

func TestUndoHistoryIsBounded(t *testing.T) {
	t.Parallel()

	store := newTestStore(3)
	for i := 0; i < 5; i++ {
		_, ok := store.AddSpan(1, fmt.Sprintf("word %d", i), 0, 4, "explicit_feeling", annotation.SourceManual)
		require.True(t, ok)
	}
	assert.Equal(t, 3, store.HistoryLen())

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Undo())
	}
	assert.ErrorIs(t, store.Undo(), ErrNothingToUndo)

	turn, _ := store.Turn(1)
	assert.Len(t, turn.Spans, 2, "the two oldest changes are no longer undoable")
}

func TestMergeDeduplicatesAndIsOneChange(t *testing.T) {
	t.Parallel()

	store := newTestStore(0)
	store.AddSpan(1, "really scared", 4, 17, "explicit_feeling", annotation.SourceManual)

	incoming := []annotation.TurnAnnotation{
		{
			TurnID: 1,
			Spans: []annotation.Span{
				{ID: "span_t1_0", Text: "really scared", Start: 4, End: 17, Label: "explicit_feeling"},
				{ID: "span_t1_1", Text: "scared", Start: 11, End: 17, Label: "implicit_feeling"},
				{ID: "span_t1_1", Text: "scared", Start: 11, End: 17, Label: "implicit_feeling"},
			},
		},
		{
			TurnID: 2,
			Stage:  annotation.StageEmpathy,
			Spans: []annotation.Span{
				{ID: "span_t2_0", Text: "I understand", Start: 0, End: 12, Label: "understanding_feeling"},
			},
			Relations: []annotation.Relation{
				{From: "span_t2_0", To: "span_t1_1", ToTurnID: 1, Type: annotation.ResponseTo},
				{From: "span_t2_0", To: "span_t1_1", ToTurnID: 1, Type: annotation.ResponseTo},
			},
		},
		{TurnID: 77, Spans: []annotation.Span{{ID: "x", Text: "x", Label: "x"}}},
	}

	added := store.Merge(incoming)
	assert.Equal(t, 2, added)

	snapshot := store.Snapshot()
	require.Len(t, snapshot, 2)
	assert.Len(t, snapshot[0].Spans, 2)
	assert.Len(t, snapshot[1].Relations, 1)
	assert.Equal(t, annotation.StageEmpathy, snapshot[1].Stage)

	assert.Equal(t, 0, store.Merge(incoming), "merging twice adds nothing")

	require.NoError(t, store.Undo())
	snapshot = store.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Len(t, snapshot[0].Spans, 1)
}

func TestMergeKeepsStageWhenIncomingIsEmpty(t *testing.T) {
	t.Parallel()

	store := newTestStore(0)
	store.SetStage(2, annotation.StageKnowledge)
	store.Merge([]annotation.TurnAnnotation{{TurnID: 2}})

	turn, _ := store.Turn(2)
	assert.Equal(t, annotation.StageKnowledge, turn.Stage)
}

func TestSnapshotIsADeepCopy(t *testing.T) {
	t.Parallel()

	store := newTestStore(0)
	store.AddSpan(1, "really scared", 4, 17, "explicit_feeling", annotation.SourceManual)

	snapshot := store.Snapshot()
	snapshot[0].Spans[0].Label = "mutated"

	turn, _ := store.Turn(1)
	assert.Equal(t, "explicit_feeling", turn.Spans[0].Label)
}

func TestResetClearsHistory(t *testing.T) {
	t.Parallel()

	store := newTestStore(0)
	store.AddSpan(1, "really scared", 4, 17, "explicit_feeling", annotation.SourceManual)
	store.Reset([]annotation.TurnAnnotation{
		{TurnID: 3, Spans: []annotation.Span{{ID: "span_a", Text: "next", Label: "implicit_appreciation"}}},
		{TurnID: 50},
	})

	assert.Equal(t, 0, store.HistoryLen())
	snapshot := store.Snapshot()
	require.Len(t, snapshot, 1)
	assert.Equal(t, 3, snapshot[0].TurnID)
}

func TestStoreConcurrentUse(t *testing.T) {
	t.Parallel()

	store := NewStore(reviewConversation(), 100)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			store.AddSpan(1+i%3, fmt.Sprintf("text %d", i), 0, 4, "explicit_feeling", annotation.SourceManual)
			_ = store.Snapshot()
		}(i)
	}
	wg.Wait()

	total := 0
	for _, turn := range store.Snapshot() {
		total += len(turn.Spans)
	}
	assert.Equal(t, 20, total)
}
