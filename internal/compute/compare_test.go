package compute

import (
	"math"
	"reflect"
	"testing"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
)

func TestIoUBounds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name                   string
		start1, end1, s2, end2 int
		want                   float64
	}{
		{name: "identical", start1: 3, end1: 10, s2: 3, end2: 10, want: 1},
		{name: "disjoint", start1: 0, end1: 5, s2: 5, end2: 9, want: 0},
		{name: "half overlap", start1: 0, end1: 10, s2: 5, end2: 15, want: 5.0 / 15.0},
		{name: "contained", start1: 0, end1: 10, s2: 2, end2: 4, want: 0.2},
		{name: "empty union", start1: 4, end1: 4, s2: 4, end2: 4, want: 0},
		{name: "inverted", start1: 10, end1: 2, s2: 0, end2: 1, want: 0},
	}

	for _, tt := range tests {
		got := IoU(tt.start1, tt.end1, tt.s2, tt.end2)
		if math.Abs(got-tt.want) > 1e-9 {
			t.Fatalf("%s: IoU got %v want %v", tt.name, got, tt.want)
		}
		if got < 0 || got > 1 {
			t.Fatalf("%s: IoU %v out of [0,1]", tt.name, got)
		}
	}
}

func TestCompareEmptyInputsNeverDivideByZero(t *testing.T) {
	t.Parallel()

	got := Compare(annotation.Result{Turns: []annotation.TurnAnnotation{{TurnID: 1}}}, nil)

	if got.Precision != 0 || got.Recall != 0 || got.F1 != 0 || got.AvgSpanIoU != 0 {
		t.Fatalf("metrics got p=%v r=%v f1=%v iou=%v want all 0", got.Precision, got.Recall, got.F1, got.AvgSpanIoU)
	}
	if got.TotalTurns != 1 {
		t.Fatalf("TotalTurns got %d want %d", got.TotalTurns, 1)
	}
	if got.SpanOverlapScores == nil {
		t.Fatalf("SpanOverlapScores got nil want empty slice")
	}
}

func TestCompareAgainstReference(t *testing.T) {
	t.Parallel()

	result := annotation.Result{
		ConversationID: "conv_cmp",
		Turns: []annotation.TurnAnnotation{
			{TurnID: 1, Speaker: annotation.Patient, Spans: []annotation.Span{
				{Label: "explicit_feeling", Start: 0, End: 10},
				{Label: "implicit_judgement", Start: 12, End: 20},
			}},
			{TurnID: 2, Speaker: annotation.Clinician, Spans: []annotation.Span{
				{Label: "understanding_feeling", Start: 0, End: 8},
			}},
		},
	}
	reference := map[int]annotation.TurnAnnotation{
		1: {Spans: []annotation.Span{
			{Label: "explicit_feeling", Start: 0, End: 5},
			{Label: "explicit_appreciation", Start: 6, End: 9},
		}},
		2: {Spans: []annotation.Span{
			{Label: "understanding_feeling", Start: 0, End: 8},
		}},
		9: {Spans: []annotation.Span{{Label: "explicit_feeling"}}},
	}

	got := Compare(result, reference)

	if got.LabelMatches != 2 {
		t.Fatalf("LabelMatches got %d want %d", got.LabelMatches, 2)
	}
	if got.AgentOnly != 1 || got.ExpertOnly != 1 {
		t.Fatalf("AgentOnly/ExpertOnly got %d/%d want 1/1", got.AgentOnly, got.ExpertOnly)
	}
	if got.LabelMismatches != 0 {
		t.Fatalf("LabelMismatches got %d want 0", got.LabelMismatches)
	}
	if want := []float64{0.5, 1}; !reflect.DeepEqual(got.SpanOverlapScores, want) {
		t.Fatalf("SpanOverlapScores got %v want %v", got.SpanOverlapScores, want)
	}
	if math.Abs(got.AvgSpanIoU-0.75) > 1e-9 {
		t.Fatalf("AvgSpanIoU got %v want 0.75", got.AvgSpanIoU)
	}
	if math.Abs(got.Precision-2.0/3.0) > 1e-9 {
		t.Fatalf("Precision got %v want 2/3", got.Precision)
	}
	if math.Abs(got.Recall-2.0/3.0) > 1e-9 {
		t.Fatalf("Recall got %v want 2/3 (turn 9 is not scored)", got.Recall)
	}
	if math.Abs(got.F1-2.0/3.0) > 1e-9 {
		t.Fatalf("F1 got %v want 2/3", got.F1)
	}

	first := got.PerTurnDetails[0]
	if !reflect.DeepEqual(first.Matches, []string{"explicit_feeling"}) {
		t.Fatalf("turn 1 matches got %v", first.Matches)
	}
	if !reflect.DeepEqual(first.AgentOnly, []string{"implicit_judgement"}) {
		t.Fatalf("turn 1 agent_only got %v", first.AgentOnly)
	}
	if !reflect.DeepEqual(first.ExpertOnly, []string{"explicit_appreciation"}) {
		t.Fatalf("turn 1 expert_only got %v", first.ExpertOnly)
	}
}
