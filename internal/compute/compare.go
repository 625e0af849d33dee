package compute

import (
	"sort"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
)

// TurnDetail is the label agreement of one turn.
type TurnDetail struct {
	TurnID       int      `json:"turn_id"`
	AgentLabels  []string `json:"agent_labels"`
	ExpertLabels []string `json:"expert_labels"`
	Matches      []string `json:"matches"`
	AgentOnly    []string `json:"agent_only"`
	ExpertOnly   []string `json:"expert_only"`
}

// Metrics is the agreement between an automated result and an expert reference.
type Metrics struct {
	TotalTurns        int          `json:"total_turns"`
	LabelMatches      int          `json:"label_matches"`
	LabelMismatches   int          `json:"label_mismatches"`
	AgentOnly         int          `json:"agent_only"`
	ExpertOnly        int          `json:"expert_only"`
	SpanOverlapScores []float64    `json:"span_overlap_scores"`
	PerTurnDetails    []TurnDetail `json:"per_turn_details"`
	Precision         float64      `json:"precision"`
	Recall            float64      `json:"recall"`
	F1                float64      `json:"f1"`
	AvgSpanIoU        float64      `json:"avg_span_iou"`
}

// Compare scores result against reference, keyed by turn id.
//
// Agreement is set-based over label strings per turn. IoU is computed for every
// (agent, expert) span pair sharing a label. Only turns present in result are scored,
// so reference spans of other turns do not count toward recall.
// LabelMismatches is always 0.
func Compare(result annotation.Result, reference map[int]annotation.TurnAnnotation) Metrics {
	metrics := Metrics{
		TotalTurns:        len(result.Turns),
		SpanOverlapScores: []float64{},
		PerTurnDetails:    make([]TurnDetail, 0, len(result.Turns)),
	}

	totalAgent, totalExpert := 0, 0
	for _, agentTurn := range result.Turns {
		expertSpans := reference[agentTurn.TurnID].Spans
		totalAgent += len(agentTurn.Spans)
		totalExpert += len(expertSpans)

		agentLabels := labelSet(agentTurn.Spans)
		expertLabels := labelSet(expertSpans)
		detail := TurnDetail{
			TurnID:       agentTurn.TurnID,
			AgentLabels:  sortedKeys(agentLabels),
			ExpertLabels: sortedKeys(expertLabels),
			Matches:      intersect(agentLabels, expertLabels),
			AgentOnly:    subtract(agentLabels, expertLabels),
			ExpertOnly:   subtract(expertLabels, agentLabels),
		}
		metrics.LabelMatches += len(detail.Matches)
		metrics.AgentOnly += len(detail.AgentOnly)
		metrics.ExpertOnly += len(detail.ExpertOnly)
		metrics.PerTurnDetails = append(metrics.PerTurnDetails, detail)

		for _, agentSpan := range agentTurn.Spans {
			for _, expertSpan := range expertSpans {
				if agentSpan.Label == expertSpan.Label {
					metrics.SpanOverlapScores = append(metrics.SpanOverlapScores,
						IoU(agentSpan.Start, agentSpan.End, expertSpan.Start, expertSpan.End))
				}
			}
		}
	}

	if totalAgent+totalExpert > 0 {
		metrics.Precision = float64(metrics.LabelMatches) / float64(max(totalAgent, 1))
		metrics.Recall = float64(metrics.LabelMatches) / float64(max(totalExpert, 1))
		if sum := metrics.Precision + metrics.Recall; sum > 0 {
			metrics.F1 = 2 * metrics.Precision * metrics.Recall / sum
		}
	}
	if len(metrics.SpanOverlapScores) > 0 {
		total := 0.0
		for _, score := range metrics.SpanOverlapScores {
			total += score
		}
		metrics.AvgSpanIoU = total / float64(len(metrics.SpanOverlapScores))
	}
	return metrics
}

// IoU is the intersection over union of [start1,end1) and [start2,end2), in [0,1].
// Empty or inverted unions score 0.
func IoU(start1, end1, start2, end2 int) float64 {
	intersection := max(0, min(end1, end2)-max(start1, start2))
	union := (end1 - start1) + (end2 - start2) - intersection
	if union <= 0 {
		return 0
	}
	iou := float64(intersection) / float64(union)
	if iou > 1 {
		return 1
	}
	if iou < 0 {
		return 0
	}
	return iou
}

func labelSet(spans []annotation.Span) map[string]struct{} {
	set := make(map[string]struct{}, len(spans))
	for _, span := range spans {
		set[span.Label] = struct{}{}
	}
	return set
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}

func intersect(a, b map[string]struct{}) []string {
	out := []string{}
	for key := range a {
		if _, ok := b[key]; ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

func subtract(a, b map[string]struct{}) []string {
	out := []string{}
	for key := range a {
		if _, ok := b[key]; !ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}
