package compute

import (
	"strings"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
)

// Stats are deterministic values computed directly from a conversation.
type Stats struct {
	TurnCountTotal          int  `json:"turn_count_total"`
	TurnCountPatient        int  `json:"turn_count_patient"`
	TurnCountClinician      int  `json:"turn_count_clinician"`
	QuestionMarksPatient    int  `json:"question_marks_patient"`
	QuestionMarksClinician  int  `json:"question_marks_clinician"`
	ReferenceSpansPatient   int  `json:"reference_spans_patient"`
	ReferenceSpansClinician int  `json:"reference_spans_clinician"`
	ReferenceStages         int  `json:"reference_stages"`
	MentionsDiagnosis       bool `json:"mentions_diagnosis"`
	MentionsTestResults     bool `json:"mentions_test_results"`
	MentionsTreatment       bool `json:"mentions_treatment"`
	MentionsPrognosis       bool `json:"mentions_prognosis"`
	MentionsFamily          bool `json:"mentions_family"`
}

// ComputeStats derives deterministic stats from a conversation and its embedded reference annotations.
func ComputeStats(conv annotation.Conversation) Stats {
	var stats Stats
	stats.TurnCountTotal = len(conv.Turns)

	loweredLines := make([]string, 0, len(conv.Turns))
	for _, turn := range conv.Turns {
		questionMarks := strings.Count(turn.Text, "?")
		spans := len(conv.Annotations[turn.TurnID].Spans)

		switch turn.Speaker {
		case annotation.Patient:
			stats.TurnCountPatient++
			stats.QuestionMarksPatient += questionMarks
			stats.ReferenceSpansPatient += spans
		case annotation.Clinician:
			stats.TurnCountClinician++
			stats.QuestionMarksClinician += questionMarks
			stats.ReferenceSpansClinician += spans
		}
		if conv.Annotations[turn.TurnID].Stage != annotation.StageNone {
			stats.ReferenceStages++
		}

		loweredLines = append(loweredLines, strings.ToLower(turn.Text))
	}

	allText := strings.Join(loweredLines, " ")
	stats.MentionsDiagnosis = containsAny(allText, "diagnos", "cancer", "tumor", "tumour", "malignan", "mass")
	stats.MentionsTestResults = containsAny(allText, "result", "scan", "mri", "biopsy", "x-ray", "blood test")
	stats.MentionsTreatment = containsAny(allText, "treatment", "chemo", "surgery", "radiation", "therapy", "medication")
	stats.MentionsPrognosis = containsAny(allText, "prognosis", "months", "survival", "spread", "terminal", "cure")
	stats.MentionsFamily = containsAny(allText, "wife", "husband", "daughter", "son", "family", "children", "kids")

	return stats
}

func containsAny(text string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(text, needle) {
			return true
		}
	}
	return false
}
