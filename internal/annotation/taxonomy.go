package annotation

import (
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
)

// Label is one entry of a role vocabulary.
type Label struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Group       string `yaml:"group"`
}

// StageInfo describes a SPIKES stage.
type StageInfo struct {
	Name        SpikesStage `yaml:"name"`
	Description string      `yaml:"description"`
}

// Taxonomy holds the label vocabularies per role and the SPIKES stages.
type Taxonomy struct {
	Patient   []Label     `yaml:"patient"`
	Clinician []Label     `yaml:"clinician"`
	Stages    []StageInfo `yaml:"stages"`
}

// DefaultTaxonomy is the Appraisal Framework vocabulary used for BBN conversations.
func DefaultTaxonomy() Taxonomy {
	return Taxonomy{
		Patient: []Label{
			{"explicit_feeling", "Direct expression of emotion, emotive behavior, or mental state", "Feelings"},
			{"implicit_feeling", "Indirect expression of feeling through references to experiences", "Feelings"},
			{"explicit_appreciation", "Direct attitude toward things, events, actions, or behaviors", "Appreciation"},
			{"implicit_appreciation", "Indirect attitude toward things, events, actions, or behaviors", "Appreciation"},
			{"explicit_judgement", "Direct attitude toward self or others", "Judgement"},
			{"implicit_judgement", "Indirect attitude toward self or others", "Judgement"},
		},
		Clinician: []Label{
			{"direct_elicitation_feeling", "Direct inquiry about patient's emotions or mental state", "Elicitations"},
			{"indirect_elicitation_feeling", "Indirect inquiry about experiences or emotive behaviors", "Elicitations"},
			{"direct_elicitation_appreciation", "Direct inquiry about patient's appreciation of things/events", "Elicitations"},
			{"indirect_elicitation_appreciation", "Indirect exploration of preferences", "Elicitations"},
			{"direct_elicitation_judgement", "Direct inquiry about patient's judgement of self or others", "Elicitations"},
			{"indirect_elicitation_judgement", "Indirect inquiry about behaviors or interpretations", "Elicitations"},
			{"acceptance_positive_regard_explicit_judgement", "Expression of positive judgment of the patient as a person", "Acceptance"},
			{"acceptance_positive_regard_implicit_judgement", "Expression of judgement of patient's thoughts or feelings", "Acceptance"},
			{"acceptance_positive_regard_repetition", "Repeating or paraphrasing patient's words without countering", "Acceptance"},
			{"acceptance_positive_regard_allowing", "Allowing patients to express feelings fully", "Acceptance"},
			{"acceptance_neutral_support_appreciation", "Appreciation of ideas, feelings, or behaviors regarding normality", "Acceptance"},
			{"acceptance_neutral_support_judgement", "Denying negative self-assessment by the patient", "Acceptance"},
			{"sharing_feeling", "Sharing patient feelings through expressed agreement", "Sharing"},
			{"sharing_appreciation", "Sharing patient views through expressed agreement", "Sharing"},
			{"sharing_judgement", "Sharing patient judgements through expressed agreement", "Sharing"},
			{"understanding_feeling", "Understanding and acknowledgement of patient's feelings", "Understanding"},
			{"understanding_appreciation", "Understanding and acknowledgement of patient's views", "Understanding"},
			{"understanding_judgement", "Understanding and acknowledgement of patient's judgements", "Understanding"},
		},
		Stages: []StageInfo{
			{StageSetting, "Establishing time, place, and environment"},
			{StagePerception, "Understanding patient's current knowledge"},
			{StageInvitation, "Assessing how much information patient wants"},
			{StageKnowledge, "Delivering medical information"},
			{StageEmpathy, "Responding to patient emotions"},
			{StageStrategy, "Discussing treatment plans"},
		},
	}
}

// LoadTaxonomy decodes a YAML taxonomy. Roles or stages missing from the document keep their defaults.
func LoadTaxonomy(r io.Reader) (Taxonomy, error) {
	var loaded Taxonomy
	if err := yaml.NewDecoder(r).Decode(&loaded); err != nil {
		return Taxonomy{}, fmt.Errorf("decode taxonomy: %w", err)
	}

	out := DefaultTaxonomy()
	if len(loaded.Patient) > 0 {
		out.Patient = loaded.Patient
	}
	if len(loaded.Clinician) > 0 {
		out.Clinician = loaded.Clinician
	}
	if len(loaded.Stages) > 0 {
		for _, stage := range loaded.Stages {
			if _, ok := ParseStage(string(stage.Name)); !ok {
				return Taxonomy{}, fmt.Errorf("taxonomy: unknown SPIKES stage %q", stage.Name)
			}
		}
		out.Stages = loaded.Stages
	}
	for _, label := range append(append([]Label(nil), out.Patient...), out.Clinician...) {
		if strings.TrimSpace(label.Name) == "" {
			return Taxonomy{}, fmt.Errorf("taxonomy: label with empty name")
		}
	}
	return out, nil
}

// Labels returns the vocabulary for a role.
func (t Taxonomy) Labels(speaker Speaker) []Label {
	switch speaker {
	case Patient:
		return t.Patient
	case Clinician:
		return t.Clinician
	default:
		return nil
	}
}

// LabelSet returns the vocabulary for a role as a set.
func (t Taxonomy) LabelSet(speaker Speaker) map[string]struct{} {
	labels := t.Labels(speaker)
	set := make(map[string]struct{}, len(labels))
	for _, label := range labels {
		set[label.Name] = struct{}{}
	}
	return set
}

// Groups returns label names grouped by their UI group, preserving first-seen group order.
func (t Taxonomy) Groups(speaker Speaker) ([]string, map[string][]string) {
	var order []string
	groups := map[string][]string{}
	for _, label := range t.Labels(speaker) {
		if _, ok := groups[label.Group]; !ok {
			order = append(order, label.Group)
		}
		groups[label.Group] = append(groups[label.Group], label.Name)
	}
	return order, groups
}

// HasStage reports whether stage belongs to this taxonomy.
func (t Taxonomy) HasStage(stage SpikesStage) bool {
	for _, s := range t.Stages {
		if s.Name == stage {
			return true
		}
	}
	return false
}
