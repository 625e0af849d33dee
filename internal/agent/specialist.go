package agent

import (
	"context"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
	"github.com/tetraminz/bbn_annotator/internal/llm"
)

// Fragment is one specialist's contribution to a turn.
type Fragment struct {
	TurnID         int
	Spans          []annotation.Span
	Stage          annotation.SpikesStage
	StageReasoning string
}

// Specialist annotates turns of the roles it declares.
type Specialist interface {
	Name() string
	Roles() []annotation.Speaker
	Annotate(ctx context.Context, turn annotation.Turn, history string) (Fragment, error)
}

// Applies reports whether s handles turns spoken by speaker.
func Applies(s Specialist, speaker annotation.Speaker) bool {
	for _, role := range s.Roles() {
		if role == speaker {
			return true
		}
	}
	return false
}

// Dispatch runs s on turn, or returns the empty fragment when the role does not match.
func Dispatch(ctx context.Context, s Specialist, turn annotation.Turn, history string) (Fragment, error) {
	if !Applies(s, turn.Speaker) {
		return Fragment{TurnID: turn.TurnID}, nil
	}
	return s.Annotate(ctx, turn, history)
}

// SpanDetector finds labeled spans in turns of one role, keeping only that role's labels.
type SpanDetector struct {
	role    annotation.Speaker
	labels  []annotation.Label
	allowed map[string]struct{}
	policy  annotation.Policy
	unit    unit
}

// NewEODetector finds empathic opportunities in patient turns.
func NewEODetector(caller llm.Caller, cfg Config) *SpanDetector {
	return newSpanDetector(UnitEODetector, eoDetectorSystemPrompt, annotation.Patient, caller, cfg)
}

// NewResponseClassifier finds elicitations and empathic responses in clinician turns.
func NewResponseClassifier(caller llm.Caller, cfg Config) *SpanDetector {
	return newSpanDetector(UnitResponseClassifier, responseClassifierSystemPrompt, annotation.Clinician, caller, cfg)
}

func newSpanDetector(name, system string, role annotation.Speaker, caller llm.Caller, cfg Config) *SpanDetector {
	cfg = cfg.normalize()
	return &SpanDetector{
		role:    role,
		labels:  cfg.Taxonomy.Labels(role),
		allowed: cfg.Taxonomy.LabelSet(role),
		policy:  cfg.Policy,
		unit:    newUnit(name, system, annotationsSchema(), caller, cfg),
	}
}

func (d *SpanDetector) Name() string { return d.unit.name }

func (d *SpanDetector) Roles() []annotation.Speaker { return []annotation.Speaker{d.role} }

func (d *SpanDetector) Annotate(ctx context.Context, turn annotation.Turn, history string) (Fragment, error) {
	parsed, err := d.unit.run(ctx, turn.TurnID, specialistUserPrompt(turn, history, d.labels))
	if err != nil {
		return Fragment{}, err
	}
	return Fragment{
		TurnID: turn.TurnID,
		Spans:  annotation.ReconcileAll(annotation.Candidates(parsed, "annotations"), turn, d.allowed, d.policy),
	}, nil
}

// SpikesTagger assigns the primary SPIKES stage of a clinician turn.
type SpikesTagger struct {
	taxonomy annotation.Taxonomy
	unit     unit
}

func NewSpikesTagger(caller llm.Caller, cfg Config) *SpikesTagger {
	cfg = cfg.normalize()
	return &SpikesTagger{
		taxonomy: cfg.Taxonomy,
		unit:     newUnit(UnitSpikesTagger, spikesTaggerSystemPrompt, spikesSchema(), caller, cfg),
	}
}

func (s *SpikesTagger) Name() string { return s.unit.name }

func (s *SpikesTagger) Roles() []annotation.Speaker {
	return []annotation.Speaker{annotation.Clinician}
}

// Annotate returns no stage when the model names anything outside the six stages.
func (s *SpikesTagger) Annotate(ctx context.Context, turn annotation.Turn, history string) (Fragment, error) {
	parsed, err := s.unit.run(ctx, turn.TurnID, spikesUserPrompt(turn, history))
	if err != nil {
		return Fragment{}, err
	}
	out := Fragment{TurnID: turn.TurnID}
	if stage, ok := annotation.ParseStage(annotation.StringField(parsed, "spikes_stage")); ok && s.taxonomy.HasStage(stage) {
		out.Stage = stage
		out.StageReasoning = annotation.StringField(parsed, "reasoning")
	}
	return out, nil
}
