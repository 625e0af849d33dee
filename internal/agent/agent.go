// Package agent turns conversations into annotation results through model calls.
//
// Two strategies share one conversation loop:
//
//	react        one unified call per turn (spans + SPIKES stage), no label filtering
//	multi_agent  specialists per role: EO detector (patient), response classifier and
//	             SPIKES tagger (clinician, concurrently when parallel)
//
// Turns run in ascending turn_id order with a context of the previous turns' text.
// Relation linking runs once after every turn is annotated.
//
// Failures: a model-call error is fatal for the run; unparsable output, unknown labels,
// invalid stages and unresolvable relation endpoints are absorbed as "nothing found".
package agent

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
	"github.com/tetraminz/bbn_annotator/internal/llm"
)

// ErrUnknownAgentType is returned by New for anything but react and multi_agent.
var ErrUnknownAgentType = errors.New("unknown agent type")

// Annotator is implemented by both strategies.
type Annotator interface {
	AnnotateConversation(ctx context.Context, conv annotation.Conversation, opts RunOptions) (annotation.Result, error)
	AnnotateTurn(ctx context.Context, turn annotation.Turn, history string) (annotation.TurnAnnotation, error)
}

// RunOptions are per-call switches.
type RunOptions struct {
	IncludeRelations bool
	Parallel         bool
}

// Config carries what every strategy needs besides the model caller.
type Config struct {
	Provider     string
	Model        string
	Taxonomy     annotation.Taxonomy
	Policy       annotation.Policy
	ContextTurns int
	Sink         EventSink
	Logger       zerolog.Logger
}

func (c Config) normalize() Config {
	if len(c.Taxonomy.Patient) == 0 && len(c.Taxonomy.Clinician) == 0 {
		c.Taxonomy = annotation.DefaultTaxonomy()
	}
	if c.ContextTurns <= 0 {
		c.ContextTurns = DefaultContextTurns
	}
	return c
}

// New builds the annotator for agentType.
func New(agentType string, caller llm.Caller, cfg Config) (Annotator, error) {
	switch agentType {
	case annotation.AgentReact:
		return NewReact(caller, cfg), nil
	case annotation.AgentMultiAgent:
		return NewMultiAgent(caller, cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAgentType, agentType)
	}
}

type turnFunc func(ctx context.Context, turn annotation.Turn, history string, parallel bool) (annotation.TurnAnnotation, error)

// runConversation is the loop shared by both strategies.
func runConversation(
	ctx context.Context,
	conv annotation.Conversation,
	opts RunOptions,
	cfg Config,
	annotate turnFunc,
	linker *RelationLinker,
) ([]annotation.TurnAnnotation, error) {
	ctx = WithConversationID(ctx, conv.ID)
	logger := cfg.Logger.With().Str("conversation_id", conv.ID).Logger()

	ordered := slices.Clone(conv.Turns)
	slices.SortStableFunc(ordered, func(a, b annotation.Turn) int { return cmp.Compare(a.TurnID, b.TurnID) })

	turns := make([]annotation.TurnAnnotation, 0, len(ordered))
	for i, turn := range ordered {
		history := BuildContext(ordered[:i], cfg.ContextTurns, contextTextLimit)
		annotated, err := annotate(ctx, turn, history, opts.Parallel)
		if err != nil {
			return nil, err
		}
		logger.Debug().
			Int("turn_id", turn.TurnID).
			Str("speaker", turn.Speaker.String()).
			Int("spans", len(annotated.Spans)).
			Str("spikes_stage", string(annotated.Stage)).
			Msg("annotate_turn")
		turns = append(turns, annotated)
	}

	if !opts.IncludeRelations {
		return turns, nil
	}
	eos, responses := collectSpanRefs(turns)
	if len(eos) == 0 || len(responses) == 0 {
		return turns, nil
	}
	relations, err := linker.Link(ctx, eos, responses, ordered)
	if err != nil {
		return nil, err
	}
	attached := AttachRelations(turns, relations)
	logger.Debug().Int("proposed", len(relations)).Int("attached", attached).Msg("link_relations")
	return turns, nil
}

// collectSpanRefs splits spans into patient opportunities and clinician responses.
func collectSpanRefs(turns []annotation.TurnAnnotation) (eos, responses []annotation.SpanRef) {
	for _, turn := range turns {
		for _, span := range turn.Spans {
			ref := annotation.SpanRef{TurnID: turn.TurnID, SpanID: span.ID, Text: span.Text, Label: span.Label}
			switch turn.Speaker {
			case annotation.Patient:
				eos = append(eos, ref)
			case annotation.Clinician:
				responses = append(responses, ref)
			}
		}
	}
	return eos, responses
}
