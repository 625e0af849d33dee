package agent

import (
	"context"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
	"github.com/tetraminz/bbn_annotator/internal/llm"
)

// React annotates each turn with one unified ReAct-style prompt.
type React struct {
	cfg    Config
	unit   unit
	linker *RelationLinker
}

func NewReact(caller llm.Caller, cfg Config) *React {
	cfg = cfg.normalize()
	return &React{
		cfg:    cfg,
		unit:   newUnit(UnitReact, reactSystemPrompt, reactSchema(), caller, cfg),
		linker: NewRelationLinker(caller, cfg, UnitReactRelations, reactRelationSystemPrompt),
	}
}

func (a *React) AnnotateConversation(ctx context.Context, conv annotation.Conversation, opts RunOptions) (annotation.Result, error) {
	turns, err := runConversation(ctx, conv, opts, a.cfg, func(ctx context.Context, turn annotation.Turn, history string, _ bool) (annotation.TurnAnnotation, error) {
		return a.AnnotateTurn(ctx, turn, history)
	}, a.linker)
	if err != nil {
		return annotation.Result{}, err
	}
	return annotation.Result{
		ConversationID: conv.ID,
		AgentType:      annotation.AgentReact,
		Metadata: map[string]any{
			"model":    a.cfg.Model,
			"provider": a.cfg.Provider,
		},
		Turns: turns,
	}, nil
}

// AnnotateTurn makes one model call. Labels are not filtered; the stage is kept for valid
// values on clinician turns only. An empty history is sent as NoPreviousContext.
func (a *React) AnnotateTurn(ctx context.Context, turn annotation.Turn, history string) (annotation.TurnAnnotation, error) {
	if history == "" {
		history = NoPreviousContext
	}
	parsed, err := a.unit.run(ctx, turn.TurnID, reactUserPrompt(turn, history))
	if err != nil {
		return annotation.TurnAnnotation{}, err
	}

	out := annotation.TurnAnnotation{
		TurnID:  turn.TurnID,
		Speaker: turn.Speaker,
		Text:    turn.Text,
		Spans:   annotation.ReconcileAll(annotation.Candidates(parsed, "annotations"), turn, nil, a.cfg.Policy),
	}
	if turn.Speaker == annotation.Clinician {
		if stage, ok := annotation.ParseStage(annotation.StringField(parsed, "spikes_stage")); ok {
			out.Stage = stage
		}
	}
	return out, nil
}
