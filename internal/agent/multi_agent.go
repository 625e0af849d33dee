package agent

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
	"github.com/tetraminz/bbn_annotator/internal/llm"
)

// dispatchLimit bounds concurrent specialist calls within one turn.
const dispatchLimit = 2

// MultiAgent coordinates role specialists and a relation linker.
//
// Per turn every specialist whose roles include the speaker is invoked: the EO detector for
// patient turns, the response classifier and SPIKES tagger for clinician turns. With
// parallel dispatch those run concurrently; the turn is assembled only after all of them
// returned, and any error fails the turn. Sequential dispatch runs them in declaration order
// with the same outcome.
type MultiAgent struct {
	cfg         Config
	specialists []Specialist
	linker      *RelationLinker
}

func NewMultiAgent(caller llm.Caller, cfg Config) *MultiAgent {
	cfg = cfg.normalize()
	return NewCoordinator(cfg,
		NewRelationLinker(caller, cfg, UnitRelationLinker, relationLinkerSystemPrompt),
		NewEODetector(caller, cfg),
		NewResponseClassifier(caller, cfg),
		NewSpikesTagger(caller, cfg),
	)
}

// NewCoordinator wires arbitrary specialists; fragments merge in the given order.
func NewCoordinator(cfg Config, linker *RelationLinker, specialists ...Specialist) *MultiAgent {
	return &MultiAgent{cfg: cfg.normalize(), specialists: specialists, linker: linker}
}

func (m *MultiAgent) AnnotateConversation(ctx context.Context, conv annotation.Conversation, opts RunOptions) (annotation.Result, error) {
	turns, err := runConversation(ctx, conv, opts, m.cfg, m.annotateTurn, m.linker)
	if err != nil {
		return annotation.Result{}, err
	}

	agents := make([]string, 0, len(m.specialists)+1)
	for _, s := range m.specialists {
		agents = append(agents, s.Name())
	}
	agents = append(agents, UnitRelationLinker)

	return annotation.Result{
		ConversationID: conv.ID,
		AgentType:      annotation.AgentMultiAgent,
		Metadata: map[string]any{
			"model":    m.cfg.Model,
			"provider": m.cfg.Provider,
			"agents":   agents,
		},
		Turns: turns,
	}, nil
}

// AnnotateTurn dispatches sequentially.
func (m *MultiAgent) AnnotateTurn(ctx context.Context, turn annotation.Turn, history string) (annotation.TurnAnnotation, error) {
	if history == "" {
		history = NoPreviousContext
	}
	return m.annotateTurn(ctx, turn, history, false)
}

func (m *MultiAgent) annotateTurn(ctx context.Context, turn annotation.Turn, history string, parallel bool) (annotation.TurnAnnotation, error) {
	applicable := make([]Specialist, 0, len(m.specialists))
	for _, s := range m.specialists {
		if Applies(s, turn.Speaker) {
			applicable = append(applicable, s)
		}
	}

	fragments := make([]Fragment, len(applicable))
	if parallel && len(applicable) > 1 {
		var g errgroup.Group
		g.SetLimit(dispatchLimit)
		for i, s := range applicable {
			g.Go(func() error {
				fragment, err := s.Annotate(ctx, turn, history)
				if err != nil {
					return err
				}
				fragments[i] = fragment
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return annotation.TurnAnnotation{}, err
		}
	} else {
		for i, s := range applicable {
			fragment, err := s.Annotate(ctx, turn, history)
			if err != nil {
				return annotation.TurnAnnotation{}, err
			}
			fragments[i] = fragment
		}
	}

	return mergeFragments(turn, fragments), nil
}

// mergeFragments concatenates spans, renumbering ids so ordinals stay contiguous across
// specialists, and keeps the first stage reported with its reasoning.
func mergeFragments(turn annotation.Turn, fragments []Fragment) annotation.TurnAnnotation {
	out := annotation.TurnAnnotation{TurnID: turn.TurnID, Speaker: turn.Speaker, Text: turn.Text}
	for _, fragment := range fragments {
		for _, span := range fragment.Spans {
			span.ID = annotation.SpanID(turn.TurnID, len(out.Spans))
			out.Spans = append(out.Spans, span)
		}
		if out.Stage == annotation.StageNone && fragment.Stage != annotation.StageNone {
			out.Stage = fragment.Stage
			out.StageReasoning = fragment.StageReasoning
		}
	}
	return out
}
