// Package pipeline wires configuration into a ready annotation process:
//
//	provider caller (+ optional shared rate limiter)
//	  -> annotator (react | multi_agent) auditing every call into the backend
//	  -> backend (JSON files | SQLite) storing results
//
// The root CLI and cmd/bbn_batch both build their runs through New.
package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/tetraminz/bbn_annotator/internal/agent"
	"github.com/tetraminz/bbn_annotator/internal/annotation"
	"github.com/tetraminz/bbn_annotator/internal/config"
	"github.com/tetraminz/bbn_annotator/internal/llm"
	"github.com/tetraminz/bbn_annotator/internal/storage"
)

// CallerFactory builds the model caller. Tests replace llm.New with a scripted fake.
type CallerFactory func(cfg llm.Config, logger zerolog.Logger) (llm.Caller, error)

// Pipeline is one configured annotation process.
type Pipeline struct {
	Annotator agent.Annotator
	Backend   storage.Backend
	Options   agent.RunOptions
	AgentType string
	Provider  string
	Model     string

	logger zerolog.Logger
}

// New opens the backend and builds the annotator described by cfg.
// The caller owns the returned pipeline and must Close it.
func New(ctx context.Context, cfg config.Config, logger zerolog.Logger, newCaller CallerFactory) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if newCaller == nil {
		newCaller = llm.New
	}

	taxonomy, err := cfg.Taxonomy()
	if err != nil {
		return nil, err
	}

	llmCfg := cfg.LLMClient()
	caller, err := newCaller(llmCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build %s caller: %w", llmCfg.Provider, err)
	}
	if cfg.LLM.RequestsPerSecond > 0 {
		caller = llm.WithRateLimit(caller, llm.NewLimiter(cfg.LLM.RequestsPerSecond, cfg.LLM.Burst))
	}

	backend, err := storage.Open(ctx, cfg.StorageOptions(), logger)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	annotator, err := agent.New(cfg.Agent.Type, caller, agent.Config{
		Provider:     llmCfg.Provider,
		Model:        llmCfg.Model,
		Taxonomy:     taxonomy,
		Policy:       cfg.Policy(),
		ContextTurns: cfg.Agent.ContextTurns,
		Sink:         backend,
		Logger:       logger,
	})
	if err != nil {
		return nil, errors.Join(err, backend.Close())
	}

	return &Pipeline{
		Annotator: annotator,
		Backend:   backend,
		Options: agent.RunOptions{
			IncludeRelations: cfg.Agent.IncludeRelations,
			Parallel:         cfg.Agent.Parallel,
		},
		AgentType: cfg.Agent.Type,
		Provider:  llmCfg.Provider,
		Model:     llmCfg.Model,
		logger:    logger,
	}, nil
}

// Annotate runs the annotator over conv without storing the result. A model failure is
// returned with its original message.
func (p *Pipeline) Annotate(ctx context.Context, conv annotation.Conversation) (annotation.Result, error) {
	result, err := p.Annotator.AnnotateConversation(ctx, conv, p.Options)
	if err != nil {
		p.logger.Error().Err(err).Str("conversation_id", conv.ID).Str("agent_type", p.AgentType).Msg("annotate_failed")
		return annotation.Result{}, err
	}
	return result, nil
}

// AnnotateAndSave annotates conv and stores the result in the backend, returning where it went.
func (p *Pipeline) AnnotateAndSave(ctx context.Context, conv annotation.Conversation) (annotation.Result, string, error) {
	result, err := p.Annotate(ctx, conv)
	if err != nil {
		return annotation.Result{}, "", err
	}
	location, err := p.Backend.SaveResult(ctx, result)
	if err != nil {
		return annotation.Result{}, "", fmt.Errorf("save result %s: %w", conv.ID, err)
	}
	p.logger.Debug().
		Str("conversation_id", conv.ID).
		Str("location", location).
		Msg("result_saved")
	return result, location, nil
}

func (p *Pipeline) Close() error {
	return p.Backend.Close()
}
