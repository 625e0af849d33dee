package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/tetraminz/bbn_annotator/internal/dataset"
	"github.com/tetraminz/bbn_annotator/internal/pipeline"
)

func (c *cli) runAnnotateCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("annotate", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	settings := addSettingsFlags(fs)
	input := fs.String("input", "", "Conversation file or directory (default: storage.samples_dir)")
	limit := fs.Int("limit", 0, "Optional max number of conversations (0 means all)")
	noRelations := fs.Bool("no-relations", false, "Skip the relation-linking pass")
	sequential := fs.Bool("sequential", false, "Run multi-agent specialists one after another")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit < 0 {
		return errors.New("--limit must be >= 0")
	}

	cfg, logger, err := c.load(settings)
	if err != nil {
		return err
	}
	if *noRelations {
		cfg.Agent.IncludeRelations = false
	}
	if *sequential {
		cfg.Agent.Parallel = false
	}

	path := strings.TrimSpace(*input)
	if path == "" {
		path = cfg.Storage.SamplesDir
	}
	conversations, err := dataset.LoadInput(path, *limit)
	if err != nil {
		return err
	}
	if len(conversations) == 0 {
		return fmt.Errorf("no conversations found in %s", path)
	}

	p, err := pipeline.New(ctx, cfg, logger, c.newCaller)
	if err != nil {
		return err
	}
	defer p.Close()

	backend := "files"
	if cfg.Storage.UseDatabase {
		backend = cfg.Storage.DBPath
	}
	logger.Info().
		Int("conversations", len(conversations)).
		Str("agent_type", p.AgentType).
		Str("provider", p.Provider).
		Str("model", p.Model).
		Str("backend", backend).
		Bool("relations", p.Options.IncludeRelations).
		Msg("annotate_start")

	started := time.Now()
	totalSpans := 0
	totalTurns := 0
	for i, conv := range conversations {
		result, location, err := p.AnnotateAndSave(ctx, conv)
		if err != nil {
			return err
		}
		relations := 0
		for _, turn := range result.Turns {
			relations += len(turn.Relations)
		}
		totalSpans += result.SpanCount()
		totalTurns += len(result.Turns)
		logger.Info().
			Str("progress", fmt.Sprintf("%d/%d", i+1, len(conversations))).
			Str("conversation_id", conv.ID).
			Int("turns", len(result.Turns)).
			Int("spans", result.SpanCount()).
			Int("relations", relations).
			Str("location", location).
			Msg("annotate_conversation")
	}

	logger.Info().
		Int("conversations", len(conversations)).
		Int("turns", totalTurns).
		Int("spans", totalSpans).
		Dur("elapsed", time.Since(started)).
		Msg("annotate_done")
	fmt.Fprintf(c.stdout, "annotated=%d turns=%d spans=%d\n", len(conversations), totalTurns, totalSpans)
	return nil
}
