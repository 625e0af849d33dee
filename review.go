package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
	"github.com/tetraminz/bbn_annotator/internal/dataset"
	"github.com/tetraminz/bbn_annotator/internal/review"
	"github.com/tetraminz/bbn_annotator/internal/storage"
	"github.com/tetraminz/bbn_annotator/internal/tui"
)

func (c *cli) runReviewCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("review", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	settings := addSettingsFlags(fs)
	input := fs.String("input", "", "Conversation file")
	resultPath := fs.String("result", "", "Agent result JSON with the suggestions to review")
	expert := fs.String("expert", "expert", "Reviewer name the session is saved under")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*input) == "" || strings.TrimSpace(*resultPath) == "" {
		return errors.New("--input and --result are required")
	}

	cfg, logger, err := c.load(settings)
	if err != nil {
		return err
	}
	taxonomy, err := cfg.Taxonomy()
	if err != nil {
		return err
	}
	conv, err := dataset.LoadConversationFile(*input)
	if err != nil {
		return err
	}
	result, err := dataset.LoadResultFile(*resultPath)
	if err != nil {
		return err
	}
	if result.ConversationID != "" && result.ConversationID != conv.ID {
		return fmt.Errorf("result is for conversation %s, input is %s", result.ConversationID, conv.ID)
	}

	backend, err := storage.Open(ctx, cfg.StorageOptions(), logger)
	if err != nil {
		return err
	}
	defer backend.Close()

	store, err := openReviewStore(ctx, backend, conv, *expert, cfg.Review.MaxUndoHistory)
	if err != nil {
		return err
	}

	save := func(turns []annotation.TurnAnnotation) error {
		return backend.SaveSession(ctx, conv, *expert, turns)
	}
	model := tui.New(store, conv, review.SuggestionsFromResult(result), taxonomy, save)
	final, err := tea.NewProgram(model, tea.WithContext(ctx), tea.WithInput(c.stdin), tea.WithOutput(c.stdout)).Run()
	if err != nil {
		return fmt.Errorf("review ui: %w", err)
	}
	finished, ok := final.(tui.Model)
	if !ok {
		return fmt.Errorf("review ui returned %T", final)
	}

	return finishReview(ctx, backend, conv, *expert, result.AgentType, store, finished.Decisions(), logger)
}

// openReviewStore seeds a store with the expert's saved session when there is one.
func openReviewStore(ctx context.Context, backend storage.Backend, conv annotation.Conversation, expert string, maxHistory int) (*review.Store, error) {
	store := review.NewStore(conv, maxHistory)
	saved, err := backend.LoadSession(ctx, conv.ID, expert)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		store.Reset(saved)
	}
	return store, nil
}

// finishReview saves the session and, on SQLite, the decisions on the agentType run's suggestions.
func finishReview(
	ctx context.Context,
	backend storage.Backend,
	conv annotation.Conversation,
	expert string,
	agentType string,
	store *review.Store,
	decisions []tui.Decision,
	logger zerolog.Logger,
) error {
	turns := store.Snapshot()
	if err := backend.SaveSession(ctx, conv, expert, turns); err != nil {
		return err
	}

	counts := map[string]int{}
	for _, d := range decisions {
		counts[d.Status]++
	}

	if sqlite, ok := backend.(*storage.SQLiteStore); ok {
		for _, d := range decisions {
			ref := storage.SuggestionRef{
				ConversationID: conv.ID,
				TurnID:         d.Suggestion.TurnID,
				SpanID:         d.Suggestion.SpanID,
				AgentType:      agentType,
				Label:          d.Suggestion.SuggestedLabel,
			}
			err := sqlite.UpdateSuggestionStatus(ctx, ref, d.Status, expert)
			if errors.Is(err, storage.ErrNotFound) {
				logger.Warn().Str("span_id", d.Suggestion.SpanID).Int("turn_id", d.Suggestion.TurnID).Msg("suggestion_not_stored")
				continue
			}
			if err != nil {
				return err
			}
		}
	}

	logger.Info().
		Str("conversation_id", conv.ID).
		Str("expert", expert).
		Int("turns", len(turns)).
		Int("accepted", counts[storage.SuggestionAccepted]).
		Int("modified", counts[storage.SuggestionModified]).
		Int("rejected", counts[storage.SuggestionRejected]).
		Msg("review_saved")
	return nil
}
