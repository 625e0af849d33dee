// Package storage persists annotation results, reviewer sessions and the model-call
// audit trail, either as JSON files or in SQLite.
package storage

import (
	"context"
	"errors"
	"sort"

	"github.com/rs/zerolog"

	"github.com/tetraminz/bbn_annotator/internal/agent"
	"github.com/tetraminz/bbn_annotator/internal/annotation"
)

// ErrNotFound is returned when a conversation, expert or session does not exist.
var ErrNotFound = errors.New("not found")

// Suggestion review statuses stored on ai_suggestions rows.
const (
	SuggestionPending  = "pending"
	SuggestionAccepted = "accepted"
	SuggestionModified = "modified"
	SuggestionRejected = "rejected"
)

// Backend is implemented by FileStore and SQLiteStore.
type Backend interface {
	agent.EventSink

	// SaveResult stores an agent result and returns where it went.
	SaveResult(ctx context.Context, result annotation.Result) (string, error)
	SaveSession(ctx context.Context, conv annotation.Conversation, expert string, turns []annotation.TurnAnnotation) error
	LoadSession(ctx context.Context, conversationID, expert string) ([]annotation.TurnAnnotation, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	UseDatabase bool
	DBPath      string
	DataDir     string
	OutputDir   string
}

// Open returns the SQLite backend when opts.UseDatabase is set, the JSON backend otherwise.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (Backend, error) {
	if opts.UseDatabase {
		return OpenSQLiteStore(ctx, opts.DBPath, logger)
	}
	return NewFileStore(opts.OutputDir, opts.DataDir, logger)
}

func validSuggestionStatus(status string) bool {
	switch status {
	case SuggestionPending, SuggestionAccepted, SuggestionModified, SuggestionRejected:
		return true
	}
	return false
}

func sortedTurns(byTurn map[int]annotation.TurnAnnotation) []annotation.TurnAnnotation {
	out := make([]annotation.TurnAnnotation, 0, len(byTurn))
	for _, turn := range byTurn {
		out = append(out, turn)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TurnID < out[j].TurnID })
	return out
}

func hasContent(turn annotation.TurnAnnotation) bool {
	return len(turn.Spans) > 0 || len(turn.Relations) > 0 || turn.Stage != annotation.StageNone
}
