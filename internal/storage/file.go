package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tetraminz/bbn_annotator/internal/agent"
	"github.com/tetraminz/bbn_annotator/internal/annotation"
)

const llmEventsFile = "llm_events.jsonl"

// FileStore keeps results and sessions as JSON files and the audit trail as JSONL.
type FileStore struct {
	outputDir string
	dataDir   string
	logger    zerolog.Logger
	now       func() time.Time

	mu sync.Mutex // serializes appends to llm_events.jsonl
}

// NewFileStore writes results and llm_events.jsonl under outputDir and sessions under dataDir/sessions.
func NewFileStore(outputDir, dataDir string, logger zerolog.Logger) (*FileStore, error) {
	if strings.TrimSpace(outputDir) == "" {
		return nil, errors.New("output directory is required")
	}
	if strings.TrimSpace(dataDir) == "" {
		dataDir = outputDir
	}
	return &FileStore{
		outputDir: outputDir,
		dataDir:   dataDir,
		logger:    logger,
		now:       time.Now,
	}, nil
}

// SaveResult writes {output_dir}/{conversation_id}_{agent_type}.json with metadata.annotated_at set.
func (s *FileStore) SaveResult(_ context.Context, result annotation.Result) (string, error) {
	metadata := make(map[string]any, len(result.Metadata)+1)
	for key, value := range result.Metadata {
		metadata[key] = value
	}
	metadata["annotated_at"] = s.now().UTC().Format(time.RFC3339)
	result.Metadata = metadata

	data, err := annotation.MarshalResult(result)
	if err != nil {
		return "", err
	}

	path := filepath.Join(s.outputDir, fmt.Sprintf("%s_%s.json", fileSafe(result.ConversationID), fileSafe(result.AgentType)))
	if err := writeFile(path, data); err != nil {
		return "", err
	}
	s.logger.Debug().Str("path", path).Int("spans", result.SpanCount()).Msg("result_saved")
	return path, nil
}

// SaveSession writes the conversation with the reviewer's annotations embedded.
func (s *FileStore) SaveSession(_ context.Context, conv annotation.Conversation, expert string, turns []annotation.TurnAnnotation) error {
	byTurn := make(map[int]annotation.TurnAnnotation, len(turns))
	for _, turn := range turns {
		byTurn[turn.TurnID] = turn
	}
	data, err := annotation.MarshalConversation(conv, byTurn)
	if err != nil {
		return err
	}
	return writeFile(s.sessionPath(conv.ID, expert), data)
}

// LoadSession returns the annotated turns of a saved session, or ErrNotFound.
func (s *FileStore) LoadSession(_ context.Context, conversationID, expert string) ([]annotation.TurnAnnotation, error) {
	path := s.sessionPath(conversationID, expert)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("session %s/%s: %w", conversationID, expert, ErrNotFound)
		}
		return nil, fmt.Errorf("read %q: %w", path, err)
	}
	byTurn, err := annotation.UnmarshalReference(data)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", path, err)
	}
	for turnID, turn := range byTurn {
		if !hasContent(turn) {
			delete(byTurn, turnID)
		}
	}
	return sortedTurns(byTurn), nil
}

type fileCallEvent struct {
	CreatedAtUTC   string `json:"created_at_utc"`
	ConversationID string `json:"conversation_id"`
	TurnID         int    `json:"turn_id"`
	Unit           string `json:"unit_name"`
	Model          string `json:"model"`
	SystemPrompt   string `json:"system_prompt"`
	UserPrompt     string `json:"user_prompt"`
	Response       string `json:"response_text"`
	ParseOK        bool   `json:"parse_ok"`
	ValidationOK   bool   `json:"validation_ok"`
	ErrorMessage   string `json:"error_message"`
	DurationMS     int64  `json:"duration_ms"`
}

// RecordCallEvent appends one JSON line to llm_events.jsonl.
func (s *FileStore) RecordCallEvent(_ context.Context, event agent.CallEvent) error {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	line, err := json.Marshal(fileCallEvent{
		CreatedAtUTC:   createdAt.UTC().Format(time.RFC3339Nano),
		ConversationID: event.ConversationID,
		TurnID:         event.TurnID,
		Unit:           event.Unit,
		Model:          event.Model,
		SystemPrompt:   event.SystemPrompt,
		UserPrompt:     event.UserPrompt,
		Response:       event.Response,
		ParseOK:        event.ParseOK,
		ValidationOK:   event.ValidationOK,
		ErrorMessage:   event.ErrorMessage,
		DurationMS:     event.Duration.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("encode llm event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.outputDir, llmEventsFile)
	if err := ensureParentDir(path); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append llm event: %w", err)
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) sessionPath(conversationID, expert string) string {
	return filepath.Join(s.dataDir, "sessions", fmt.Sprintf("%s.%s.json", fileSafe(conversationID), fileSafe(expert)))
}

// fileSafe keeps letters, digits, '-' and '_' and maps everything else to '_'.
func fileSafe(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, name)
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}

func writeFile(path string, data []byte) error {
	if err := ensureParentDir(path); err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write %q: %w", path, err)
	}
	return nil
}
