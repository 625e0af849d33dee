package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/tetraminz/bbn_annotator/internal/agent"
	"github.com/tetraminz/bbn_annotator/internal/annotation"
)

const sqlitePragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"

const insertConversationSQL = `
INSERT INTO conversations (
	external_id,
	scenario,
	language,
	date,
	source_file,
	metadata_json
) VALUES (?, ?, ?, ?, ?, ?)`

const insertTurnSQL = `
INSERT INTO turns (conversation_id, turn_number, speaker, text) VALUES (?, ?, ?, ?)`

const insertSpanSQL = `
INSERT INTO span_annotations (
	turn_id,
	expert_id,
	span_id,
	text,
	start_pos,
	end_pos,
	label,
	source,
	verified
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

const insertRelationSQL = `
INSERT INTO relations (
	turn_id,
	expert_id,
	relation_id,
	from_span_id,
	to_span_id,
	to_turn_id,
	relation_type
) VALUES (?, ?, ?, ?, ?, ?, ?)`

const upsertStageSQL = `
INSERT INTO spikes_annotations (turn_id, expert_id, stage)
VALUES (?, ?, ?)
ON CONFLICT(turn_id, expert_id) DO UPDATE SET stage = excluded.stage`

const insertSuggestionSQL = `
INSERT INTO ai_suggestions (
	turn_id,
	span_id,
	text,
	start_pos,
	end_pos,
	suggested_label,
	agent_type,
	model,
	status
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 'pending')`

const insertRunSQL = `
INSERT INTO annotation_runs (
	conversation_id,
	agent_type,
	provider,
	model,
	span_count,
	relation_count,
	result_json,
	created_at_utc
) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`

const insertLLMEventSQL = `
INSERT INTO llm_events (
	created_at_utc,
	conversation_id,
	turn_number,
	unit_name,
	model,
	system_prompt,
	user_prompt,
	response_text,
	parse_ok,
	validation_ok,
	error_message,
	duration_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const updateSuggestionSQL = `
UPDATE ai_suggestions
SET status = ?, expert_id = ?, reviewed_at = ?
WHERE id = (
	SELECT s.id
	FROM ai_suggestions s
	JOIN turns t ON t.id = s.turn_id
	JOIN conversations c ON c.id = t.conversation_id
	WHERE c.external_id = ?
	  AND t.turn_number = ?
	  AND s.span_id = ?
	  AND s.agent_type = ?
	  AND s.suggested_label = ?
	  AND s.status = 'pending'
	ORDER BY s.id DESC
	LIMIT 1
)`

// SQLiteStore is the relational backend. One connection is kept open; writes are serialized.
type SQLiteStore struct {
	db     *sql.DB
	path   string
	logger zerolog.Logger
	now    func() time.Time
}

// ImportResult describes one ImportConversation call.
type ImportResult struct {
	ID         int64
	ExternalID string
	Created    bool
}

// ConversationSummary is one row of ListConversations.
type ConversationSummary struct {
	ExternalID string `json:"external_id"`
	Scenario   string `json:"scenario"`
	Language   string `json:"language"`
	SourceFile string `json:"source_file"`
	TurnCount  int    `json:"turn_count"`
}

// OpenSQLiteStore opens (creating if needed) the database at dbPath and migrates it.
func OpenSQLiteStore(ctx context.Context, dbPath string, logger zerolog.Logger) (*SQLiteStore, error) {
	db, err := openSQLite(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	applied, err := Migrate(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	if err := ensureSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	if len(applied) > 0 {
		logger.Info().Str("db", dbPath).Ints64("versions", applied).Msg("migrations_applied")
	}
	return &SQLiteStore{db: db, path: dbPath, logger: logger, now: time.Now}, nil
}

func openSQLite(ctx context.Context, dbPath string) (*sql.DB, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, errors.New("db path is required")
	}
	if dbPath != ":memory:" && !strings.HasPrefix(dbPath, "file:") {
		if err := ensureParentDir(dbPath); err != nil {
			return nil, err
		}
	}

	dsn := dbPath + "?" + sqlitePragmas
	if strings.Contains(dbPath, "?") {
		dsn = dbPath + "&" + sqlitePragmas
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	return db, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the handle for reporting and tests.
func (s *SQLiteStore) DB() *sql.DB { return s.db }

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ImportConversation stores conv and its embedded annotations with source "imported".
// A conversation whose external id already exists is left untouched.
func (s *SQLiteStore) ImportConversation(ctx context.Context, conv annotation.Conversation) (ImportResult, error) {
	externalID := strings.TrimSpace(conv.ID)
	if externalID == "" {
		externalID = "conv_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}

	var out ImportResult
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := conversationRowID(ctx, tx, externalID)
		if err == nil {
			out = ImportResult{ID: id, ExternalID: externalID}
			return nil
		}
		if !errors.Is(err, ErrNotFound) {
			return err
		}

		metadataJSON, err := json.Marshal(metadataOrEmpty(conv.Metadata))
		if err != nil {
			return fmt.Errorf("encode metadata: %w", err)
		}
		language := metadataString(conv.Metadata, "language")
		if language == "" {
			language = "en"
		}
		res, err := tx.ExecContext(ctx, insertConversationSQL,
			externalID,
			nullString(metadataString(conv.Metadata, "scenario")),
			language,
			nullString(metadataString(conv.Metadata, "date")),
			nullString(conv.SourceFile),
			string(metadataJSON),
		)
		if err != nil {
			return fmt.Errorf("insert conversation %s: %w", externalID, err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("conversation id: %w", err)
		}

		turnRows := make(map[int]int64, len(conv.Turns))
		for _, turn := range conv.Turns {
			res, err := tx.ExecContext(ctx, insertTurnSQL, id, turn.TurnID, turn.Speaker.String(), turn.Text)
			if err != nil {
				return fmt.Errorf("insert turn %d: %w", turn.TurnID, err)
			}
			rowID, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("turn id: %w", err)
			}
			turnRows[turn.TurnID] = rowID
		}

		turnIDs := make([]int, 0, len(conv.Annotations))
		for turnID := range conv.Annotations {
			turnIDs = append(turnIDs, turnID)
		}
		sort.Ints(turnIDs)
		for _, turnID := range turnIDs {
			rowID, ok := turnRows[turnID]
			if !ok {
				continue
			}
			ann := conv.Annotations[turnID]
			for _, span := range ann.Spans {
				span.Source = annotation.SourceImported
				if err := insertSpan(ctx, tx, rowID, sql.NullInt64{}, span); err != nil {
					return err
				}
			}
			for _, rel := range ann.Relations {
				if err := insertRelation(ctx, tx, rowID, sql.NullInt64{}, rel); err != nil {
					return err
				}
			}
			if ann.Stage != annotation.StageNone {
				if _, err := tx.ExecContext(ctx, upsertStageSQL, rowID, nil, string(ann.Stage)); err != nil {
					return fmt.Errorf("insert stage for turn %d: %w", turnID, err)
				}
			}
		}

		out = ImportResult{ID: id, ExternalID: externalID, Created: true}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	return out, nil
}

// GetOrCreateExpert returns the id of the expert called name, creating the row if needed.
func (s *SQLiteStore) GetOrCreateExpert(ctx context.Context, name string) (int64, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return 0, errors.New("expert name is required")
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO experts (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, name); err != nil {
		return 0, fmt.Errorf("insert expert %q: %w", name, err)
	}
	return s.expertID(ctx, name)
}

func (s *SQLiteStore) expertID(ctx context.Context, name string) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM experts WHERE name = ?`, strings.TrimSpace(name)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("expert %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("query expert %q: %w", name, err)
	}
	return id, nil
}

// SaveResult imports the conversation when missing, records every span as a pending
// suggestion and stores the run.
func (s *SQLiteStore) SaveResult(ctx context.Context, result annotation.Result) (string, error) {
	conv := annotation.Conversation{ID: result.ConversationID, Metadata: map[string]any{}}
	for _, turn := range result.Turns {
		conv.Turns = append(conv.Turns, annotation.Turn{TurnID: turn.TurnID, Speaker: turn.Speaker, Text: turn.Text})
	}
	imported, err := s.ImportConversation(ctx, conv)
	if err != nil {
		return "", err
	}

	metadata := make(map[string]any, len(result.Metadata)+1)
	for key, value := range result.Metadata {
		metadata[key] = value
	}
	createdAt := s.now().UTC().Format(time.RFC3339)
	metadata["annotated_at"] = createdAt
	result.Metadata = metadata
	resultJSON, err := annotation.MarshalResult(result)
	if err != nil {
		return "", err
	}
	model := metadataString(metadata, "model")

	var runID int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		turnRows, err := turnRowIDs(ctx, tx, imported.ID)
		if err != nil {
			return err
		}
		relations := 0
		for _, turn := range result.Turns {
			relations += len(turn.Relations)
			rowID, ok := turnRows[turn.TurnID]
			if !ok {
				continue
			}
			for _, span := range turn.Spans {
				if _, err := tx.ExecContext(ctx, insertSuggestionSQL,
					rowID, span.ID, span.Text, span.Start, span.End, span.Label, result.AgentType, model,
				); err != nil {
					return fmt.Errorf("insert suggestion %s: %w", span.ID, err)
				}
			}
		}

		res, err := tx.ExecContext(ctx, insertRunSQL,
			imported.ID,
			result.AgentType,
			metadataString(metadata, "provider"),
			model,
			result.SpanCount(),
			relations,
			string(resultJSON),
			createdAt,
		)
		if err != nil {
			return fmt.Errorf("insert annotation run: %w", err)
		}
		runID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("annotation run id: %w", err)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s#annotation_runs/%d", s.path, runID), nil
}

// SaveSession replaces a reviewer's annotations for conv with turns. Existing rows are matched by
// span_id and relation_id. Every turn of the conversation is synced: this expert's spans, relations
// and stage on a turn absent from turns are deleted, so turns must be the full session.
func (s *SQLiteStore) SaveSession(ctx context.Context, conv annotation.Conversation, expert string, turns []annotation.TurnAnnotation) error {
	imported, err := s.ImportConversation(ctx, conv)
	if err != nil {
		return err
	}
	expertID, err := s.GetOrCreateExpert(ctx, expert)
	if err != nil {
		return err
	}
	session := make(map[int]annotation.TurnAnnotation, len(turns))
	for _, turn := range turns {
		session[turn.TurnID] = turn
	}
	owner := sql.NullInt64{Int64: expertID, Valid: true}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		turnRows, err := turnRowIDs(ctx, tx, imported.ID)
		if err != nil {
			return err
		}
		for turnID, rowID := range turnRows {
			turn := session[turnID]
			if err := syncSpans(ctx, tx, rowID, owner, turn.Spans); err != nil {
				return err
			}
			if err := syncRelations(ctx, tx, rowID, owner, turn.Relations); err != nil {
				return err
			}
			if turn.Stage == annotation.StageNone {
				if _, err := tx.ExecContext(ctx, `DELETE FROM spikes_annotations WHERE turn_id = ? AND expert_id = ?`, rowID, expertID); err != nil {
					return fmt.Errorf("clear stage for turn %d: %w", turnID, err)
				}
				continue
			}
			if _, err := tx.ExecContext(ctx, upsertStageSQL, rowID, expertID, string(turn.Stage)); err != nil {
				return fmt.Errorf("upsert stage for turn %d: %w", turnID, err)
			}
		}
		return nil
	})
}

func syncSpans(ctx context.Context, tx *sql.Tx, turnRow int64, expert sql.NullInt64, spans []annotation.Span) error {
	existing, err := queryStrings(ctx, tx, `SELECT span_id FROM span_annotations WHERE turn_id = ? AND expert_id = ?`, turnRow, expert)
	if err != nil {
		return err
	}
	keep := make(map[string]struct{}, len(spans))
	for _, span := range spans {
		if span.ID == "" {
			span.ID = "span_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		}
		keep[span.ID] = struct{}{}
		if _, ok := existing[span.ID]; ok {
			continue
		}
		if span.Source == "" {
			span.Source = annotation.SourceManual
		}
		if err := insertSpan(ctx, tx, turnRow, expert, span); err != nil {
			return err
		}
		existing[span.ID] = struct{}{}
	}
	for spanID := range existing {
		if _, ok := keep[spanID]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM span_annotations WHERE turn_id = ? AND expert_id = ? AND span_id = ?`, turnRow, expert, spanID); err != nil {
			return fmt.Errorf("delete span %s: %w", spanID, err)
		}
	}
	return nil
}

func relationKey(from, to string, relType string) string {
	return from + "\x00" + to + "\x00" + relType
}

func syncRelations(ctx context.Context, tx *sql.Tx, turnRow int64, expert sql.NullInt64, relations []annotation.Relation) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT relation_id, from_span_id, to_span_id, relation_type FROM relations WHERE turn_id = ? AND expert_id = ?`,
		turnRow, expert)
	if err != nil {
		return fmt.Errorf("query relations: %w", err)
	}
	existingByID := map[string]string{}
	for rows.Next() {
		var id, from, to, relType string
		if err := rows.Scan(&id, &from, &to, &relType); err != nil {
			rows.Close()
			return fmt.Errorf("scan relation: %w", err)
		}
		existingByID[id] = relationKey(from, to, relType)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate relations: %w", err)
	}
	rows.Close()

	existingKeys := make(map[string]string, len(existingByID))
	for id, key := range existingByID {
		existingKeys[key] = id
	}

	keep := map[string]struct{}{}
	for _, rel := range relations {
		key := relationKey(rel.From, rel.To, string(rel.Type))
		if rel.ID == "" {
			if id, ok := existingKeys[key]; ok {
				keep[id] = struct{}{}
				continue
			}
			rel.ID = "rel_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
		}
		keep[rel.ID] = struct{}{}
		if _, ok := existingByID[rel.ID]; ok {
			continue
		}
		if err := insertRelation(ctx, tx, turnRow, expert, rel); err != nil {
			return err
		}
		existingByID[rel.ID] = key
		existingKeys[key] = rel.ID
	}
	for id := range existingByID {
		if _, ok := keep[id]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM relations WHERE turn_id = ? AND expert_id = ? AND relation_id = ?`, turnRow, expert, id); err != nil {
			return fmt.Errorf("delete relation %s: %w", id, err)
		}
	}
	return nil
}

// LoadSession returns the annotated turns stored for expert on conversationID.
func (s *SQLiteStore) LoadSession(ctx context.Context, conversationID, expert string) ([]annotation.TurnAnnotation, error) {
	convID, err := conversationRowID(ctx, s.db, conversationID)
	if err != nil {
		return nil, err
	}
	expertID, err := s.expertID(ctx, expert)
	if err != nil {
		return nil, err
	}
	byTurn, err := loadAnnotations(ctx, s.db, convID, sql.NullInt64{Int64: expertID, Valid: true})
	if err != nil {
		return nil, err
	}
	return sortedTurns(byTurn), nil
}

// LoadConversation rebuilds a stored conversation with its imported annotations.
func (s *SQLiteStore) LoadConversation(ctx context.Context, externalID string) (annotation.Conversation, error) {
	var (
		convID       int64
		sourceFile   sql.NullString
		metadataJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, source_file, metadata_json FROM conversations WHERE external_id = ?`, externalID,
	).Scan(&convID, &sourceFile, &metadataJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return annotation.Conversation{}, fmt.Errorf("conversation %s: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return annotation.Conversation{}, fmt.Errorf("query conversation %s: %w", externalID, err)
	}

	conv := annotation.Conversation{ID: externalID, Metadata: map[string]any{}, SourceFile: sourceFile.String}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &conv.Metadata); err != nil {
			return annotation.Conversation{}, fmt.Errorf("decode metadata of %s: %w", externalID, err)
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT turn_number, speaker, text FROM turns WHERE conversation_id = ? ORDER BY turn_number`, convID)
	if err != nil {
		return annotation.Conversation{}, fmt.Errorf("query turns: %w", err)
	}
	for rows.Next() {
		var turn annotation.Turn
		var speaker string
		if err := rows.Scan(&turn.TurnID, &speaker, &turn.Text); err != nil {
			rows.Close()
			return annotation.Conversation{}, fmt.Errorf("scan turn: %w", err)
		}
		turn.Speaker, _ = annotation.ParseSpeaker(speaker)
		conv.Turns = append(conv.Turns, turn)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return annotation.Conversation{}, fmt.Errorf("iterate turns: %w", err)
	}
	rows.Close()

	conv.Annotations, err = loadAnnotations(ctx, s.db, convID, sql.NullInt64{})
	if err != nil {
		return annotation.Conversation{}, err
	}
	return conv, nil
}

// ListConversations returns every stored conversation ordered by external id.
func (s *SQLiteStore) ListConversations(ctx context.Context) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.external_id, COALESCE(c.scenario, ''), COALESCE(c.language, ''), COALESCE(c.source_file, ''), COUNT(t.id)
		FROM conversations c
		LEFT JOIN turns t ON t.conversation_id = c.id
		GROUP BY c.id
		ORDER BY c.external_id`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var item ConversationSummary
		if err := rows.Scan(&item.ExternalID, &item.Scenario, &item.Language, &item.SourceFile, &item.TurnCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conversations: %w", err)
	}
	return out, nil
}

// SuggestionRef names one suggestion of one annotation run. Span ids repeat across runs,
// so the agent type and suggested label are part of the key.
type SuggestionRef struct {
	ConversationID string
	TurnID         int
	SpanID         string
	AgentType      string
	Label          string
}

// UpdateSuggestionStatus records a reviewer decision on the newest pending suggestion matching ref.
// Rows of other runs, other agent types or already reviewed rows are left untouched.
func (s *SQLiteStore) UpdateSuggestionStatus(ctx context.Context, ref SuggestionRef, status, expert string) error {
	if !validSuggestionStatus(status) {
		return fmt.Errorf("invalid suggestion status %q", status)
	}
	var expertID sql.NullInt64
	if strings.TrimSpace(expert) != "" {
		id, err := s.GetOrCreateExpert(ctx, expert)
		if err != nil {
			return err
		}
		expertID = sql.NullInt64{Int64: id, Valid: true}
	}
	res, err := s.db.ExecContext(ctx, updateSuggestionSQL,
		status, expertID, s.now().UTC().Format(time.RFC3339),
		ref.ConversationID, ref.TurnID, ref.SpanID, ref.AgentType, ref.Label)
	if err != nil {
		return fmt.Errorf("update suggestion %s: %w", ref.SpanID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update suggestion %s: %w", ref.SpanID, err)
	}
	if n == 0 {
		return fmt.Errorf("pending %s suggestion %s in %s turn %d: %w", ref.AgentType, ref.SpanID, ref.ConversationID, ref.TurnID, ErrNotFound)
	}
	return nil
}

// RecordCallEvent stores one audit row in llm_events.
func (s *SQLiteStore) RecordCallEvent(ctx context.Context, event agent.CallEvent) error {
	createdAt := event.CreatedAt
	if createdAt.IsZero() {
		createdAt = s.now()
	}
	if _, err := s.db.ExecContext(ctx, insertLLMEventSQL,
		createdAt.UTC().Format(time.RFC3339Nano),
		strings.TrimSpace(event.ConversationID),
		event.TurnID,
		event.Unit,
		event.Model,
		event.SystemPrompt,
		event.UserPrompt,
		event.Response,
		boolToInt(event.ParseOK),
		boolToInt(event.ValidationOK),
		strings.TrimSpace(event.ErrorMessage),
		event.Duration.Milliseconds(),
	); err != nil {
		return fmt.Errorf("insert llm event: %w", err)
	}
	return nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func conversationRowID(ctx context.Context, q queryer, externalID string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `SELECT id FROM conversations WHERE external_id = ?`, externalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("conversation %s: %w", externalID, ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("query conversation %s: %w", externalID, err)
	}
	return id, nil
}

func turnRowIDs(ctx context.Context, q queryer, conversationRow int64) (map[int]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT turn_number, id FROM turns WHERE conversation_id = ?`, conversationRow)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	defer rows.Close()

	out := map[int]int64{}
	for rows.Next() {
		var number int
		var id int64
		if err := rows.Scan(&number, &id); err != nil {
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		out[number] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	return out, nil
}

func queryStrings(ctx context.Context, q queryer, query string, args ...any) (map[string]struct{}, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	out := map[string]struct{}{}
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out[value] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate: %w", err)
	}
	return out, nil
}

// expertFilter matches one expert, or the imported (expert-less) rows when expert is null.
func expertFilter(column string, expert sql.NullInt64) (string, []any) {
	if expert.Valid {
		return column + " = ?", []any{expert.Int64}
	}
	return column + " IS NULL", nil
}

func loadAnnotations(ctx context.Context, q queryer, conversationRow int64, expert sql.NullInt64) (map[int]annotation.TurnAnnotation, error) {
	turns := map[int]annotation.TurnAnnotation{}
	rows, err := q.QueryContext(ctx,
		`SELECT turn_number, speaker, text FROM turns WHERE conversation_id = ?`, conversationRow)
	if err != nil {
		return nil, fmt.Errorf("query turns: %w", err)
	}
	for rows.Next() {
		var turn annotation.TurnAnnotation
		var speaker string
		if err := rows.Scan(&turn.TurnID, &speaker, &turn.Text); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan turn: %w", err)
		}
		turn.Speaker, _ = annotation.ParseSpeaker(speaker)
		turns[turn.TurnID] = turn
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("iterate turns: %w", err)
	}
	rows.Close()

	filter, filterArgs := expertFilter("x.expert_id", expert)
	args := append([]any{conversationRow}, filterArgs...)

	spanRows, err := q.QueryContext(ctx, `
		SELECT t.turn_number, x.span_id, x.text, x.start_pos, x.end_pos, x.label, COALESCE(x.source, ''), x.verified
		FROM span_annotations x JOIN turns t ON t.id = x.turn_id
		WHERE t.conversation_id = ? AND `+filter+`
		ORDER BY t.turn_number, x.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query spans: %w", err)
	}
	for spanRows.Next() {
		var turnID int
		var span annotation.Span
		var source string
		var verified int
		if err := spanRows.Scan(&turnID, &span.ID, &span.Text, &span.Start, &span.End, &span.Label, &source, &verified); err != nil {
			spanRows.Close()
			return nil, fmt.Errorf("scan span: %w", err)
		}
		span.Source = annotation.Source(source)
		span.Verified = verified != 0
		turn := turns[turnID]
		turn.Spans = append(turn.Spans, span)
		turns[turnID] = turn
	}
	if err := spanRows.Err(); err != nil {
		spanRows.Close()
		return nil, fmt.Errorf("iterate spans: %w", err)
	}
	spanRows.Close()

	relRows, err := q.QueryContext(ctx, `
		SELECT t.turn_number, x.relation_id, x.from_span_id, x.to_span_id, x.to_turn_id, x.relation_type
		FROM relations x JOIN turns t ON t.id = x.turn_id
		WHERE t.conversation_id = ? AND `+filter+`
		ORDER BY t.turn_number, x.id`, args...)
	if err != nil {
		return nil, fmt.Errorf("query relations: %w", err)
	}
	for relRows.Next() {
		var turnID int
		var rel annotation.Relation
		var toTurn sql.NullInt64
		var relType string
		if err := relRows.Scan(&turnID, &rel.ID, &rel.From, &rel.To, &toTurn, &relType); err != nil {
			relRows.Close()
			return nil, fmt.Errorf("scan relation: %w", err)
		}
		rel.ToTurnID = annotation.NoTurn
		if toTurn.Valid {
			rel.ToTurnID = int(toTurn.Int64)
		}
		rel.Type = annotation.RelationType(relType)
		turn := turns[turnID]
		turn.Relations = append(turn.Relations, rel)
		turns[turnID] = turn
	}
	if err := relRows.Err(); err != nil {
		relRows.Close()
		return nil, fmt.Errorf("iterate relations: %w", err)
	}
	relRows.Close()

	stageRows, err := q.QueryContext(ctx, `
		SELECT t.turn_number, x.stage
		FROM spikes_annotations x JOIN turns t ON t.id = x.turn_id
		WHERE t.conversation_id = ? AND `+filter, args...)
	if err != nil {
		return nil, fmt.Errorf("query stages: %w", err)
	}
	for stageRows.Next() {
		var turnID int
		var stage string
		if err := stageRows.Scan(&turnID, &stage); err != nil {
			stageRows.Close()
			return nil, fmt.Errorf("scan stage: %w", err)
		}
		if parsed, ok := annotation.ParseStage(stage); ok {
			turn := turns[turnID]
			turn.Stage = parsed
			turns[turnID] = turn
		}
	}
	if err := stageRows.Err(); err != nil {
		stageRows.Close()
		return nil, fmt.Errorf("iterate stages: %w", err)
	}
	stageRows.Close()

	for turnID, turn := range turns {
		if !hasContent(turn) {
			delete(turns, turnID)
		}
	}
	return turns, nil
}

func insertSpan(ctx context.Context, tx *sql.Tx, turnRow int64, expert sql.NullInt64, span annotation.Span) error {
	if span.ID == "" {
		span.ID = "span_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	source := string(span.Source)
	if source == "" {
		source = string(annotation.SourceManual)
	}
	if _, err := tx.ExecContext(ctx, insertSpanSQL,
		turnRow, expert, span.ID, span.Text, span.Start, span.End, span.Label, source, boolToInt(span.Verified),
	); err != nil {
		return fmt.Errorf("insert span %s: %w", span.ID, err)
	}
	return nil
}

func insertRelation(ctx context.Context, tx *sql.Tx, turnRow int64, expert sql.NullInt64, rel annotation.Relation) error {
	if rel.ID == "" {
		rel.ID = "rel_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	relType, ok := annotation.ParseRelationType(string(rel.Type))
	if !ok {
		return fmt.Errorf("insert relation %s: unknown type %q", rel.ID, rel.Type)
	}
	var toTurn sql.NullInt64
	if rel.ToTurnID != annotation.NoTurn {
		toTurn = sql.NullInt64{Int64: int64(rel.ToTurnID), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, insertRelationSQL,
		turnRow, expert, rel.ID, rel.From, rel.To, toTurn, string(relType),
	); err != nil {
		return fmt.Errorf("insert relation %s: %w", rel.ID, err)
	}
	return nil
}

func metadataOrEmpty(metadata map[string]any) map[string]any {
	if metadata == nil {
		return map[string]any{}
	}
	return metadata
}

func metadataString(metadata map[string]any, key string) string {
	value, ok := metadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(value)
}

func nullString(value string) sql.NullString {
	if value == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: value, Valid: true}
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
