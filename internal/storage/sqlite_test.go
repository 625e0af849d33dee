package storage

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/tetraminz/bbn_annotator/internal/agent"
	"github.com/tetraminz/bbn_annotator/internal/annotation"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := OpenSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "data", "annotations.db"), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func sampleConversation() annotation.Conversation {
	return annotation.Conversation{
		ID:         "bbn_001",
		Metadata:   map[string]any{"scenario": "lung cancer", "date": "2024-03-01"},
		SourceFile: "data/samples/bbn_001.json",
		Turns: []annotation.Turn{
			{TurnID: 1, Speaker: annotation.Patient, Text: "I'm really scared"},
			{TurnID: 2, Speaker: annotation.Clinician, Text: "I understand this is frightening"},
		},
		Annotations: map[int]annotation.TurnAnnotation{
			1: {Spans: []annotation.Span{{ID: "e1", Text: "really scared", Start: 4, End: 17, Label: "explicit_feeling"}}},
			2: {
				Stage: annotation.StageEmpathy,
				Spans: []annotation.Span{{ID: "r1", Text: "I understand", Start: 0, End: 12, Label: "understanding_feeling"}},
				Relations: []annotation.Relation{
					{ID: "rel_1", From: "r1", To: "e1", ToTurnID: 1, Type: annotation.ResponseTo},
				},
			},
		},
	}
}

func countRows(t *testing.T, store *SQLiteStore, query string, args ...any) int {
	t.Helper()
	var n int
	if err := store.DB().QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count %q: %v", query, err)
	}
	return n
}

func TestOpenSQLiteStoreMigratesOnce(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "annotations.db")
	first, err := OpenSQLiteStore(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	first.Close()

	second, err := OpenSQLiteStore(context.Background(), path, zerolog.Nop())
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer second.Close()

	applied, err := Migrate(context.Background(), second.DB())
	if err != nil {
		t.Fatalf("migrate again: %v", err)
	}
	if len(applied) != 0 {
		t.Fatalf("re-migration applied %v want none", applied)
	}

	var fk int
	if err := second.DB().QueryRow(`PRAGMA foreign_keys`).Scan(&fk); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys=%d want 1", fk)
	}
}

func TestImportConversationIsIdempotent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()

	first, err := store.ImportConversation(ctx, sampleConversation())
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if !first.Created {
		t.Fatalf("first import Created=false want true")
	}
	second, err := store.ImportConversation(ctx, sampleConversation())
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if second.Created || second.ID != first.ID {
		t.Fatalf("re-import got %+v want existing id %d", second, first.ID)
	}

	if got := countRows(t, store, `SELECT COUNT(*) FROM turns`); got != 2 {
		t.Fatalf("turns=%d want 2", got)
	}
	if got := countRows(t, store, `SELECT COUNT(*) FROM span_annotations WHERE source = 'imported' AND expert_id IS NULL`); got != 2 {
		t.Fatalf("imported spans=%d want 2", got)
	}

	conv, err := store.LoadConversation(ctx, "bbn_001")
	if err != nil {
		t.Fatalf("load conversation: %v", err)
	}
	if conv.Metadata["scenario"] != "lung cancer" {
		t.Fatalf("scenario=%v want lung cancer", conv.Metadata["scenario"])
	}
	if len(conv.Turns) != 2 || conv.Turns[1].Speaker != annotation.Clinician {
		t.Fatalf("turns=%+v", conv.Turns)
	}
	ref := conv.Annotations[2]
	if ref.Stage != annotation.StageEmpathy || len(ref.Relations) != 1 || ref.Relations[0].ToTurnID != 1 {
		t.Fatalf("turn 2 reference=%+v", ref)
	}

	list, err := store.ListConversations(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].TurnCount != 2 || list[0].Language != "en" {
		t.Fatalf("list=%+v", list)
	}
}

func TestSaveResultRecordsPendingSuggestions(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	result := annotation.Result{
		ConversationID: "conv_new",
		AgentType:      annotation.AgentMultiAgent,
		Metadata:       map[string]any{"model": "gpt-4o", "provider": "openai"},
		Turns: []annotation.TurnAnnotation{
			{TurnID: 1, Speaker: annotation.Patient, Text: "I'm really scared", Spans: []annotation.Span{
				{ID: "span_t1_0", Text: "really scared", Start: 4, End: 17, Label: "explicit_feeling", Verified: true},
			}},
			{TurnID: 2, Speaker: annotation.Clinician, Text: "I understand", Spans: []annotation.Span{
				{ID: "span_t2_0", Text: "I understand", Start: 0, End: 12, Label: "understanding_feeling", Verified: true},
			}, Relations: []annotation.Relation{{From: "span_t2_0", To: "span_t1_0", ToTurnID: 1, Type: annotation.ResponseTo}}},
		},
	}

	location, err := store.SaveResult(ctx, result)
	if err != nil {
		t.Fatalf("save result: %v", err)
	}
	if !strings.Contains(location, "#annotation_runs/1") {
		t.Fatalf("location=%q", location)
	}
	if got := countRows(t, store, `SELECT COUNT(*) FROM ai_suggestions WHERE status = 'pending' AND agent_type = 'multi_agent' AND model = 'gpt-4o'`); got != 2 {
		t.Fatalf("pending suggestions=%d want 2", got)
	}
	if got := countRows(t, store, `SELECT relation_count FROM annotation_runs`); got != 1 {
		t.Fatalf("relation_count=%d want 1", got)
	}

	ref := func(turnID int, spanID, label string) SuggestionRef {
		return SuggestionRef{ConversationID: "conv_new", TurnID: turnID, SpanID: spanID, AgentType: annotation.AgentMultiAgent, Label: label}
	}
	if err := store.UpdateSuggestionStatus(ctx, ref(1, "span_t1_0", "explicit_feeling"), SuggestionAccepted, "Dr. Kim"); err != nil {
		t.Fatalf("update status: %v", err)
	}
	if err := store.UpdateSuggestionStatus(ctx, ref(2, "span_t2_0", "understanding_feeling"), SuggestionRejected, ""); err != nil {
		t.Fatalf("update status: %v", err)
	}
	err = store.UpdateSuggestionStatus(ctx, ref(2, "span_missing", "understanding_feeling"), SuggestionRejected, "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing suggestion err=%v want ErrNotFound", err)
	}
	err = store.UpdateSuggestionStatus(ctx, ref(1, "span_t1_0", "explicit_feeling"), SuggestionRejected, "")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("reviewed suggestion err=%v want ErrNotFound", err)
	}
	if err := store.UpdateSuggestionStatus(ctx, ref(1, "span_t1_0", "explicit_feeling"), "maybe", ""); err == nil {
		t.Fatalf("invalid status accepted")
	}

	report, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if report.SuggestionsTotal != 2 || report.SuggestionsPending != 0 {
		t.Fatalf("suggestions total=%d pending=%d", report.SuggestionsTotal, report.SuggestionsPending)
	}
	if report.AcceptancePercent != 50 {
		t.Fatalf("acceptance=%v want 50", report.AcceptancePercent)
	}
	if report.Runs != 1 || report.Experts != 1 {
		t.Fatalf("runs=%d experts=%d", report.Runs, report.Experts)
	}
}

func TestSaveSessionRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	conv := sampleConversation()

	session := []annotation.TurnAnnotation{
		{TurnID: 1, Spans: []annotation.Span{
			{ID: "span_aaaa0001", Text: "really scared", Start: 4, End: 17, Label: "explicit_feeling", Source: annotation.SourceAIAccepted, Verified: true},
			{ID: "span_aaaa0002", Text: "terrified", Start: 40, End: 49, Label: "implicit_feeling", Source: annotation.SourceAIAccepted},
		}},
		{TurnID: 2, Stage: annotation.StageEmpathy, Spans: []annotation.Span{
			{ID: "span_bbbb0001", Text: "I understand", Start: 0, End: 12, Label: "understanding_feeling", Source: annotation.SourceAIModified, Verified: true},
		}, Relations: []annotation.Relation{
			{From: "span_bbbb0001", To: "span_aaaa0001", ToTurnID: 1, Type: annotation.ResponseTo},
		}},
	}
	if err := store.SaveSession(ctx, conv, "Dr. Kim", session); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if err := store.SaveSession(ctx, conv, "Dr. Kim", session); err != nil {
		t.Fatalf("save session twice: %v", err)
	}
	if got := countRows(t, store, `SELECT COUNT(*) FROM span_annotations WHERE expert_id IS NOT NULL`); got != 3 {
		t.Fatalf("expert spans=%d want 3 after saving twice", got)
	}
	if got := countRows(t, store, `SELECT COUNT(*) FROM relations WHERE expert_id IS NOT NULL`); got != 1 {
		t.Fatalf("expert relations=%d want 1 after saving twice", got)
	}

	loaded, err := store.LoadSession(ctx, "bbn_001", "Dr. Kim")
	if err != nil {
		t.Fatalf("load session: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded turns=%d want 2", len(loaded))
	}
	if loaded[0].Spans[0].Source != annotation.SourceAIAccepted || loaded[0].Spans[1].Label != "implicit_feeling" {
		t.Fatalf("turn 1 spans=%+v", loaded[0].Spans)
	}
	if !loaded[0].Spans[0].Verified || loaded[0].Spans[1].Verified {
		t.Fatalf("verified flags not kept: %+v", loaded[0].Spans)
	}
	if loaded[1].Stage != annotation.StageEmpathy || loaded[1].Relations[0].To != "span_aaaa0001" {
		t.Fatalf("turn 2=%+v", loaded[1])
	}

	// The reviewer removed a span and cleared the stage.
	session[0].Spans = session[0].Spans[:1]
	session[1].Stage = annotation.StageNone
	if err := store.SaveSession(ctx, conv, "Dr. Kim", session); err != nil {
		t.Fatalf("save edited session: %v", err)
	}
	loaded, err = store.LoadSession(ctx, "bbn_001", "Dr. Kim")
	if err != nil {
		t.Fatalf("reload session: %v", err)
	}
	if len(loaded[0].Spans) != 1 || loaded[1].Stage != annotation.StageNone {
		t.Fatalf("edited session=%+v", loaded)
	}
	if got := countRows(t, store, `SELECT COUNT(*) FROM span_annotations WHERE source = 'imported'`); got != 2 {
		t.Fatalf("imported spans=%d want untouched 2", got)
	}

	if _, err := store.LoadSession(ctx, "bbn_001", "Nobody"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown expert err=%v want ErrNotFound", err)
	}
	if _, err := store.LoadSession(ctx, "bbn_404", "Dr. Kim"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown conversation err=%v want ErrNotFound", err)
	}
}

func TestSaveSessionClearsTurnsMissingFromSession(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	conv := sampleConversation()

	full := []annotation.TurnAnnotation{
		{TurnID: 1, Spans: []annotation.Span{
			{ID: "span_cccc0001", Text: "really scared", Start: 4, End: 17, Label: "explicit_feeling", Verified: true},
		}},
		{TurnID: 2, Stage: annotation.StageEmpathy, Spans: []annotation.Span{
			{ID: "span_cccc0002", Text: "I understand", Start: 0, End: 12, Label: "understanding_feeling", Verified: true},
		}},
	}
	if err := store.SaveSession(ctx, conv, "Dr. Kim", full); err != nil {
		t.Fatalf("save session: %v", err)
	}
	if err := store.SaveSession(ctx, conv, "Dr. Kim", full[:1]); err != nil {
		t.Fatalf("save partial session: %v", err)
	}

	if got := countRows(t, store, `SELECT COUNT(*) FROM span_annotations WHERE expert_id IS NOT NULL`); got != 1 {
		t.Fatalf("expert spans=%d want 1", got)
	}
	if got := countRows(t, store, `SELECT COUNT(*) FROM spikes_annotations WHERE expert_id IS NOT NULL`); got != 0 {
		t.Fatalf("stages=%d want 0", got)
	}
}

func TestRecordCallEvent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	events := []agent.CallEvent{
		{ConversationID: "c1", TurnID: 1, Unit: agent.UnitReact, Model: "gpt-4o", Response: "{}", ParseOK: true, ValidationOK: true, Duration: 120 * time.Millisecond},
		{ConversationID: "c1", TurnID: 2, Unit: agent.UnitReact, Model: "gpt-4o", Response: "oops", ErrorMessage: "parse_error: no json object in response"},
		{ConversationID: "c1", TurnID: 3, Unit: agent.UnitReact, Model: "gpt-4o", ErrorMessage: "call_error: boom"},
	}
	for _, event := range events {
		if err := store.RecordCallEvent(ctx, event); err != nil {
			t.Fatalf("record event: %v", err)
		}
	}

	report, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if report.LLMEvents != 3 || report.ParseFailures != 1 || report.CallErrors != 1 || report.ValidationFailures != 0 {
		t.Fatalf("report=%+v", report)
	}
	if !strings.Contains(FormatReport(report), "llm_events=3 parse_failures=1") {
		t.Fatalf("FormatReport=%q", FormatReport(report))
	}
	if !strings.Contains(FormatReportMarkdown(report), "## AI Suggestions\n- none") {
		t.Fatalf("markdown missing empty suggestions section")
	}
}

func TestUpdateSuggestionStatusTouchesOneRun(t *testing.T) {
	t.Parallel()

	store := openTestStore(t)
	ctx := context.Background()
	saveRun := func(agentType, label string) {
		t.Helper()
		result := annotation.Result{
			ConversationID: "c1",
			AgentType:      agentType,
			Turns: []annotation.TurnAnnotation{
				{TurnID: 1, Speaker: annotation.Patient, Text: "I'm really scared", Spans: []annotation.Span{
					{ID: "span_t1_0", Text: "really scared", Start: 4, End: 17, Label: label, Verified: true},
				}},
			},
		}
		if _, err := store.SaveResult(ctx, result); err != nil {
			t.Fatalf("save %s result: %v", agentType, err)
		}
	}
	saveRun(annotation.AgentReact, "explicit_feeling")
	saveRun(annotation.AgentMultiAgent, "implicit_feeling")
	saveRun(annotation.AgentReact, "explicit_feeling")

	ref := SuggestionRef{ConversationID: "c1", TurnID: 1, SpanID: "span_t1_0", AgentType: annotation.AgentReact, Label: "explicit_feeling"}
	if err := store.UpdateSuggestionStatus(ctx, ref, SuggestionRejected, "Dr. Kim"); err != nil {
		t.Fatalf("update status: %v", err)
	}

	if got := countRows(t, store, `SELECT COUNT(*) FROM ai_suggestions WHERE status = 'rejected'`); got != 1 {
		t.Fatalf("rejected rows=%d want 1", got)
	}
	if got := countRows(t, store, `SELECT COUNT(*) FROM ai_suggestions WHERE agent_type = 'multi_agent' AND status = 'pending'`); got != 1 {
		t.Fatalf("multi_agent pending=%d want 1", got)
	}
	if got := countRows(t, store, `SELECT MAX(id) FROM ai_suggestions WHERE status = 'rejected'`); got != 3 {
		t.Fatalf("rejected row id=%d want the newest react row 3", got)
	}

	ref.Label = "implicit_feeling"
	if err := store.UpdateSuggestionStatus(ctx, ref, SuggestionRejected, ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("label mismatch err=%v want ErrNotFound", err)
	}
}
