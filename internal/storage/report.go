package storage

import (
	"context"
	"fmt"
	"strings"
)

// Count is one bucket of a grouped counter.
type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Report summarizes a database for the report command.
type Report struct {
	Conversations int `json:"conversations"`
	Turns         int `json:"turns"`
	Experts       int `json:"experts"`
	Spans         int `json:"spans"`
	Relations     int `json:"relations"`
	StagedTurns   int `json:"staged_turns"`

	SpansByLabel  []Count `json:"spans_by_label"`
	SpansBySource []Count `json:"spans_by_source"`
	Stages        []Count `json:"stages"`

	Suggestions        []Count `json:"suggestions"`
	SuggestionsTotal   int     `json:"suggestions_total"`
	SuggestionsPending int     `json:"suggestions_pending"`
	AcceptancePercent  float64 `json:"acceptance_percent"`

	Runs               int     `json:"runs"`
	LLMEvents          int     `json:"llm_events"`
	ParseFailures      int     `json:"parse_failures"`
	ValidationFailures int     `json:"validation_failures"`
	CallErrors         int     `json:"call_errors"`
	AvgCallMillis      float64 `json:"avg_call_ms"`
}

// Stats builds the Report.
func (s *SQLiteStore) Stats(ctx context.Context) (Report, error) {
	var report Report

	scalars := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM conversations`, &report.Conversations},
		{`SELECT COUNT(*) FROM turns`, &report.Turns},
		{`SELECT COUNT(*) FROM experts`, &report.Experts},
		{`SELECT COUNT(*) FROM span_annotations`, &report.Spans},
		{`SELECT COUNT(*) FROM relations`, &report.Relations},
		{`SELECT COUNT(DISTINCT turn_id) FROM spikes_annotations`, &report.StagedTurns},
		{`SELECT COUNT(*) FROM annotation_runs`, &report.Runs},
		{`SELECT COUNT(*) FROM llm_events`, &report.LLMEvents},
		{`SELECT COUNT(*) FROM llm_events WHERE parse_ok = 0 AND error_message NOT LIKE 'call_error%'`, &report.ParseFailures},
		{`SELECT COUNT(*) FROM llm_events WHERE parse_ok = 1 AND validation_ok = 0`, &report.ValidationFailures},
		{`SELECT COUNT(*) FROM llm_events WHERE error_message LIKE 'call_error%'`, &report.CallErrors},
	}
	for _, item := range scalars {
		if err := s.db.QueryRowContext(ctx, item.query).Scan(item.dest); err != nil {
			return Report{}, fmt.Errorf("report %q: %w", item.query, err)
		}
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(AVG(duration_ms), 0) FROM llm_events`).Scan(&report.AvgCallMillis); err != nil {
		return Report{}, fmt.Errorf("report call duration: %w", err)
	}

	var err error
	if report.SpansByLabel, err = s.counts(ctx, `SELECT label, COUNT(*) FROM span_annotations GROUP BY label`); err != nil {
		return Report{}, err
	}
	if report.SpansBySource, err = s.counts(ctx, `SELECT COALESCE(source, ''), COUNT(*) FROM span_annotations GROUP BY source`); err != nil {
		return Report{}, err
	}
	if report.Stages, err = s.counts(ctx, `SELECT stage, COUNT(*) FROM spikes_annotations GROUP BY stage`); err != nil {
		return Report{}, err
	}
	if report.Suggestions, err = s.counts(ctx, `SELECT COALESCE(status, 'pending'), COUNT(*) FROM ai_suggestions GROUP BY status`); err != nil {
		return Report{}, err
	}

	accepted := 0
	for _, c := range report.Suggestions {
		report.SuggestionsTotal += c.Count
		switch c.Name {
		case SuggestionPending:
			report.SuggestionsPending += c.Count
		case SuggestionAccepted, SuggestionModified:
			accepted += c.Count
		}
	}
	if reviewed := report.SuggestionsTotal - report.SuggestionsPending; reviewed > 0 {
		report.AcceptancePercent = 100.0 * float64(accepted) / float64(reviewed)
	}
	return report, nil
}

// counts runs a two-column (name, count) query, ordered by count desc then name.
func (s *SQLiteStore) counts(ctx context.Context, query string) ([]Count, error) {
	rows, err := s.db.QueryContext(ctx, query+` ORDER BY 2 DESC, 1`)
	if err != nil {
		return nil, fmt.Errorf("report %q: %w", query, err)
	}
	defer rows.Close()

	out := []Count{}
	for rows.Next() {
		var c Count
		if err := rows.Scan(&c.Name, &c.Count); err != nil {
			return nil, fmt.Errorf("scan %q: %w", query, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %q: %w", query, err)
	}
	return out, nil
}

// FormatReport renders r as key=value lines.
func FormatReport(r Report) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("conversations=%d\n", r.Conversations))
	b.WriteString(fmt.Sprintf("turns=%d\n", r.Turns))
	b.WriteString(fmt.Sprintf("experts=%d\n", r.Experts))
	b.WriteString(fmt.Sprintf("spans=%d\n", r.Spans))
	b.WriteString(fmt.Sprintf("relations=%d\n", r.Relations))
	b.WriteString(fmt.Sprintf("staged_turns=%d\n", r.StagedTurns))
	b.WriteString(fmt.Sprintf("suggestions=%d pending=%d acceptance_percent=%.2f\n", r.SuggestionsTotal, r.SuggestionsPending, r.AcceptancePercent))
	b.WriteString(fmt.Sprintf("runs=%d\n", r.Runs))
	b.WriteString(fmt.Sprintf("llm_events=%d parse_failures=%d validation_failures=%d call_errors=%d avg_call_ms=%.1f\n",
		r.LLMEvents, r.ParseFailures, r.ValidationFailures, r.CallErrors, r.AvgCallMillis))
	return b.String()
}

// FormatReportMarkdown renders r with per-label, per-stage and per-status tables.
func FormatReportMarkdown(r Report) string {
	var b strings.Builder
	b.WriteString("# Annotation Report\n\n")
	b.WriteString("## Totals\n")
	b.WriteString(fmt.Sprintf("- conversations: `%d`\n", r.Conversations))
	b.WriteString(fmt.Sprintf("- turns: `%d`\n", r.Turns))
	b.WriteString(fmt.Sprintf("- experts: `%d`\n", r.Experts))
	b.WriteString(fmt.Sprintf("- spans: `%d`\n", r.Spans))
	b.WriteString(fmt.Sprintf("- relations: `%d`\n", r.Relations))
	b.WriteString(fmt.Sprintf("- staged_turns: `%d`\n\n", r.StagedTurns))

	writeCountTable(&b, "Spans by Label", "label", r.SpansByLabel)
	writeCountTable(&b, "Spans by Source", "source", r.SpansBySource)
	writeCountTable(&b, "SPIKES Stages", "stage", r.Stages)
	writeCountTable(&b, "AI Suggestions", "status", r.Suggestions)
	b.WriteString(fmt.Sprintf("- acceptance_percent: `%.2f%%`\n\n", r.AcceptancePercent))

	b.WriteString("## Model Calls\n")
	b.WriteString(fmt.Sprintf("- runs: `%d`\n", r.Runs))
	b.WriteString(fmt.Sprintf("- llm_events: `%d`\n", r.LLMEvents))
	b.WriteString(fmt.Sprintf("- parse_failures: `%d`\n", r.ParseFailures))
	b.WriteString(fmt.Sprintf("- validation_failures: `%d`\n", r.ValidationFailures))
	b.WriteString(fmt.Sprintf("- call_errors: `%d`\n", r.CallErrors))
	b.WriteString(fmt.Sprintf("- avg_call_ms: `%.1f`\n", r.AvgCallMillis))
	return b.String()
}

func writeCountTable(b *strings.Builder, title, column string, counts []Count) {
	b.WriteString("## " + title + "\n")
	if len(counts) == 0 {
		b.WriteString("- none\n\n")
		return
	}
	b.WriteString(fmt.Sprintf("| %s | count |\n", column))
	b.WriteString("| --- | ---: |\n")
	for _, c := range counts {
		b.WriteString(fmt.Sprintf("| `%s` | `%d` |\n", strings.ReplaceAll(c.Name, "`", "'"), c.Count))
	}
	b.WriteString("\n")
}
