package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"sort"
	"strings"

	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Migrate applies every pending embedded migration and returns the versions it applied.
func Migrate(ctx context.Context, db *sql.DB) ([]int64, error) {
	migrations, err := fs.Sub(embeddedMigrations, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, db, migrations)
	if err != nil {
		return nil, fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	applied := make([]int64, 0, len(results))
	for _, result := range results {
		if result.Source != nil {
			applied = append(applied, result.Source.Version)
		}
	}
	return applied, nil
}

// requiredColumns is verified after every migration run.
var requiredColumns = map[string][]string{
	"conversations":      {"id", "external_id", "scenario", "language", "date", "source_file", "metadata_json"},
	"turns":              {"id", "conversation_id", "turn_number", "speaker", "text"},
	"span_annotations":   {"id", "turn_id", "expert_id", "span_id", "text", "start_pos", "end_pos", "label", "source", "verified"},
	"relations":          {"id", "turn_id", "expert_id", "relation_id", "from_span_id", "to_span_id", "to_turn_id", "relation_type"},
	"spikes_annotations": {"id", "turn_id", "expert_id", "stage"},
	"ai_suggestions":     {"id", "turn_id", "span_id", "suggested_label", "agent_type", "model", "status", "expert_id", "reviewed_at"},
	"annotation_runs":    {"id", "conversation_id", "agent_type", "provider", "model", "span_count", "relation_count", "result_json"},
	"llm_events":         {"id", "conversation_id", "turn_number", "unit_name", "parse_ok", "validation_ok", "error_message"},
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	tables := make([]string, 0, len(requiredColumns))
	for table := range requiredColumns {
		tables = append(tables, table)
	}
	sort.Strings(tables)

	for _, table := range tables {
		missing, err := missingTableColumns(ctx, db, table, requiredColumns[table])
		if err != nil {
			return err
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			return fmt.Errorf("incompatible %s schema, missing columns: %s", table, strings.Join(missing, ", "))
		}
	}
	return nil
}

func missingTableColumns(ctx context.Context, db *sql.DB, tableName string, required []string) ([]string, error) {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s)`, tableName))
	if err != nil {
		return nil, fmt.Errorf("inspect %s schema: %w", tableName, err)
	}
	defer rows.Close()

	existing := map[string]struct{}{}
	for rows.Next() {
		var cid int
		var name string
		var colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return nil, fmt.Errorf("scan %s schema: %w", tableName, err)
		}
		existing[name] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s schema: %w", tableName, err)
	}

	var missing []string
	for _, col := range required {
		if _, ok := existing[col]; !ok {
			missing = append(missing, col)
		}
	}
	return missing, nil
}
