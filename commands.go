package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/tetraminz/bbn_annotator/internal/compute"
	"github.com/tetraminz/bbn_annotator/internal/dataset"
	"github.com/tetraminz/bbn_annotator/internal/pipeline"
	"github.com/tetraminz/bbn_annotator/internal/review"
	"github.com/tetraminz/bbn_annotator/internal/storage"
)

func (c *cli) runSuggestCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("suggest", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	settings := addSettingsFlags(fs)
	input := fs.String("input", "", "Conversation file")
	turnID := fs.Int("turn", 0, "Turn id to annotate")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*input) == "" {
		return errors.New("--input is required")
	}

	cfg, logger, err := c.load(settings)
	if err != nil {
		return err
	}
	conv, err := dataset.LoadConversationFile(*input)
	if err != nil {
		return err
	}

	p, err := pipeline.New(ctx, cfg, logger, c.newCaller)
	if err != nil {
		return err
	}
	defer p.Close()

	suggestions, err := review.SuggestForTurn(ctx, p.Annotator, conv, *turnID)
	if err != nil {
		return err
	}
	logger.Info().Str("conversation_id", conv.ID).Int("turn_id", *turnID).Int("suggestions", len(suggestions)).Msg("suggest_done")
	return c.writeJSON(suggestions)
}

func (c *cli) runCompareCmd(args []string) error {
	fs := flag.NewFlagSet("compare", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	settings := addSettingsFlags(fs)
	resultPath := fs.String("result", "", "Agent result JSON")
	referencePath := fs.String("reference", "", "Expert-annotated conversation JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*resultPath) == "" || strings.TrimSpace(*referencePath) == "" {
		return errors.New("--result and --reference are required")
	}
	_, logger, err := c.load(settings)
	if err != nil {
		return err
	}

	result, err := dataset.LoadResultFile(*resultPath)
	if err != nil {
		return err
	}
	reference, err := dataset.LoadReferenceFile(*referencePath)
	if err != nil {
		return err
	}

	metrics := compute.Compare(result, reference)
	logger.Info().
		Str("conversation_id", result.ConversationID).
		Int("label_matches", metrics.LabelMatches).
		Float64("f1", metrics.F1).
		Msg("compare_done")
	return c.writeJSON(metrics)
}

func (c *cli) runMigrateCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	configPath := fs.String("config", "", "Path to a YAML config file")
	samples := fs.String("samples", "", "Directory with sample conversations (default: storage.samples_dir)")
	dbPath := fs.String("db", "", "Path to SQLite DB file (default: storage.db_path)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := c.load(settingsFlags{
		configPath: configPath,
		provider:   new(string),
		model:      new(string),
		agentType:  new(string),
		dbPath:     dbPath,
	})
	if err != nil {
		return err
	}
	dir := strings.TrimSpace(*samples)
	if dir == "" {
		dir = cfg.Storage.SamplesDir
	}

	store, err := storage.OpenSQLiteStore(ctx, cfg.Storage.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	imported, existing, err := importSamples(ctx, store, dir, logger)
	if err != nil {
		return err
	}
	logger.Info().Int("imported", imported).Int("existing", existing).Str("db", cfg.Storage.DBPath).Msg("migrate_done")
	fmt.Fprintf(c.stdout, "imported=%d existing=%d db=%s\n", imported, existing, cfg.Storage.DBPath)
	return nil
}

// importSamples loads every conversation under dir into store. A missing dir imports nothing.
func importSamples(ctx context.Context, store *storage.SQLiteStore, dir string, logger zerolog.Logger) (imported, existing int, err error) {
	if _, statErr := os.Stat(dir); errors.Is(statErr, os.ErrNotExist) {
		logger.Warn().Str("samples", dir).Msg("samples_missing")
		return 0, 0, nil
	}
	conversations, err := dataset.LoadConversations(dir, "", 0)
	if err != nil {
		return 0, 0, err
	}
	for _, conv := range conversations {
		res, err := store.ImportConversation(ctx, conv)
		if err != nil {
			return imported, existing, err
		}
		if res.Created {
			imported++
		} else {
			existing++
		}
		logger.Debug().Str("conversation_id", res.ExternalID).Bool("created", res.Created).Msg("import_conversation")
	}
	return imported, existing, nil
}

func (c *cli) runReportCmd(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	configPath := fs.String("config", "", "Path to a YAML config file")
	dbPath := fs.String("db", "", "Path to SQLite DB file (default: storage.db_path)")
	format := fs.String("format", "text", "Output format: text, markdown or json")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, logger, err := c.load(settingsFlags{
		configPath: configPath,
		provider:   new(string),
		model:      new(string),
		agentType:  new(string),
		dbPath:     dbPath,
	})
	if err != nil {
		return err
	}
	if _, err := os.Stat(cfg.Storage.DBPath); err != nil {
		return fmt.Errorf("open db %s: %w", cfg.Storage.DBPath, err)
	}

	store, err := storage.OpenSQLiteStore(ctx, cfg.Storage.DBPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := store.Stats(ctx)
	if err != nil {
		return err
	}

	switch *format {
	case "text":
		fmt.Fprint(c.stdout, storage.FormatReport(report))
	case "markdown", "md":
		fmt.Fprint(c.stdout, storage.FormatReportMarkdown(report))
	case "json":
		return c.writeJSON(report)
	default:
		return fmt.Errorf("unknown report format %q", *format)
	}
	return nil
}

func (c *cli) writeJSON(v any) error {
	encoder := json.NewEncoder(c.stdout)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		return fmt.Errorf("write json: %w", err)
	}
	return nil
}
