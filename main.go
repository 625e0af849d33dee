package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/tetraminz/bbn_annotator/internal/config"
	"github.com/tetraminz/bbn_annotator/internal/llm"
	"github.com/tetraminz/bbn_annotator/internal/logging"
	"github.com/tetraminz/bbn_annotator/internal/pipeline"
)

func main() {
	log.SetFlags(0)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli{stdout: os.Stdout, stderr: os.Stderr, stdin: os.Stdin, newCaller: llm.New}
	if err := app.run(ctx, os.Args[1:]); err != nil {
		stop()
		log.Fatalf("error: %v", err)
	}
}

// cli carries the process streams and the model-caller factory so commands run in tests without a provider.
type cli struct {
	stdout    io.Writer
	stderr    io.Writer
	stdin     io.Reader
	newCaller pipeline.CallerFactory
}

func (c *cli) run(ctx context.Context, args []string) error {
	if len(args) < 1 {
		c.printUsage()
		return nil
	}

	command := args[0]
	rest := args[1:]

	switch command {
	case "annotate":
		return c.runAnnotateCmd(ctx, rest)
	case "suggest":
		return c.runSuggestCmd(ctx, rest)
	case "compare":
		return c.runCompareCmd(rest)
	case "migrate":
		return c.runMigrateCmd(ctx, rest)
	case "report":
		return c.runReportCmd(ctx, rest)
	case "review":
		return c.runReviewCmd(ctx, rest)
	case "-h", "--help", "help":
		c.printUsage()
		return nil
	default:
		c.printUsage()
		return fmt.Errorf("unknown command: %s", command)
	}
}

// settingsFlags are shared by the commands that talk to a model or a backend.
type settingsFlags struct {
	configPath *string
	provider   *string
	model      *string
	agentType  *string
	dbPath     *string
}

func addSettingsFlags(fs *flag.FlagSet) settingsFlags {
	return settingsFlags{
		configPath: fs.String("config", "", "Path to a YAML config file"),
		provider:   fs.String("provider", "", "Model provider: openai or anthropic"),
		model:      fs.String("model", "", "Model name (provider default when empty)"),
		agentType:  fs.String("type", "", "Agent type: react or multi_agent"),
		dbPath:     fs.String("db", "", "Store into this SQLite DB instead of JSON files"),
	}
}

// load reads the config, applies flag overrides and builds the logger.
func (c *cli) load(flags settingsFlags) (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(*flags.configPath)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if v := strings.TrimSpace(*flags.provider); v != "" {
		cfg.LLM.Provider = v
	}
	if v := strings.TrimSpace(*flags.model); v != "" {
		cfg.LLM.Model = v
	}
	if v := strings.TrimSpace(*flags.agentType); v != "" {
		cfg.Agent.Type = v
	}
	if v := strings.TrimSpace(*flags.dbPath); v != "" {
		cfg.Storage.UseDatabase = true
		cfg.Storage.DBPath = v
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, zerolog.Nop(), err
	}

	logger, err := logging.New(c.stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return config.Config{}, zerolog.Nop(), err
	}
	if cfg.File != "" {
		logger.Debug().Str("file", cfg.File).Msg("config_loaded")
	}
	return cfg, logger, nil
}

func (c *cli) printUsage() {
	fmt.Fprintln(c.stdout, "Usage:")
	fmt.Fprintln(c.stdout, "  bbn_annotator annotate --input data/samples [--type react|multi_agent] [--provider openai|anthropic] [--model m] [--no-relations] [--sequential] [--db data/annotations.db]")
	fmt.Fprintln(c.stdout, "  bbn_annotator suggest --input data/samples/bbn_001.json --turn 3")
	fmt.Fprintln(c.stdout, "  bbn_annotator compare --result output/bbn_001_react.json --reference data/samples/bbn_001.json")
	fmt.Fprintln(c.stdout, "  bbn_annotator migrate --samples data/samples --db data/annotations.db")
	fmt.Fprintln(c.stdout, "  bbn_annotator report --db data/annotations.db [--format text|markdown|json]")
	fmt.Fprintln(c.stdout, "  bbn_annotator review --input data/samples/bbn_001.json --result output/bbn_001_react.json --expert \"Dr. Kim\"")
	fmt.Fprintln(c.stdout, "All commands accept --config file.yaml; settings can also come from LLM_*, AGENT_*, STORAGE_*, LOG_* env vars.")
}
