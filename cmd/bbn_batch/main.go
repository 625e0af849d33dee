package main

/*
bbn_batch annotates a directory of Breaking Bad News conversations into one JSONL file.

Usage:
  OPENAI_API_KEY=... go run ./cmd/bbn_batch \
    --input_dir data/samples \
    --out_jsonl out/annotations.jsonl \
    --workers 4

Flags:
  --input_dir      Directory with conversation JSON or CSV files (default: storage.samples_dir).
  --out_jsonl      Output JSONL path (one record per conversation, in input order).
  --workers        Conversations annotated concurrently (default: 4).
  --limit          Optional max number of conversations (0 means all).
  --filter_prefix  Optional filename prefix filter, e.g. "bbn_0".
  --type           Agent type: react or multi_agent.
  --provider       Model provider: openai or anthropic.
  --model          Model name (provider default when empty).
  --config         Optional YAML config file.

Every model call is also audited into the configured backend (llm_events.jsonl or SQLite).
*/

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
	"github.com/tetraminz/bbn_annotator/internal/compute"
	"github.com/tetraminz/bbn_annotator/internal/config"
	"github.com/tetraminz/bbn_annotator/internal/dataset"
	"github.com/tetraminz/bbn_annotator/internal/llm"
	"github.com/tetraminz/bbn_annotator/internal/logging"
	"github.com/tetraminz/bbn_annotator/internal/pipeline"
)

const (
	recordSchemaVersion = "bbn_record_v1"
	defaultWorkers      = 4
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr, llm.New); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer, newCaller pipeline.CallerFactory) error {
	fs := flag.NewFlagSet("bbn_batch", flag.ContinueOnError)
	fs.SetOutput(stderr)
	inputDir := fs.String("input_dir", "", "directory containing conversation files")
	outJSONL := fs.String("out_jsonl", "", "output jsonl path")
	workers := fs.Int("workers", defaultWorkers, "conversations annotated concurrently")
	limit := fs.Int("limit", 0, "optional max conversations to process (0 = all)")
	filterPrefix := fs.String("filter_prefix", "", "optional filename prefix filter")
	agentType := fs.String("type", "", "agent type: react or multi_agent")
	provider := fs.String("provider", "", "model provider: openai or anthropic")
	model := fs.String("model", "", "model name")
	configPath := fs.String("config", "", "optional YAML config file")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if strings.TrimSpace(*outJSONL) == "" {
		return errors.New("--out_jsonl is required")
	}
	if *limit < 0 {
		return errors.New("--limit must be >= 0")
	}
	if *workers < 1 {
		return errors.New("--workers must be >= 1")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if v := strings.TrimSpace(*agentType); v != "" {
		cfg.Agent.Type = v
	}
	if v := strings.TrimSpace(*provider); v != "" {
		cfg.LLM.Provider = v
	}
	if v := strings.TrimSpace(*model); v != "" {
		cfg.LLM.Model = v
	}
	dir := strings.TrimSpace(*inputDir)
	if dir == "" {
		dir = cfg.Storage.SamplesDir
	}

	logger, err := logging.New(stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}

	conversations, err := dataset.LoadConversations(dir, *filterPrefix, *limit)
	if err != nil {
		return err
	}
	if len(conversations) == 0 {
		return errors.New("no conversations matched the current filters")
	}

	p, err := pipeline.New(ctx, cfg, logger, newCaller)
	if err != nil {
		return err
	}
	defer p.Close()

	if err := ensureParentDir(*outJSONL); err != nil {
		return err
	}
	outFile, err := os.Create(*outJSONL)
	if err != nil {
		return fmt.Errorf("create %q: %w", *outJSONL, err)
	}
	defer outFile.Close()

	logger.Info().
		Int("conversations", len(conversations)).
		Int("workers", *workers).
		Str("agent_type", p.AgentType).
		Str("model", p.Model).
		Msg("batch_start")
	started := time.Now()

	records := make([]outputRecord, len(conversations))
	tasks := pool.New().
		WithContext(ctx).
		WithCancelOnError().
		WithFirstError().
		WithMaxGoroutines(*workers)
	for i, conversation := range conversations {
		tasks.Go(func(ctx context.Context) error {
			result, err := p.Annotate(ctx, conversation)
			if err != nil {
				return err
			}
			record, err := buildRecord(conversation, result)
			if err != nil {
				return err
			}
			records[i] = record
			logger.Info().
				Str("conversation_id", conversation.ID).
				Int("spans", result.SpanCount()).
				Msg("batch_conversation")
			return nil
		})
	}
	if err := tasks.Wait(); err != nil {
		return err
	}

	encoder := json.NewEncoder(outFile)
	encoder.SetEscapeHTML(false)
	for _, record := range records {
		if err := encoder.Encode(record); err != nil {
			return fmt.Errorf("write record %s: %w", record.Conversation.ConversationID, err)
		}
	}

	logger.Info().Int("conversations", len(records)).Dur("elapsed", time.Since(started)).Msg("batch_done")
	fmt.Fprintf(stdout, "Wrote %d conversations to %s\n", len(records), *outJSONL)
	return nil
}

func buildRecord(conversation annotation.Conversation, result annotation.Result) (outputRecord, error) {
	encoded, err := annotation.MarshalResult(result)
	if err != nil {
		return outputRecord{}, fmt.Errorf("encode result %s: %w", conversation.ID, err)
	}
	return outputRecord{
		SchemaVersion: recordSchemaVersion,
		Conversation: conversationInfo{
			ConversationID: conversation.ID,
			SourceFile:     filepath.ToSlash(conversation.SourceFile),
			TurnCount:      len(conversation.Turns),
		},
		Stats:  compute.ComputeStats(conversation),
		Result: encoded,
	}, nil
}

func ensureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory %q: %w", dir, err)
	}
	return nil
}

type outputRecord struct {
	SchemaVersion string           `json:"schema_version"`
	Conversation  conversationInfo `json:"conversation"`
	Stats         compute.Stats    `json:"stats"`
	Result        json.RawMessage  `json:"result"`
}

type conversationInfo struct {
	ConversationID string `json:"conversation_id"`
	SourceFile     string `json:"source_file"`
	TurnCount      int    `json:"turn_count"`
}
