// Package config loads annotator settings from an optional YAML file, defaults and the
// environment. Environment variables use the key path in upper case with '.' replaced
// by '_' (LLM_PROVIDER, STORAGE_DB_PATH, ...).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
	"github.com/tetraminz/bbn_annotator/internal/llm"
	"github.com/tetraminz/bbn_annotator/internal/storage"
)

// Config stores all configuration of the annotator.
type Config struct {
	LLM       LLMConfig       `mapstructure:"llm"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
	Labels    LabelsConfig    `mapstructure:"labels"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Review    ReviewConfig    `mapstructure:"review"`
	Log       LogConfig       `mapstructure:"log"`

	// File is the config file that was read, empty when defaults and env only.
	File string `mapstructure:"-"`
}

type LLMConfig struct {
	Provider          string        `mapstructure:"provider"`
	Model             string        `mapstructure:"model"`
	Temperature       float64       `mapstructure:"temperature"`
	MaxTokens         int           `mapstructure:"max_tokens"`
	Timeout           time.Duration `mapstructure:"timeout"`
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

type AgentConfig struct {
	Type             string `mapstructure:"type"`
	IncludeRelations bool   `mapstructure:"include_relations"`
	Parallel         bool   `mapstructure:"parallel"`
	ContextTurns     int    `mapstructure:"context_turns"`
}

type ReconcileConfig struct {
	Strict            bool `mapstructure:"strict"`
	NearestOccurrence bool `mapstructure:"nearest_occurrence"`
}

type LabelsConfig struct {
	TaxonomyFile string `mapstructure:"taxonomy_file"`
}

type StorageConfig struct {
	UseDatabase bool   `mapstructure:"use_database"`
	DBPath      string `mapstructure:"db_path"`
	DataDir     string `mapstructure:"data_dir"`
	SamplesDir  string `mapstructure:"samples_dir"`
	OutputDir   string `mapstructure:"output_dir"`
}

type ReviewConfig struct {
	MaxUndoHistory int `mapstructure:"max_undo_history"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("llm.provider", llm.ProviderOpenAI)
	// Empty model: the provider default is chosen by llm.Config.Normalize.
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.temperature", 0.1)
	v.SetDefault("llm.max_tokens", 4096)
	v.SetDefault("llm.timeout", "90s")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.requests_per_second", 0)
	v.SetDefault("llm.burst", 1)

	v.SetDefault("agent.type", annotation.AgentReact)
	v.SetDefault("agent.include_relations", true)
	v.SetDefault("agent.parallel", true)
	v.SetDefault("agent.context_turns", 5)

	v.SetDefault("reconcile.strict", false)
	v.SetDefault("reconcile.nearest_occurrence", false)

	v.SetDefault("labels.taxonomy_file", "")

	v.SetDefault("storage.use_database", false)
	v.SetDefault("storage.db_path", "data/annotations.db")
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("storage.samples_dir", "data/samples")
	v.SetDefault("storage.output_dir", "output")

	v.SetDefault("review.max_undo_history", 20)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// Load reads path when given, otherwise bbn_annotator.yaml from the working directory or
// ./config. A missing file is not an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	if strings.TrimSpace(path) != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("bbn_annotator")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("config")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	file := ""
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		file = v.ConfigFileUsed()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = file
	return cfg, nil
}

// Validate rejects unknown providers, agent types and log formats.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.LLM.Provider)) {
	case llm.ProviderOpenAI, llm.ProviderAnthropic:
	default:
		return fmt.Errorf("%w: %q", llm.ErrUnknownProvider, c.LLM.Provider)
	}
	switch c.Agent.Type {
	case annotation.AgentReact, annotation.AgentMultiAgent:
	default:
		return fmt.Errorf("unknown agent type %q (want %s or %s)", c.Agent.Type, annotation.AgentReact, annotation.AgentMultiAgent)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Log.Format)
	}
	if c.LLM.RequestsPerSecond < 0 {
		return errors.New("llm.requests_per_second must be >= 0")
	}
	return nil
}

// LLMClient returns the model-call settings.
func (c Config) LLMClient() llm.Config {
	return llm.Config{
		Provider:    c.LLM.Provider,
		Model:       c.LLM.Model,
		Temperature: c.LLM.Temperature,
		MaxTokens:   c.LLM.MaxTokens,
		APIKey:      c.LLM.APIKey,
		BaseURL:     c.LLM.BaseURL,
		Timeout:     c.LLM.Timeout,
	}.Normalize()
}

func (c Config) Policy() annotation.Policy {
	return annotation.Policy{
		Strict:            c.Reconcile.Strict,
		NearestOccurrence: c.Reconcile.NearestOccurrence,
	}
}

func (c Config) StorageOptions() storage.Options {
	return storage.Options{
		UseDatabase: c.Storage.UseDatabase,
		DBPath:      c.Storage.DBPath,
		DataDir:     c.Storage.DataDir,
		OutputDir:   c.Storage.OutputDir,
	}
}

// Taxonomy returns the built-in taxonomy, or the one in labels.taxonomy_file when set.
func (c Config) Taxonomy() (annotation.Taxonomy, error) {
	path := strings.TrimSpace(c.Labels.TaxonomyFile)
	if path == "" {
		return annotation.DefaultTaxonomy(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return annotation.Taxonomy{}, fmt.Errorf("open taxonomy %q: %w", path, err)
	}
	defer f.Close()

	taxonomy, err := annotation.LoadTaxonomy(f)
	if err != nil {
		return annotation.Taxonomy{}, fmt.Errorf("load taxonomy %q: %w", path, err)
	}
	return taxonomy, nil
}
