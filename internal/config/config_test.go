package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/tetraminz/bbn_annotator/internal/annotation"
	"github.com/tetraminz/bbn_annotator/internal/llm"
)

type ConfigTestSuite struct {
	suite.Suite
	dir string
}

func (s *ConfigTestSuite) SetupTest() {
	s.dir = s.T().TempDir()
	for _, key := range []string{
		"LLM_PROVIDER", "LLM_MODEL", "LLM_API_KEY", "AGENT_TYPE", "STORAGE_DB_PATH",
		"STORAGE_USE_DATABASE", "OPENAI_API_KEY", "ANTHROPIC_API_KEY",
	} {
		s.T().Setenv(key, "")
		os.Unsetenv(key)
	}
}

func (s *ConfigTestSuite) writeFile(name, body string) string {
	path := filepath.Join(s.dir, name)
	s.Require().NoError(os.WriteFile(path, []byte(body), 0o644))
	return path
}

func (s *ConfigTestSuite) TestDefaults() {
	cfg, err := Load(filepath.Join(s.dir, "absent.yaml"))
	s.Require().NoError(err)
	s.Empty(cfg.File)

	s.Equal(llm.ProviderOpenAI, cfg.LLM.Provider)
	s.Equal(0.1, cfg.LLM.Temperature)
	s.Equal(4096, cfg.LLM.MaxTokens)
	s.Equal(90*time.Second, cfg.LLM.Timeout)
	s.Equal(annotation.AgentReact, cfg.Agent.Type)
	s.True(cfg.Agent.IncludeRelations)
	s.True(cfg.Agent.Parallel)
	s.Equal(5, cfg.Agent.ContextTurns)
	s.False(cfg.Reconcile.Strict)
	s.Equal("data/annotations.db", cfg.Storage.DBPath)
	s.Equal("output", cfg.Storage.OutputDir)
	s.Equal(20, cfg.Review.MaxUndoHistory)
	s.Equal("console", cfg.Log.Format)
	s.NoError(cfg.Validate())

	s.Equal("gpt-4o", cfg.LLMClient().Model)
}

func (s *ConfigTestSuite) TestFileValues() {
	path := s.writeFile("bbn.yaml", `
llm:
  provider: anthropic
  timeout: 30s
agent:
  type: multi_agent
  parallel: false
reconcile:
  strict: true
storage:
  use_database: true
  db_path: /tmp/x.db
`)
	cfg, err := Load(path)
	s.Require().NoError(err)
	s.Equal(path, cfg.File)
	s.Equal(llm.ProviderAnthropic, cfg.LLM.Provider)
	s.Equal(30*time.Second, cfg.LLM.Timeout)
	s.Equal(annotation.AgentMultiAgent, cfg.Agent.Type)
	s.False(cfg.Agent.Parallel)
	s.True(cfg.Policy().Strict)

	opts := cfg.StorageOptions()
	s.True(opts.UseDatabase)
	s.Equal("/tmp/x.db", opts.DBPath)

	client := cfg.LLMClient()
	s.Equal("claude-3-5-sonnet-20241022", client.Model)
}

func (s *ConfigTestSuite) TestEnvironmentOverridesFile() {
	path := s.writeFile("bbn.yaml", "llm:\n  model: gpt-4o-mini\n")
	s.T().Setenv("LLM_MODEL", "gpt-4.1")
	s.T().Setenv("STORAGE_DB_PATH", "/var/lib/bbn.db")

	cfg, err := Load(path)
	s.Require().NoError(err)
	s.Equal("gpt-4.1", cfg.LLM.Model)
	s.Equal("/var/lib/bbn.db", cfg.Storage.DBPath)
}

func (s *ConfigTestSuite) TestAPIKeyFallsBackToProviderEnv() {
	s.T().Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	s.T().Setenv("LLM_PROVIDER", "anthropic")

	cfg, err := Load("")
	s.Require().NoError(err)
	s.Equal("sk-ant-test", cfg.LLMClient().APIKey)
}

func (s *ConfigTestSuite) TestValidateRejectsUnknownValues() {
	cfg, err := Load(filepath.Join(s.dir, "absent.yaml"))
	s.Require().NoError(err)

	bad := cfg
	bad.LLM.Provider = "mistral"
	s.True(errors.Is(bad.Validate(), llm.ErrUnknownProvider))

	bad = cfg
	bad.Agent.Type = "swarm"
	s.ErrorContains(bad.Validate(), "unknown agent type")

	bad = cfg
	bad.Log.Format = "xml"
	s.ErrorContains(bad.Validate(), "unknown log format")
}

func (s *ConfigTestSuite) TestTaxonomyOverride() {
	cfg, err := Load(filepath.Join(s.dir, "absent.yaml"))
	s.Require().NoError(err)

	taxonomy, err := cfg.Taxonomy()
	s.Require().NoError(err)
	s.Len(taxonomy.Patient, 6)

	cfg.Labels.TaxonomyFile = s.writeFile("labels.yaml", `
patient:
  - name: worry
    description: Patient voices a worry
    group: Feelings
`)
	taxonomy, err = cfg.Taxonomy()
	s.Require().NoError(err)
	s.Require().Len(taxonomy.Patient, 1)
	s.Equal("worry", taxonomy.Patient[0].Name)
	s.NotEmpty(taxonomy.Clinician)

	cfg.Labels.TaxonomyFile = filepath.Join(s.dir, "missing.yaml")
	_, err = cfg.Taxonomy()
	s.Error(err)
}

func (s *ConfigTestSuite) TestMalformedFileIsAnError() {
	path := s.writeFile("broken.yaml", "llm: [unclosed\n")
	_, err := Load(path)
	s.Error(err)
}

func TestConfigTestSuite(t *testing.T) {
	suite.Run(t, new(ConfigTestSuite))
}
