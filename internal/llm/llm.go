// Package llm wraps the language-model providers behind a single prompt-in, text-out Caller.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"

	DefaultOpenAIModel    = "gpt-4o"
	DefaultAnthropicModel = "claude-3-5-sonnet-20241022"

	defaultTimeout = 90 * time.Second
)

var (
	// ErrUnknownProvider is returned by New for providers other than openai and anthropic.
	ErrUnknownProvider = errors.New("unknown llm provider")
	// ErrMissingAPIKey is returned by New when neither the config nor the environment carries a key.
	ErrMissingAPIKey = errors.New("llm api key is empty")
)

// Caller sends one system+user prompt pair and returns the raw response text.
// Transport and auth failures are returned as errors; any text is a successful call.
type Caller interface {
	Call(ctx context.Context, system, user string) (string, error)
}

// CallerFunc adapts a function to Caller.
type CallerFunc func(ctx context.Context, system, user string) (string, error)

func (f CallerFunc) Call(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

// Config selects and tunes a provider.
type Config struct {
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
	APIKey      string
	BaseURL     string
	Timeout     time.Duration
}

// Normalize fills provider-dependent defaults and the API key from the environment.
func (c Config) Normalize() Config {
	c.Provider = strings.ToLower(strings.TrimSpace(c.Provider))
	if c.Provider == "" {
		c.Provider = ProviderOpenAI
	}
	if strings.TrimSpace(c.Model) == "" {
		switch c.Provider {
		case ProviderAnthropic:
			c.Model = DefaultAnthropicModel
		default:
			c.Model = DefaultOpenAIModel
		}
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	c.APIKey = strings.TrimSpace(c.APIKey)
	if c.APIKey == "" {
		switch c.Provider {
		case ProviderOpenAI:
			c.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
		case ProviderAnthropic:
			c.APIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
		}
	}
	return c
}

// New builds the provider client for cfg, wrapped with call logging.
func New(cfg Config, logger zerolog.Logger) (Caller, error) {
	cfg = cfg.Normalize()

	var caller Caller
	switch cfg.Provider {
	case ProviderOpenAI:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: set llm.api_key or OPENAI_API_KEY", ErrMissingAPIKey)
		}
		caller = NewOpenAI(cfg, &http.Client{Timeout: cfg.Timeout})
	case ProviderAnthropic:
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("%w: set llm.api_key or ANTHROPIC_API_KEY", ErrMissingAPIKey)
		}
		caller = NewAnthropic(cfg, &http.Client{Timeout: cfg.Timeout})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	return WithLogging(caller, logger, cfg.Provider, cfg.Model), nil
}
