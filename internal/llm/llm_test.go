package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRejectsUnknownProvider(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Provider: "cohere", APIKey: "k"}, zerolog.Nop())
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")

	_, err := New(Config{Provider: ProviderOpenAI}, zerolog.Nop())
	require.ErrorIs(t, err, ErrMissingAPIKey)

	_, err = New(Config{Provider: ProviderAnthropic}, zerolog.Nop())
	require.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestNormalizeDefaults(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "env-key")

	cfg := Config{Provider: " Anthropic "}.Normalize()
	assert.Equal(t, ProviderAnthropic, cfg.Provider)
	assert.Equal(t, DefaultAnthropicModel, cfg.Model)
	assert.Equal(t, "env-key", cfg.APIKey)
	assert.Equal(t, 4096, cfg.MaxTokens)
	assert.Equal(t, 90*time.Second, cfg.Timeout)

	cfg = Config{}.Normalize()
	assert.Equal(t, ProviderOpenAI, cfg.Provider)
	assert.Equal(t, DefaultOpenAIModel, cfg.Model)
}

func TestAnthropicCallReturnsFirstTextBlock(t *testing.T) {
	t.Parallel()

	var captured map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "msg_01",
			"type": "message",
			"role": "assistant",
			"model": "claude-3-5-sonnet-20241022",
			"content": [{"type": "text", "text": "{\"spikes_stage\": \"empathy\"}"}],
			"stop_reason": "end_turn",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`)
	}))
	defer server.Close()

	client := NewAnthropic(Config{Provider: ProviderAnthropic, APIKey: "k", BaseURL: server.URL, MaxTokens: 256}, server.Client())
	got, err := client.Call(context.Background(), "system text", "user text")
	require.NoError(t, err)
	assert.Equal(t, `{"spikes_stage": "empathy"}`, got)

	require.NotNil(t, captured)
	assert.Equal(t, DefaultAnthropicModel, captured["model"])
	assert.EqualValues(t, 256, captured["max_tokens"])
	system, ok := captured["system"].([]any)
	require.True(t, ok)
	assert.Equal(t, "system text", system[0].(map[string]any)["text"])
}

func TestAnthropicCallPropagatesHTTPFailure(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`)
	}))
	defer server.Close()

	client := NewAnthropic(Config{Provider: ProviderAnthropic, APIKey: "bad", BaseURL: server.URL}, server.Client())
	_, err := client.Call(context.Background(), "s", "u")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "anthropic request failed")
}

func TestWithRateLimitWaitsAndForwards(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	inner := CallerFunc(func(ctx context.Context, system, user string) (string, error) {
		calls.Add(1)
		return system + "|" + user, nil
	})

	limited := WithRateLimit(inner, NewLimiter(1000, 1))
	for i := 0; i < 3; i++ {
		got, err := limited.Call(context.Background(), "s", "u")
		require.NoError(t, err)
		assert.Equal(t, "s|u", got)
	}
	assert.EqualValues(t, 3, calls.Load())

	assert.Nil(t, NewLimiter(0, 1))
	assert.NotNil(t, WithRateLimit(inner, nil))
}

func TestWithRateLimitHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	inner := CallerFunc(func(ctx context.Context, system, user string) (string, error) {
		t.Fatalf("inner caller must not run")
		return "", nil
	})
	limiter := NewLimiter(0.001, 1)
	require.True(t, limiter.Allow())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := WithRateLimit(inner, limiter).Call(ctx, "s", "u")
	require.Error(t, err)
}

func TestWithLoggingPassesErrorsThrough(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	inner := CallerFunc(func(ctx context.Context, system, user string) (string, error) {
		return "", boom
	})
	_, err := WithLogging(inner, zerolog.Nop(), ProviderOpenAI, "gpt-4o").Call(context.Background(), "s", "u")
	require.ErrorIs(t, err, boom)
}
