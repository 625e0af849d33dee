package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"testing"
)

func TestOpenAICallSendsSystemAndUserMessages(t *testing.T) {
	t.Parallel()

	doer := &fakeHTTPDoer{
		statusCode: http.StatusOK,
		body:       `{"choices":[{"message":{"content":"{\"annotations\": []}"}}]}`,
	}
	client := NewOpenAI(Config{APIKey: "test-api-key", Model: "gpt-4o", Temperature: 0.1, MaxTokens: 512}, doer)

	got, err := client.Call(context.Background(), "system text", "user text")
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if want := `{"annotations": []}`; got != want {
		t.Fatalf("content got %q want %q", got, want)
	}

	if got, want := doer.url, "https://api.openai.com/v1/chat/completions"; got != want {
		t.Fatalf("url got %v want %v", got, want)
	}
	if got, want := doer.authorization, "Bearer test-api-key"; got != want {
		t.Fatalf("authorization got %v want %v", got, want)
	}

	var payload map[string]any
	if err := json.Unmarshal(doer.requestBody, &payload); err != nil {
		t.Fatalf("decode request payload: %v", err)
	}
	if got, want := payload["model"], "gpt-4o"; got != want {
		t.Fatalf("model got %v want %v", got, want)
	}
	if got, want := payload["max_tokens"], float64(512); got != want {
		t.Fatalf("max_tokens got %v want %v", got, want)
	}
	if got, want := payload["temperature"], 0.1; got != want {
		t.Fatalf("temperature got %v want %v", got, want)
	}
	messages, ok := payload["messages"].([]any)
	if !ok || len(messages) != 2 {
		t.Fatalf("messages got %v want two entries", payload["messages"])
	}
	first := messages[0].(map[string]any)
	if first["role"] != "system" || first["content"] != "system text" {
		t.Fatalf("system message got %v", first)
	}
	second := messages[1].(map[string]any)
	if second["role"] != "user" || second["content"] != "user text" {
		t.Fatalf("user message got %v", second)
	}
}

func TestOpenAICallJoinsContentParts(t *testing.T) {
	t.Parallel()

	doer := &fakeHTTPDoer{
		statusCode: http.StatusOK,
		body:       `{"choices":[{"message":{"content":[{"type":"text","text":"{\"a\":"},{"type":"image"},{"type":"text","text":"1}"}]}}]}`,
	}
	client := NewOpenAI(Config{APIKey: "k", BaseURL: "http://local/"}, doer)

	got, err := client.Call(context.Background(), "s", "u")
	if err != nil {
		t.Fatalf("Call error: %v", err)
	}
	if got != `{"a":1}` {
		t.Fatalf("content got %q", got)
	}
	if doer.url != "http://local/v1/chat/completions" {
		t.Fatalf("url got %v", doer.url)
	}
}

func TestOpenAICallErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		statusCode int
		body       string
		wantErr    string
	}{
		{name: "provider message", statusCode: http.StatusUnauthorized, body: `{"error":{"message":"invalid api key"}}`, wantErr: "openai status 401: invalid api key"},
		{name: "raw body", statusCode: http.StatusBadGateway, body: "upstream down", wantErr: "openai status 502: upstream down"},
		{name: "no choices", statusCode: http.StatusOK, body: `{"choices":[]}`, wantErr: "no choices"},
		{name: "refusal", statusCode: http.StatusOK, body: `{"choices":[{"message":{"content":null,"refusal":"cannot help"}}]}`, wantErr: "refusal"},
		{name: "broken json", statusCode: http.StatusOK, body: `{"choices":`, wantErr: "decode openai response"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			client := NewOpenAI(Config{APIKey: "k"}, &fakeHTTPDoer{statusCode: tt.statusCode, body: tt.body})
			_, err := client.Call(context.Background(), "s", "u")
			if err == nil {
				t.Fatalf("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error got %q want substring %q", err.Error(), tt.wantErr)
			}
		})
	}
}

type fakeHTTPDoer struct {
	statusCode    int
	body          string
	url           string
	authorization string
	requestBody   []byte
}

func (f *fakeHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	f.requestBody = append([]byte(nil), body...)
	f.url = req.URL.String()
	f.authorization = req.Header.Get("Authorization")

	return &http.Response{
		StatusCode: f.statusCode,
		Body:       io.NopCloser(strings.NewReader(f.body)),
		Header:     make(http.Header),
	}, nil
}
