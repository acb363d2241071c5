package llm

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLLMFlag(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantProv string
		wantMod  string
		wantErr  bool
	}{
		{"empty defaults to openai", "", "openai", "gpt-4o-mini", false},
		{"openai model", "openai/gpt-4.1-mini", "openai", "gpt-4.1-mini", false},
		{"openrouter nested model", "openrouter/openai/gpt-4o-mini", "openrouter", "openai/gpt-4o-mini", false},
		{"provider only", "ollama", "ollama", "", false},
		{"unknown provider", "anthropic/claude-4", "", "", true},
		{"bare model name", "gemini-3-flash", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseLLMFlag(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantProv, cfg.Provider)
			assert.Equal(t, tt.wantMod, cfg.Model)
		})
	}
}

func TestNewProviderErrors(t *testing.T) {
	_, err := NewProvider(Config{Provider: "unknown"})
	require.Error(t, err)

	t.Setenv("OPENAI_API_KEY", "")
	_, err = NewProvider(Config{Provider: "openai"})
	require.Error(t, err, "openai without key must fail")

	t.Setenv("OPENROUTER_API_KEY", "")
	_, err = NewProvider(Config{Provider: "openrouter"})
	require.Error(t, err, "openrouter without key must fail")

	p, err := NewProvider(Config{Provider: "ollama"})
	require.NoError(t, err, "ollama runs without a key")
	assert.Equal(t, "ollama/llama3.1", p.Name())
}

func TestNewProvider_EnvKey(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEY", "env-key")
	p, err := NewProvider(Config{Provider: "openrouter", Model: "meta/llama"})
	require.NoError(t, err)
	assert.Equal(t, "openrouter/meta/llama", p.Name())
}

// chatServer fakes the chat-completions endpoint and records requests.
func chatServer(t *testing.T, content string, calls *int32, lastBody *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if r.URL.Path != "/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", got)
		}
		body, _ := io.ReadAll(r.Body)
		if lastBody != nil {
			_ = json.Unmarshal(body, lastBody)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": content}, "finish_reason": "stop"}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIProvider_Complete(t *testing.T) {
	var calls int32
	var body map[string]any
	srv := chatServer(t, "  {\"ok\": true}  ", &calls, &body)

	p, err := NewProvider(Config{Provider: "openai", APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)

	out, err := p.Complete(context.Background(), "hello", CompletionOpts{System: "be terse", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok": true}`, out)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))

	msgs, ok := body["messages"].([]any)
	require.True(t, ok)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	format, ok := body["response_format"].(map[string]any)
	require.True(t, ok, "json format must request a json_object response")
	assert.Equal(t, "json_object", format["type"])
}

func TestOpenAIProvider_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	t.Cleanup(srv.Close)

	p, err := NewProvider(Config{Provider: "openai", APIKey: "test-key", BaseURL: srv.URL})
	require.NoError(t, err)
	_, err = p.Complete(context.Background(), "hello", CompletionOpts{})
	require.Error(t, err)
}

func TestOpenAIProvider_RateLimitHonorsContext(t *testing.T) {
	var calls int32
	srv := chatServer(t, "ok", &calls, nil)

	p, err := NewProvider(Config{Provider: "openai", APIKey: "test-key", BaseURL: srv.URL, RatePerSec: 0.001, Burst: 1})
	require.NoError(t, err)

	_, err = p.Complete(context.Background(), "first", CompletionOpts{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.Complete(ctx, "second", CompletionOpts{})
	require.Error(t, err, "second call must wait on the limiter and see the cancelled context")
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}
