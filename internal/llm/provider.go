// Package llm provides a provider-agnostic LLM adapter for capmap.
// Used by the LLM extractor, the LLM router, and the LLM explainer.
// Every supported provider speaks the OpenAI chat-completions protocol.
package llm

import (
	"context"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// Provider is the interface for LLM completions.
type Provider interface {
	// Complete sends a prompt and returns the response text.
	Complete(ctx context.Context, prompt string, opts CompletionOpts) (string, error)
	// Name returns a human-readable provider name (e.g., "openai/gpt-4o-mini").
	Name() string
}

// CompletionOpts configures a single completion request.
type CompletionOpts struct {
	MaxTokens   int     // Max tokens to generate (0 = provider default)
	Temperature float64 // 0.0-2.0 (0 = deterministic)
	Model       string  // Override model for this request (empty = use provider default)
	Format      string  // "json" for structured output, empty for plain text
	System      string  // System prompt (optional)
}

// Config holds provider configuration.
type Config struct {
	Provider   string  // "openai", "openrouter", "google", "ollama"
	Model      string  // e.g., "gpt-4o-mini", "openai/gpt-4o-mini"
	APIKey     string  // API key (empty = read from env)
	BaseURL    string  // Optional URL override
	RatePerSec float64 // Request rate limit (0 = unlimited)
	Burst      int     // Limiter burst (default 1)
}

type providerDefaults struct {
	baseURL string
	model   string
	envKeys []string
	keyless bool
}

var knownProviders = map[string]providerDefaults{
	"openai": {
		baseURL: "https://api.openai.com/v1",
		model:   "gpt-4o-mini",
		envKeys: []string{"OPENAI_API_KEY"},
	},
	"openrouter": {
		baseURL: "https://openrouter.ai/api/v1",
		model:   "openai/gpt-4o-mini",
		envKeys: []string{"OPENROUTER_API_KEY"},
	},
	"google": {
		baseURL: "https://generativelanguage.googleapis.com/v1beta/openai",
		model:   "gemini-2.5-flash",
		envKeys: []string{"GEMINI_API_KEY", "GOOGLE_API_KEY"},
	},
	"ollama": {
		baseURL: "http://localhost:11434/v1",
		model:   "llama3.1",
		keyless: true,
	},
}

// NewProvider creates an LLM provider from the given config.
func NewProvider(cfg Config) (Provider, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	def, ok := knownProviders[name]
	if !ok {
		return nil, eris.Errorf("unknown LLM provider: %q (supported: openai, openrouter, google, ollama)", cfg.Provider)
	}

	key := strings.TrimSpace(cfg.APIKey)
	for _, env := range def.envKeys {
		if key != "" {
			break
		}
		key = strings.TrimSpace(os.Getenv(env))
	}
	if key == "" && !def.keyless {
		return nil, eris.Errorf("%s provider requires one of %s", name, strings.Join(def.envKeys, ", "))
	}

	model := cfg.Model
	if model == "" {
		model = def.model
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = def.baseURL
	}
	return newOpenAIProvider(name, model, key, baseURL, cfg.RatePerSec, cfg.Burst), nil
}

// ParseLLMFlag parses a --llm flag value into a Config.
// Format: "provider/model" e.g., "openai/gpt-4o-mini", "openrouter/openai/gpt-4o-mini".
func ParseLLMFlag(flag string) (Config, error) {
	if flag == "" {
		return Config{Provider: "openai", Model: "gpt-4o-mini"}, nil
	}

	parts := strings.SplitN(flag, "/", 2)
	provider := strings.ToLower(parts[0])
	if _, ok := knownProviders[provider]; !ok {
		return Config{}, eris.Errorf("unknown provider %q in --llm flag (supported: openai, openrouter, google, ollama)", provider)
	}
	if len(parts) < 2 || parts[1] == "" {
		return Config{Provider: provider}, nil
	}
	return Config{Provider: provider, Model: parts[1]}, nil
}
