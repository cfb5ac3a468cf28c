// Package llm adapts text-generation backends to domain.StreamingProvider.
package llm

import (
	"fmt"
	"os"
	"strings"
	"time"

	"arcbot/internal/domain"
)

// defaultCooldownDuration is the time a rate-limited key stays in cooldown.
const defaultCooldownDuration = 60 * time.Second

// OpenAI-compatible endpoints selectable by kind.
const (
	openRouterBaseURL = "https://openrouter.ai/api/v1"
	ollamaBaseURL     = "http://localhost:11434/v1"
)

// lookupEnv reads API keys from the environment. Tests may override it.
var lookupEnv = os.Getenv

// newKeyPoolFunc is the KeyPool constructor. Package-level var for test injection.
var newKeyPoolFunc = NewKeyPool

// NewProvider builds the provider selected by cfg.Kind: "local", "openai",
// "openrouter", "ollama" or "anthropic". Empty kind means "local". The API
// key falls back to <KIND>_API_KEY in the environment; several
// comma-separated keys are rotated through a KeyPoolProvider.
func NewProvider(cfg domain.ProviderConfig) (domain.StreamingProvider, error) {
	kind := strings.ToLower(cfg.Kind)
	switch kind {
	case "", "local":
		return NewLocalProvider("Local: "), nil
	case "ollama":
		return NewOpenAIStream(kind, "ollama", baseURLOr(cfg.BaseURL, ollamaBaseURL), cfg.Model, cfg.MaxTokens), nil
	case "openai", "openrouter":
		base := cfg.BaseURL
		if kind == "openrouter" {
			base = baseURLOr(base, openRouterBaseURL)
		}
		return resolveKeyedProvider(kind, cfg.APIKey, func(key string) domain.StreamingProvider {
			return NewOpenAIStream(kind, key, base, cfg.Model, cfg.MaxTokens)
		})
	case "anthropic":
		return resolveKeyedProvider(kind, cfg.APIKey, func(key string) domain.StreamingProvider {
			return NewAnthropicStream(key, cfg.BaseURL, cfg.Model, cfg.MaxTokens)
		})
	default:
		return nil, fmt.Errorf("llm: unknown provider %q (use: local, openai, openrouter, ollama, anthropic)", cfg.Kind)
	}
}

func baseURLOr(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

// splitKeys splits a raw secret value by commas, trims whitespace, and filters empty entries.
func splitKeys(raw string) []string {
	parts := strings.Split(raw, ",")
	keys := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			keys = append(keys, trimmed)
		}
	}
	return keys
}

// resolveKeyedProvider returns a single provider for one key or a
// KeyPoolProvider for several.
func resolveKeyedProvider(kind, configured string, makeProvider func(key string) domain.StreamingProvider) (domain.StreamingProvider, error) {
	raw := configured
	envName := strings.ToUpper(kind) + "_API_KEY"
	if raw == "" {
		raw = lookupEnv(envName)
	}
	keys := splitKeys(raw)
	if len(keys) == 0 {
		return nil, fmt.Errorf("llm: %s API key not set (provider.apiKey or %s)", kind, envName)
	}
	if len(keys) == 1 {
		return makeProvider(keys[0]), nil
	}
	pool, err := newKeyPoolFunc(keys, defaultCooldownDuration)
	if err != nil {
		return nil, fmt.Errorf("llm: %s key pool: %w", kind, err)
	}
	providers := make([]domain.StreamingProvider, len(keys))
	for i, k := range keys {
		providers[i] = makeProvider(k)
	}
	return NewKeyPoolProvider(pool, providers)
}
