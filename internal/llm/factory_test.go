package llm

import (
	"errors"
	"testing"
	"time"

	"arcbot/internal/domain"
)

func withEnv(t *testing.T, env map[string]string) {
	t.Helper()
	orig := lookupEnv
	t.Cleanup(func() { lookupEnv = orig })
	lookupEnv = func(k string) string { return env[k] }
}

// =============================================================================
// NewProvider
// =============================================================================

func TestNewProvider_WhenKindEmptyOrLocal_ShouldReturnLocal(t *testing.T) {
	for _, kind := range []string{"", "local", "LOCAL"} {
		p, err := NewProvider(domain.ProviderConfig{Kind: kind})
		if err != nil {
			t.Fatalf("kind %q: %v", kind, err)
		}
		if _, ok := p.(*LocalProvider); !ok {
			t.Errorf("kind %q: want *LocalProvider, got %T", kind, p)
		}
	}
}

func TestNewProvider_WhenOpenAIKeyConfigured_ShouldReturnOpenAIStream(t *testing.T) {
	withEnv(t, nil)
	p, err := NewProvider(domain.ProviderConfig{Kind: "openai", Model: "gpt-4o-mini", APIKey: "sk-1"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, ok := p.(*OpenAIStream); !ok || p.Name() != "openai" {
		t.Errorf("want openai stream, got %T %s", p, p.Name())
	}
}

func TestNewProvider_WhenKeyFromEnvironment_ShouldUseIt(t *testing.T) {
	withEnv(t, map[string]string{"ANTHROPIC_API_KEY": "sk-ant"})
	p, err := NewProvider(domain.ProviderConfig{Kind: "anthropic", Model: "claude"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if _, ok := p.(*AnthropicStream); !ok {
		t.Errorf("want *AnthropicStream, got %T", p)
	}
}

func TestNewProvider_WhenKeyMissing_ShouldReturnError(t *testing.T) {
	withEnv(t, nil)
	if _, err := NewProvider(domain.ProviderConfig{Kind: "openrouter"}); err == nil {
		t.Fatal("expected error for missing key")
	}
}

func TestNewProvider_WhenSeveralKeys_ShouldReturnKeyPoolProvider(t *testing.T) {
	withEnv(t, nil)
	p, err := NewProvider(domain.ProviderConfig{Kind: "openai", APIKey: "a, b ,,c"})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	kpp, ok := p.(*KeyPoolProvider)
	if !ok {
		t.Fatalf("want *KeyPoolProvider, got %T", p)
	}
	if kpp.pool.Len() != 3 {
		t.Errorf("want 3 keys, got %d", kpp.pool.Len())
	}
}

func TestNewProvider_WhenKeyPoolFails_ShouldReturnError(t *testing.T) {
	withEnv(t, nil)
	orig := newKeyPoolFunc
	t.Cleanup(func() { newKeyPoolFunc = orig })
	newKeyPoolFunc = func([]string, time.Duration) (*KeyPool, error) { return nil, errors.New("boom") }

	if _, err := NewProvider(domain.ProviderConfig{Kind: "openai", APIKey: "a,b"}); err == nil {
		t.Fatal("expected key pool error")
	}
}

func TestNewProvider_WhenOllama_ShouldNotNeedKey(t *testing.T) {
	withEnv(t, nil)
	p, err := NewProvider(domain.ProviderConfig{Kind: "ollama", Model: "llama3"})
	if err != nil || p.Name() != "ollama" {
		t.Fatalf("want ollama provider, got %v err=%v", p, err)
	}
}

func TestNewProvider_WhenUnknownKind_ShouldReturnError(t *testing.T) {
	if _, err := NewProvider(domain.ProviderConfig{Kind: "gpt-9000"}); err == nil {
		t.Fatal("expected error")
	}
}

// =============================================================================
// splitKeys
// =============================================================================

func TestSplitKeys_ShouldTrimAndDropEmpty(t *testing.T) {
	cases := map[string]int{"one": 1, " a , b ,c ": 3, "a,,b,": 2, ",,,": 0, "": 0}
	for raw, want := range cases {
		if got := splitKeys(raw); len(got) != want {
			t.Errorf("splitKeys(%q): want %d keys, got %v", raw, want, got)
		}
	}
}
