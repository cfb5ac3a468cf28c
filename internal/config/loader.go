// Package config loads arcbot.json. Missing sections fall back to Default.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"

	"arcbot/internal/domain"
	"arcbot/internal/retry"
)

// marshalIndent and writeFile are used by WriteDefault and Save; tests may replace to force errors.
var (
	marshalIndent = json.MarshalIndent
	writeFile     = os.WriteFile
)

// DefaultPath is used when neither a flag nor ARCBOT_CONFIG names a file.
const DefaultPath = "arcbot.json"

var (
	providerKinds  = []string{"", "local", "openai", "openrouter", "ollama", "anthropic"}
	tokenizerKinds = []string{"", "heuristic", "tiktoken"}
	logFormats     = []string{"", "text", "json"}
	logLevels      = []string{"", "debug", "info", "warn", "error"}
)

// Default returns the configuration written by WriteDefault.
func Default() *domain.Config {
	return &domain.Config{
		Provider: domain.ProviderConfig{Kind: "local", Model: "gpt-4o-mini", MaxTokens: 1024},
		Context:  domain.ContextConfig{Budget: 6000, Tokenizer: "heuristic", Encoding: "cl100k_base"},
		Orchestrator: domain.OrchestratorConfig{
			MaxRetries:    3,
			ToolTimeoutMs: 10000,
			Apology:       "Sorry, I got stuck looking things up. Could you ask me again?",
		},
		Paths: domain.PathsConfig{
			Data:         "data",
			Personas:     "personas.yaml",
			EmojiCatalog: "emoji.json",
			DatabaseURL:  "file:arcbot.db",
		},
		Gateway: domain.GatewayConfig{Port: 8080},
		Music:   domain.MusicConfig{SearchURL: "http://localhost:3000/search", TimeoutMs: 5000, Retries: 1},
		Web:     domain.WebConfig{SearchURL: "https://uapis.cn/api/v1/search/aggregate", TimeoutMs: 10000},
		Group:   domain.GroupConfig{ChainEcho: true, EchoChance: 0.5},
		Events:  domain.EventsConfig{MaxActive: 50, TTLMinutes: 180, SweepCron: "@every 5m"},
		Infra:   domain.InfraConfig{LogFormat: "text", LogLevel: "info"},
		Retry:   domain.RetryConfig{InitialBackoff: 1000, MaxBackoff: 5000, Multiplier: 2},
	}
}

// WriteDefault writes Default to path (e.g. arcbot.json). Paths are not created.
func WriteDefault(path string) error {
	data, err := marshalIndent(Default(), "", "  ")
	if err != nil {
		return err
	}
	return writeFile(path, data, 0644)
}

// Load reads path over Default, so absent fields keep their defaults, and
// cleans all path fields. The result is not validated.
func Load(path string) (*domain.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}
	c := Default()
	if err := json.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config parse: %w", err)
	}
	CleanPaths(c)
	return c, nil
}

// CleanPaths applies filepath.Clean to all file path fields in cfg to
// prevent path traversal. The database URL is left as is.
func CleanPaths(cfg *domain.Config) {
	if cfg == nil {
		return
	}
	for _, p := range []*string{&cfg.Paths.Data, &cfg.Paths.Personas, &cfg.Paths.EmojiCatalog} {
		if *p != "" {
			*p = filepath.Clean(*p)
		}
	}
}

// Validate reports every invalid field at once.
func Validate(cfg *domain.Config) error {
	if cfg == nil {
		return errors.New("config: nil config")
	}
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("config: "+format, args...))
	}

	if !slices.Contains(providerKinds, strings.ToLower(cfg.Provider.Kind)) {
		bad("provider.kind %q is not one of %s", cfg.Provider.Kind, strings.Join(providerKinds[1:], ", "))
	}
	if cfg.Provider.Kind == "anthropic" && cfg.Provider.Model == "" {
		bad("provider.model is required for anthropic")
	}
	if cfg.Provider.MaxTokens < 0 {
		bad("provider.maxTokens must be >= 0")
	}
	for i, fb := range cfg.Fallbacks {
		if !slices.Contains(providerKinds, strings.ToLower(fb.Kind)) {
			bad("fallbacks[%d].kind %q is not one of %s", i, fb.Kind, strings.Join(providerKinds[1:], ", "))
		}
	}
	if cfg.Context.Budget <= 0 {
		bad("context.budget must be > 0")
	}
	if !slices.Contains(tokenizerKinds, cfg.Context.Tokenizer) {
		bad("context.tokenizer %q is not heuristic or tiktoken", cfg.Context.Tokenizer)
	}
	if cfg.Orchestrator.MaxRetries < 0 {
		bad("orchestrator.maxRetries must be >= 0")
	}
	if cfg.Orchestrator.ToolTimeoutMs < 0 {
		bad("orchestrator.toolTimeoutMs must be >= 0")
	}
	if cfg.Paths.Data == "" {
		bad("paths.data is required")
	}
	if cfg.Gateway.Port < 0 || cfg.Gateway.Port > 65535 {
		bad("gateway.port %d out of range", cfg.Gateway.Port)
	}
	if cfg.Music.TimeoutMs < 0 || cfg.Music.Retries < 0 {
		bad("music.timeoutMs and music.retries must be >= 0")
	}
	if cfg.Web.TimeoutMs < 0 {
		bad("web.timeoutMs must be >= 0")
	}
	if cfg.Group.EchoChance < 0 || cfg.Group.EchoChance > 1 {
		bad("group.echoChance %v must be between 0 and 1", cfg.Group.EchoChance)
	}
	if cfg.Events.MaxActive < 0 || cfg.Events.TTLMinutes < 0 {
		bad("events.maxActive and events.ttlMinutes must be >= 0")
	}
	if cfg.Events.TTLMinutes > 0 {
		if _, err := cron.ParseStandard(cfg.Events.SweepCron); err != nil {
			bad("events.sweepCron: %w", err)
		}
	}
	if !slices.Contains(logFormats, cfg.Infra.LogFormat) {
		bad("infra.logFormat %q is not text or json", cfg.Infra.LogFormat)
	}
	if !slices.Contains(logLevels, strings.ToLower(cfg.Infra.LogLevel)) {
		bad("infra.logLevel %q is not debug, info, warn or error", cfg.Infra.LogLevel)
	}
	if err := retry.FromDomain(cfg.Retry, cfg.Music.Retries).Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Save writes cfg to path as JSON.
func Save(path string, cfg *domain.Config) error {
	if cfg == nil {
		return fmt.Errorf("config save: nil config")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("config save mkdir: %w", err)
	}
	data, err := marshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config save marshal: %w", err)
	}
	if err := writeFile(path, data, 0644); err != nil {
		return fmt.Errorf("config save write: %w", err)
	}
	return nil
}

// NewLogger builds the process logger from the infra section.
func NewLogger(infra domain.InfraConfig, w io.Writer) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(infra.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if infra.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
