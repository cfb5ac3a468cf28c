package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"arcbot/internal/brain"
	"arcbot/internal/chat"
	"arcbot/internal/config"
	arcctx "arcbot/internal/context"
	"arcbot/internal/db"
	"arcbot/internal/domain"
	"arcbot/internal/emoji"
	"arcbot/internal/events"
	"arcbot/internal/llm"
	"arcbot/internal/metrics"
	"arcbot/internal/music"
	"arcbot/internal/notebook"
	"arcbot/internal/parser"
	"arcbot/internal/persona"
	"arcbot/internal/prompt"
	"arcbot/internal/queue"
	"arcbot/internal/retry"
	"arcbot/internal/session"
	"arcbot/internal/tokenizer"
	"arcbot/internal/tooling"
	"arcbot/internal/transcript"
)

// webFetchTimeout bounds one parse_web page fetch.
const webFetchTimeout = 15 * time.Second

// app is the fully wired turn pipeline.
type app struct {
	cfg      *domain.Config
	logger   *slog.Logger
	db       *sql.DB
	personas *persona.Registry
	emoji    *emoji.Catalog
	events   *events.SQLStore
	metrics  *metrics.Metrics
	registry *prometheus.Registry
	chat     *chat.Service
}

// loadConfig reads path, falling back to defaults when the file does not
// exist, and validates the result.
func loadConfig(path string, logger *slog.Logger) (*domain.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("no config file, using defaults", "path", path)
		cfg = config.Default()
	} else if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newApp connects storage and wires every component. The caller must Close it.
func newApp(ctx context.Context, cfg *domain.Config, logger *slog.Logger) (*app, error) {
	conn, err := db.Connect(cfg.Paths.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	a := &app{cfg: cfg, logger: logger, db: conn, registry: prometheus.NewRegistry()}
	if err := a.wire(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg, logger := a.cfg, a.logger
	a.metrics = metrics.New(a.registry)

	list, err := persona.LoadFile(cfg.Paths.Personas)
	if err != nil {
		return err
	}
	a.personas = persona.NewRegistry(list,
		persona.WithLogger(logger),
		persona.WithRoleStore(persona.NewSQLRoleStore(a.db)),
	)
	if err := a.personas.Restore(ctx); err != nil {
		logger.Warn("restore active personas failed", "error", err)
	}

	catalog, err := emoji.Load(cfg.Paths.EmojiCatalog)
	if err != nil {
		return err
	}
	a.emoji = catalog
	notes := notebook.NewSQLStore(a.db)
	a.events = events.NewSQLStore(a.db, events.WithLogger(logger), events.WithMaxActive(cfg.Events.MaxActive))
	history := transcript.NewSQLStore(a.db)

	resolver := music.NewHTTPResolver(cfg.Music.SearchURL,
		music.WithLogger(logger),
		music.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.Music.TimeoutMs) * time.Millisecond}),
		music.WithRetry(retry.FromDomain(cfg.Retry, cfg.Music.Retries)),
	)

	toolset := []domain.Tool{
		tooling.NewGetContextTool(history, cfg.BotID),
		tooling.NewSearchContextTool(history, cfg.BotID),
		tooling.NewParseWebTool(tooling.NewDefaultHTTPFetcher(webFetchTimeout)),
	}
	if cfg.Web.SearchURL != "" {
		poster := tooling.NewDefaultHTTPFetcher(time.Duration(cfg.Web.TimeoutMs) * time.Millisecond)
		toolset = append(toolset, tooling.NewSearchWebTool(poster, cfg.Web.SearchURL))
	}
	tools := tooling.NewToolRegistry()
	for _, t := range toolset {
		if err := tools.Register(t); err != nil {
			return err
		}
	}

	estimator, err := tokenizer.New(cfg.Context.Tokenizer, cfg.Context.Encoding)
	if err != nil {
		return err
	}
	provider, err := llm.NewProvider(cfg.Provider)
	if err != nil {
		return err
	}
	var fallbacks []domain.StreamingProvider
	for i, fc := range cfg.Fallbacks {
		p, err := llm.NewProvider(fc)
		if err != nil {
			logger.Warn("skipping fallback provider", "index", i, "kind", fc.Kind, "error", err)
			continue
		}
		fallbacks = append(fallbacks, p)
	}

	store := session.NewFileStore(cfg.Paths.Data, session.WithLogger(logger))
	orch := brain.New(provider,
		arcctx.NewBudgeter(estimator, arcctx.WithLogger(logger)),
		store,
		brain.WithLogger(logger),
		brain.WithConfig(brain.ConfigFromDomain(cfg.Orchestrator, cfg.Context)),
		brain.WithFallbacks(fallbacks...),
		brain.WithTools(tools),
		brain.WithMetrics(a.metrics),
	)
	p := parser.New(parser.Deps{
		Personas: a.personas,
		Notebook: notes,
		Events:   a.events,
		Emoji:    catalog,
		Music:    resolver,
	}, parser.WithLogger(logger))
	builder := prompt.NewBuilder(a.personas,
		prompt.WithLogger(logger),
		prompt.WithNotebook(notes),
		prompt.WithEvents(a.events),
		prompt.WithEmoji(catalog),
		prompt.WithTools(tools),
	)

	opts := []chat.Option{chat.WithLogger(logger)}
	if cfg.Group.ChainEcho {
		opts = append(opts, chat.WithChainEcho(cfg.Group.EchoChance))
	}
	a.chat = chat.NewService(chat.Deps{
		Orchestrator: orch,
		Parser:       p,
		Prompt:       builder,
		Store:        store,
		Personas:     a.personas,
		Queue:        queue.NewChatQueue(),
		Transcript:   history,
		Metrics:      a.metrics,
		BotID:        cfg.BotID,
	}, opts...)
	return nil
}

// Close releases the database.
func (a *app) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
