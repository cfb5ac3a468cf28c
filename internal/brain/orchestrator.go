// Package brain drives one user turn through the streaming provider. It
// forwards reply chunks as they complete, intercepts tool markers, runs the
// matched tool and re-enters generation with the result, up to a fixed
// number of retries.
//
// The per-request state machine is
//
//	GENERATING -> (TOOL_DETECTED -> EXECUTING -> GENERATING)* -> DONE | FAILED
package brain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	arcctx "arcbot/internal/context"
	"arcbot/internal/domain"
	"arcbot/internal/metrics"
	"arcbot/internal/stream"
	"arcbot/internal/tooling"
)

// State is a step of the per-request state machine.
type State string

const (
	StateGenerating   State = "generating"
	StateToolDetected State = "tool_detected"
	StateExecuting    State = "executing"
	StateDone         State = "done"
	StateFailed       State = "failed"
	StateCanceled     State = "canceled"
)

const (
	DefaultMaxRetries  = 3
	DefaultToolTimeout = 10 * time.Second
	DefaultBudget      = 6000
	DefaultApology     = "Sorry, I got stuck looking things up. Could you ask me again?"
)

// toolResultNote follows every tool result so the model answers from it
// instead of quoting it.
const toolResultNote = "Answer the user with this information. Do not repeat this result or its formatting verbatim."

// Config bounds one request.
type Config struct {
	MaxRetries  int
	ToolTimeout time.Duration
	Budget      int
	Apology     string
}

// ConfigFromDomain maps the orchestrator and context sections of the file
// config, filling zero values with defaults.
func ConfigFromDomain(oc domain.OrchestratorConfig, cc domain.ContextConfig) Config {
	return Config{
		MaxRetries:  oc.MaxRetries,
		ToolTimeout: time.Duration(oc.ToolTimeoutMs) * time.Millisecond,
		Budget:      cc.Budget,
		Apology:     oc.Apology,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.Budget <= 0 {
		c.Budget = DefaultBudget
	}
	if c.Apology == "" {
		c.Apology = DefaultApology
	}
	return c
}

// Request is one user turn. Turns is the stored dialog of the persona with
// the new user turn already appended; System is rebuilt by the caller for
// every request and is never persisted.
type Request struct {
	Chat    domain.ChatContext
	Persona string
	System  string
	Turns   []domain.Turn
}

// Outcome reports how a request ended. Turns is the dialog as persisted.
// Err is set for retry exhaustion, cancellation and persistence failures;
// the caller has already received whatever chunks were produced.
type Outcome struct {
	State    State
	Attempts int
	ToolRuns int
	Turns    []domain.Turn
	Err      error
}

// Option is a functional option for configuring the Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets a structured logger. If l is nil it is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFallbacks adds providers that take over, in order, after the current
// provider fails an attempt. Nil entries are skipped.
func WithFallbacks(providers ...domain.StreamingProvider) Option {
	return func(o *Orchestrator) {
		for _, p := range providers {
			if p != nil {
				o.providers = append(o.providers, p)
			}
		}
	}
}

// WithTools sets the marker tools watched for in the output.
func WithTools(r *tooling.ToolRegistry) Option {
	return func(o *Orchestrator) {
		if r != nil {
			o.tools = r
		}
	}
}

// WithMetrics records turn, retry and tool counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithConfig overrides the default request bounds.
func WithConfig(c Config) Option {
	return func(o *Orchestrator) { o.cfg = c.withDefaults() }
}

// Orchestrator runs user turns. It holds no per-request state and is safe
// for concurrent use by requests of different chats.
type Orchestrator struct {
	providers []domain.StreamingProvider
	budgeter  *arcctx.Budgeter
	store     domain.TurnStore
	tools     *tooling.ToolRegistry
	cfg       Config
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New returns an Orchestrator. Provider, budgeter and store must not be nil.
func New(provider domain.StreamingProvider, budgeter *arcctx.Budgeter, store domain.TurnStore, opts ...Option) *Orchestrator {
	if provider == nil {
		panic("brain: provider must not be nil")
	}
	if budgeter == nil {
		panic("brain: budgeter must not be nil")
	}
	if store == nil {
		panic("brain: store must not be nil")
	}
	o := &Orchestrator{
		providers: []domain.StreamingProvider{provider},
		budgeter:  budgeter,
		store:     store,
		tools:     tooling.NewToolRegistry(),
		cfg:       Config{}.withDefaults(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) log() *slog.Logger {
	if o.logger != nil {
		return o.logger
	}
	return slog.Default()
}

// run is the state of one request.
type run struct {
	req      Request
	dialog   []domain.Turn
	provider int
	attempts int
	retries  int
	toolRuns int
}

// attempt is what one generation produced.
type attempt struct {
	text      string
	withheld  string
	match     tooling.Match
	detected  bool
	forwarded bool
	stopped   bool
	err       error
}

// Run executes one user turn. Each chunk that carries no tool marker is
// passed to emit as soon as it completes; emit returning false cancels the
// request. On retry exhaustion emit receives the apology as the last chunk.
// A provider error after a chunk was forwarded is not retried: the partial
// reply is kept and persisted and the turn finishes as done.
func (o *Orchestrator) Run(ctx context.Context, req Request, emit func(chunk string) bool) Outcome {
	start := time.Now()
	r := &run{req: req, dialog: slices.Clone(req.Turns)}
	out := o.loop(ctx, r, emit)
	out.Attempts = r.attempts
	out.ToolRuns = r.toolRuns
	out.Turns = r.dialog
	o.metrics.TurnFinished(string(out.State), time.Since(start))
	o.log().Info("turn finished",
		"chat", req.Chat.Key.String(),
		"persona", req.Persona,
		"state", out.State,
		"attempts", out.Attempts,
		"tool_runs", out.ToolRuns,
	)
	return out
}

func (o *Orchestrator) loop(ctx context.Context, r *run, emit func(string) bool) Outcome {
	for {
		if err := ctx.Err(); err != nil {
			return Outcome{State: StateCanceled, Err: err}
		}

		r.attempts++
		a := o.generate(ctx, r, emit)

		switch {
		case ctx.Err() != nil:
			return Outcome{State: StateCanceled, Err: ctx.Err()}

		case a.stopped:
			return Outcome{State: StateCanceled, Err: context.Canceled}

		case a.err != nil && !a.forwarded:
			o.providerFailed(r, a.err)
			r.retries++
			if r.retries > o.cfg.MaxRetries {
				return o.exhausted(ctx, r, emit, a.err)
			}
			o.metrics.Retry()
			continue

		case a.err != nil:
			// Chunks already reached the user; a replay would repeat them.
			o.providerFailed(r, a.err)
			return o.finish(ctx, r, a.text)

		case !a.detected:
			return o.finish(ctx, r, a.text)
		}

		o.log().Debug("tool marker detected",
			"state", StateToolDetected, "marker", a.match.Marker, "attempt", r.attempts)
		if r.retries >= o.cfg.MaxRetries {
			return o.exhausted(ctx, r, emit, nil)
		}
		result, ok := o.execute(ctx, r, a.match)
		if ctx.Err() != nil {
			return Outcome{State: StateCanceled, Err: ctx.Err()}
		}
		if !ok {
			// Fail open: deliver the text that was held back with the marker.
			if a.withheld != "" && !o.forward(emit, a.withheld) {
				return Outcome{State: StateCanceled, Err: context.Canceled}
			}
			return o.finish(ctx, r, a.text)
		}

		r.dialog = append(r.dialog,
			domain.Turn{Role: domain.RoleAssistant, Content: a.text, PersonaMarker: r.req.Persona},
			domain.Turn{Role: domain.RoleSystem, Content: toolResultTurn(a.match.Marker, result)},
		)
		r.retries++
		o.metrics.Retry()
		if err := o.persist(ctx, r); err != nil {
			o.log().Error("persist before retry failed", "chat", r.req.Chat.Key.String(), "error", err)
		}
	}
}

// generate runs one GENERATING pass. It stops reading the stream at the
// first tool marker found in the accumulated text.
func (o *Orchestrator) generate(ctx context.Context, r *run, emit func(string) bool) attempt {
	genCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	turns := o.promptTurns(r)
	provider := o.providers[r.provider]
	o.log().Debug("generating",
		"state", StateGenerating, "provider", provider.Name(), "attempt", r.attempts, "turns", len(turns))

	var a attempt
	var acc strings.Builder
	for chunk, err := range stream.Chunks(provider.Stream(genCtx, turns)) {
		if err != nil {
			a.err = err
			break
		}
		if acc.Len() > 0 {
			acc.WriteByte('\n')
		}
		acc.WriteString(chunk)

		if m, ok := o.tools.Find(acc.String()); ok {
			a.match, a.detected, a.withheld = m, true, chunk
			break
		}
		if !o.forward(emit, chunk) {
			a.stopped = true
			break
		}
		a.forwarded = true
	}
	a.text = acc.String()
	return a
}

// promptTurns re-budgets the outgoing turn list, so tool results added by
// earlier retries are counted.
func (o *Orchestrator) promptTurns(r *run) []domain.Turn {
	turns := make([]domain.Turn, 0, len(r.dialog)+1)
	if r.req.System != "" {
		turns = append(turns, domain.Turn{Role: domain.RoleSystem, Content: r.req.System})
	}
	turns = append(turns, r.dialog...)
	return o.budgeter.Fit(turns, o.cfg.Budget, r.req.Persona).Turns
}

func (o *Orchestrator) forward(emit func(string) bool, chunk string) bool {
	o.metrics.ChunkForwarded()
	return emit(chunk)
}

func (o *Orchestrator) providerFailed(r *run, err error) {
	provider := o.providers[r.provider]
	o.metrics.ProviderError(provider.Name())
	o.log().Warn("provider attempt failed",
		"provider", provider.Name(), "attempt", r.attempts, "error", err)
	if len(o.providers) > 1 {
		r.provider = (r.provider + 1) % len(o.providers)
	}
}

// execute runs the matched tool under the tool timeout. An error or an empty
// result both count as no usable result.
func (o *Orchestrator) execute(ctx context.Context, r *run, m tooling.Match) (string, bool) {
	name := m.Tool.Name()
	log := o.log().With("tool", name, "chat", r.req.Chat.Key.String())

	params, err := m.Tool.Parse(m.Submatches)
	if err != nil {
		log.Warn("tool marker rejected", "marker", m.Marker, "error", err)
		o.metrics.ToolRun(name, false)
		return "", false
	}

	log.Debug("executing tool", "state", StateExecuting, "marker", m.Marker)
	toolCtx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	defer cancel()
	result, err := m.Tool.Execute(toolCtx, domain.PendingToolCall{
		ToolName:    name,
		Marker:      m.Marker,
		Params:      params,
		Chat:        r.req.Chat.Key,
		RequesterID: r.req.Chat.UserID,
	})
	if err == nil && strings.TrimSpace(result) == "" {
		err = errors.New("empty result")
	}
	if err != nil {
		log.Warn("tool run failed", "error", fmt.Errorf("%w: %w", domain.ErrToolFailure, err))
		o.metrics.ToolRun(name, false)
		return "", false
	}

	r.toolRuns++
	o.metrics.ToolRun(name, true)
	log.Info("tool run succeeded", "marker", m.Marker, "result_len", len(result))
	return result, true
}

func toolResultTurn(marker, result string) string {
	return fmt.Sprintf("%s Result of %s:\n%s\n%s", domain.InternalSystemMarker, marker, strings.TrimSpace(result), toolResultNote)
}

// finish is DONE: the winning attempt becomes the final assistant turn.
func (o *Orchestrator) finish(ctx context.Context, r *run, text string) Outcome {
	if strings.TrimSpace(text) != "" {
		r.dialog = append(r.dialog, domain.Turn{Role: domain.RoleAssistant, Content: text, PersonaMarker: r.req.Persona})
	}
	out := Outcome{State: StateDone}
	if err := o.persist(ctx, r); err != nil {
		o.log().Error("persist failed", "chat", r.req.Chat.Key.String(), "error", err)
		out.Err = err
	}
	return out
}

// exhausted is FAILED: exactly one apology reaches the caller and the
// dialog, tool turns included, is still persisted.
func (o *Orchestrator) exhausted(ctx context.Context, r *run, emit func(string) bool, cause error) Outcome {
	o.log().Warn("retries exhausted",
		"chat", r.req.Chat.Key.String(), "retries", r.retries, "max", o.cfg.MaxRetries)
	o.forward(emit, o.cfg.Apology)

	err := fmt.Errorf("brain: %d retries: %w", o.cfg.MaxRetries, domain.ErrRetryExhausted)
	if cause != nil {
		err = fmt.Errorf("%w: %w", err, cause)
	}
	if perr := o.persist(ctx, r); perr != nil {
		o.log().Error("persist failed", "chat", r.req.Chat.Key.String(), "error", perr)
		err = errors.Join(err, perr)
	}
	return Outcome{State: StateFailed, Err: err}
}

func (o *Orchestrator) persist(ctx context.Context, r *run) error {
	if err := o.store.Save(ctx, r.req.Chat.Key, r.req.Persona, r.dialog); err != nil {
		if errors.Is(err, domain.ErrPersistence) {
			return err
		}
		return fmt.Errorf("%w: %w", domain.ErrPersistence, err)
	}
	return nil
}
