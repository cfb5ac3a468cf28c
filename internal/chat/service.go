// Package chat runs incoming messages through the whole turn pipeline:
// prompt, history, orchestrator and output parser, one request per chat at
// a time.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"arcbot/internal/brain"
	"arcbot/internal/domain"
	"arcbot/internal/metrics"
	"arcbot/internal/parser"
	"arcbot/internal/prompt"
	"arcbot/internal/queue"
)

// ErrEmptyMessage is returned for a message without text.
var ErrEmptyMessage = errors.New("chat: message must not be empty")

// Incoming is one user message from the platform.
type Incoming struct {
	Chat     domain.ChatContext
	UserName string
	Content  string
	Time     time.Time
}

// Sink receives the segments of each outgoing message in order.
type Sink interface {
	Deliver(ctx context.Context, key domain.ChatKey, segs []domain.Segment) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, key domain.ChatKey, segs []domain.Segment) error

func (f SinkFunc) Deliver(ctx context.Context, key domain.ChatKey, segs []domain.Segment) error {
	return f(ctx, key, segs)
}

// Recorder appends messages to the platform-side chat log read by the
// history tools.
type Recorder interface {
	Record(ctx context.Context, key domain.ChatKey, m domain.HistoryMessage) error
}

// Deps are the collaborators of a Service. Transcript and Metrics are
// optional.
type Deps struct {
	Orchestrator *brain.Orchestrator
	Parser       *parser.Parser
	Prompt       *prompt.Builder
	Store        domain.TurnStore
	Personas     domain.PersonaRegistry
	Queue        *queue.ChatQueue
	Transcript   Recorder
	Metrics      *metrics.Metrics
	BotID        string
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a structured logger. If l is nil it is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithChainEcho makes the service react when a group repeats one message:
// with probability chance it repeats the message itself, otherwise it asks
// the model to break the chain. Chance is clamped to 0..1.
func WithChainEcho(chance float64) Option {
	return func(s *Service) {
		s.chains = newChainTracker()
		s.echoChance = min(max(chance, 0), 1)
	}
}

type Service struct {
	deps       Deps
	logger     *slog.Logger
	chains     *chainTracker
	echoChance float64
}

// NewService panics if a required dependency is missing.
func NewService(deps Deps, opts ...Option) *Service {
	switch {
	case deps.Orchestrator == nil:
		panic("chat: orchestrator must not be nil")
	case deps.Parser == nil:
		panic("chat: parser must not be nil")
	case deps.Prompt == nil:
		panic("chat: prompt builder must not be nil")
	case deps.Store == nil:
		panic("chat: store must not be nil")
	case deps.Personas == nil:
		panic("chat: personas must not be nil")
	case deps.Queue == nil:
		panic("chat: queue must not be nil")
	}
	s := &Service{deps: deps}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Handle answers in, delivering every parsed message to sink as soon as
// it is ready. Requests of one chat are handled in arrival order. The error
// is non-nil only when the request could not run at all; how it ended is
// in the Outcome.
func (s *Service) Handle(ctx context.Context, in Incoming, sink Sink) (brain.Outcome, error) {
	if strings.TrimSpace(in.Content) == "" {
		return brain.Outcome{}, ErrEmptyMessage
	}
	if sink == nil {
		return brain.Outcome{}, errors.New("chat: sink must not be nil")
	}
	if in.Time.IsZero() {
		in.Time = time.Now()
	}

	var out brain.Outcome
	err := s.deps.Queue.Do(ctx, in.Chat.Key, func(ctx context.Context) error {
		out = s.handle(ctx, in, sink)
		return nil
	})
	if err != nil {
		return brain.Outcome{}, fmt.Errorf("chat: %w", err)
	}
	return out, nil
}

func (s *Service) handle(ctx context.Context, in Incoming, sink Sink) brain.Outcome {
	key := in.Chat.Key
	log := s.log().With("chat", key.String(), "user", in.Chat.UserID)

	s.record(ctx, key, domain.HistoryMessage{
		MessageID: in.Chat.MessageID,
		UserID:    in.Chat.UserID,
		UserName:  in.UserName,
		Content:   in.Content,
		Time:      in.Time,
	})

	content := userContent(in)
	if text, ok := s.chain(in); ok {
		// The bot counts as joined either way, so the chain does not fire again at once.
		s.chains.observe(key, s.deps.BotID, text)
		if chainRoll() < s.echoChance {
			return s.echo(ctx, in.Chat, text, sink, log)
		}
		log.Info("breaking repeat chain", "text", text)
		content = breakChainPrompt(text)
	}

	persona, system := s.deps.Prompt.Build(ctx, in.Chat)
	history, err := s.deps.Store.Load(ctx, key, persona)
	if err != nil {
		log.Warn("history unavailable, starting fresh", "persona", persona, "error", err)
		history = nil
	}
	turns := append(history, domain.Turn{
		Role:          domain.RoleUser,
		Content:       content,
		PersonaMarker: persona,
	})

	out := s.deps.Orchestrator.Run(ctx, brain.Request{
		Chat:    in.Chat,
		Persona: persona,
		System:  system,
		Turns:   turns,
	}, func(chunk string) bool {
		return s.deliver(ctx, in.Chat, chunk, sink, log)
	})

	if s.deps.Personas.ConsumeSwitch(key) {
		log.Info("persona changed", "from", persona, "to", s.deps.Personas.Active(key))
	}
	if out.Err != nil {
		log.Warn("turn ended with error", "state", out.State, "error", out.Err)
	}
	return out
}

// chain tracks group messages and reports a repeat chain the bot has not
// joined yet.
func (s *Service) chain(in Incoming) (string, bool) {
	if s.chains == nil || in.Chat.Key.Kind != domain.ChatGroup {
		return "", false
	}
	s.chains.observe(in.Chat.Key, in.Chat.UserID, strings.TrimSpace(in.Content))
	return s.chains.detect(in.Chat.Key, s.deps.BotID)
}

// echo joins a repeat chain without a model turn.
func (s *Service) echo(ctx context.Context, cc domain.ChatContext, text string, sink Sink, log *slog.Logger) brain.Outcome {
	log.Info("joining repeat chain", "text", text)
	if err := sink.Deliver(ctx, cc.Key, []domain.Segment{domain.TextSegment{Content: text}}); err != nil {
		log.Warn("delivery failed", "error", err)
		return brain.Outcome{State: brain.StateFailed, Err: err}
	}
	s.deps.Metrics.Segment(string(domain.SegmentText))
	s.record(ctx, cc.Key, domain.HistoryMessage{UserID: s.deps.BotID, Content: text, Time: time.Now()})
	return brain.Outcome{State: brain.StateDone}
}

// deliver parses one chunk and hands its segments to sink. A sink failure
// stops the request.
func (s *Service) deliver(ctx context.Context, cc domain.ChatContext, chunk string, sink Sink, log *slog.Logger) bool {
	segs := s.deps.Parser.Parse(ctx, chunk, cc)
	if len(segs) == 0 {
		return true
	}
	for _, seg := range segs {
		s.deps.Metrics.Segment(string(seg.Type()))
	}
	if err := sink.Deliver(ctx, cc.Key, segs); err != nil {
		log.Warn("delivery failed, stopping turn", "error", err)
		return false
	}
	s.record(ctx, cc.Key, domain.HistoryMessage{
		UserID:  s.deps.BotID,
		Content: plainText(segs),
		Time:    time.Now(),
	})
	return true
}

func (s *Service) record(ctx context.Context, key domain.ChatKey, m domain.HistoryMessage) {
	if s.deps.Transcript == nil || strings.TrimSpace(m.Content) == "" {
		return
	}
	if err := s.deps.Transcript.Record(ctx, key, m); err != nil {
		s.log().Warn("transcript record failed", "chat", key.String(), "error", err)
	}
}

// userContent names the sender in group chats, where several people talk
// to the same history.
func userContent(in Incoming) string {
	if in.Chat.Key.Kind != domain.ChatGroup {
		return in.Content
	}
	name := in.UserName
	if name == "" {
		name = "user"
	}
	return fmt.Sprintf("%s(%s): %s", name, in.Chat.UserID, in.Content)
}

// plainText renders segments the way they read in the chat log.
func plainText(segs []domain.Segment) string {
	var b strings.Builder
	for _, seg := range segs {
		switch v := seg.(type) {
		case domain.TextSegment:
			b.WriteString(v.Content)
		case domain.RawBlockSegment:
			b.WriteString(v.Content)
		case domain.MentionSegment:
			b.WriteString("@" + v.TargetID)
		case domain.EmojiSegment:
			b.WriteString("[emoji]")
		case domain.SongSegment:
			b.WriteString("[song]")
		}
	}
	return b.String()
}
