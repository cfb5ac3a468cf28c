// Package prompt assembles the system prompt sent at the head of every
// request. Sections that fail to load are skipped; a request is never
// refused because of its prompt.
package prompt

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"arcbot/internal/domain"
	"arcbot/internal/notebook"
	"arcbot/internal/persona"
	"arcbot/internal/tooling"
)

// DefaultPrompt is used while no persona is active.
const DefaultPrompt = "You are a friendly member of this chat. Reply casually and keep messages short."

// markupGuide documents the output markup understood by the parser.
const markupGuide = `Message markup:
- [send] starts a new message; a plain line break does too.
- [reply] quotes the message you answer; [reply:<message id>] quotes another one.
- [@qq:<user id>] mentions someone; [poke:<user id>] pokes them.
- [music:<song name>] shares a song.
- [longtext:<text>] sends a long block as one message, line breaks kept.
- [note:<content>] remembers something; it is not shown.
- [event:<type>:<id1,id2>:<rules>] starts an event for the listed users; it is not shown.`

// EmojiSource renders the emoji section of the prompt.
type EmojiSource interface {
	PromptSection() string
}

// Option configures a Builder.
type Option func(*Builder)

// WithLogger sets a structured logger. If l is nil it is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithNotebook(nb domain.Notebook) Option {
	return func(b *Builder) { b.notebook = nb }
}

func WithEvents(es domain.EventStore) Option {
	return func(b *Builder) { b.events = es }
}

func WithEmoji(src EmojiSource) Option {
	return func(b *Builder) { b.emoji = src }
}

func WithTools(r *tooling.ToolRegistry) Option {
	return func(b *Builder) { b.tools = r }
}

// WithBasePrompt replaces DefaultPrompt. Empty is ignored.
func WithBasePrompt(p string) Option {
	return func(b *Builder) {
		if strings.TrimSpace(p) != "" {
			b.base = p
		}
	}
}

type Builder struct {
	personas domain.PersonaRegistry
	notebook domain.Notebook
	events   domain.EventStore
	emoji    EmojiSource
	tools    *tooling.ToolRegistry
	base     string
	logger   *slog.Logger
}

// NewBuilder panics if personas is nil.
func NewBuilder(personas domain.PersonaRegistry, opts ...Option) *Builder {
	if personas == nil {
		panic("prompt: personas must not be nil")
	}
	b := &Builder{personas: personas, base: DefaultPrompt}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) log() *slog.Logger {
	if b.logger != nil {
		return b.logger
	}
	return slog.Default()
}

// Build returns the active persona of the chat ("" for the default one)
// and the system prompt for this request.
func (b *Builder) Build(ctx context.Context, cc domain.ChatContext) (string, string) {
	active := b.personas.Active(cc.Key)
	sections := []string{b.personaPrompt(active)}

	if b.notebook != nil {
		scope := active
		if scope == "" {
			scope = domain.GlobalPersonaKey
		}
		if notes, err := notebook.RenderContext(ctx, b.notebook, scope); err != nil {
			b.log().Warn("notebook section skipped", "persona", scope, "error", err)
		} else {
			sections = append(sections, notes)
		}
	}

	if b.events != nil {
		ev, err := b.events.ActiveFor(ctx, cc.Key, cc.UserID)
		switch {
		case err != nil:
			b.log().Warn("event section skipped", "chat", cc.Key.String(), "error", err)
		case ev != nil:
			sections = append(sections, eventSection(ev))
		}
	}

	if b.emoji != nil {
		sections = append(sections, b.emoji.PromptSection())
	}
	sections = append(sections, markupGuide, persona.SelectionPrompt(b.personas))
	if b.tools != nil {
		sections = append(sections, b.tools.Documentation())
	}

	return active, join(sections)
}

func (b *Builder) personaPrompt(active string) string {
	if active == "" {
		return b.base
	}
	body, ok := b.personas.Prompt(active)
	if !ok {
		b.log().Warn("active persona has no prompt, using default", "persona", active)
		return b.base
	}
	return body
}

func eventSection(ev *domain.EventRecord) string {
	return fmt.Sprintf("Active event %q (id %s, participants %s):\n%s\nEnd it with [event_end:%s] once it is over.",
		ev.Type, ev.ID, strings.Join(ev.Participants, ", "), ev.PromptBody, ev.ID)
}

func join(sections []string) string {
	kept := sections[:0]
	for _, s := range sections {
		if s = strings.TrimSpace(s); s != "" {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, "\n\n")
}
