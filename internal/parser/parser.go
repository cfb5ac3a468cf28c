// Package parser turns one finalized reply chunk into message segments.
// Silent tags run their side effects first, in source order; visible tags
// then become typed segments, with music lookups resolved concurrently.
//
// Callers must not run two Parse calls for the same chat at once: the
// side effects on personas, notes and events are not locked per chat.
package parser

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"arcbot/internal/domain"
	"arcbot/internal/events"
	"arcbot/internal/music"
	"arcbot/internal/tags"
)

// DefaultMusicTimeout bounds one music lookup, retries included.
const DefaultMusicTimeout = 15 * time.Second

// toolMarkers are intercepted by the orchestrator. If one survives to the
// parser (a failed tool run falls through), it is dropped without effect.
var toolMarkers = map[string]bool{
	"get_context":    true,
	"search_context": true,
	"parse_web":      true,
	"search_web":     true,
}

// Deps are the stores silent and visible tags act on. Nil members turn
// their tags into no-ops (silent) or placeholders (visible).
type Deps struct {
	Personas domain.PersonaRegistry
	Notebook domain.Notebook
	Events   domain.EventStore
	Emoji    domain.EmojiCatalog
	Music    domain.MusicResolver
}

// Option configures a Parser.
type Option func(*Parser)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(p *Parser) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMusicTimeout overrides DefaultMusicTimeout.
func WithMusicTimeout(d time.Duration) Option {
	return func(p *Parser) {
		if d > 0 {
			p.musicTimeout = d
		}
	}
}

type Parser struct {
	deps         Deps
	musicTimeout time.Duration
	logger       *slog.Logger
}

func New(deps Deps, opts ...Option) *Parser {
	p := &Parser{deps: deps, musicTimeout: DefaultMusicTimeout}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Parser) log() *slog.Logger {
	if p.logger != nil {
		return p.logger
	}
	return slog.Default()
}

// Parse executes the silent tags of chunk and returns its visible content
// as ordered segments. It never fails: bad tags become placeholder text.
func (p *Parser) Parse(ctx context.Context, chunk string, cc domain.ChatContext) []domain.Segment {
	text, removed := p.runSilent(ctx, chunk, cc)

	replyID, hasReply, text, replyRemoved := extractReply(text)
	if removed || replyRemoved {
		text = strings.TrimSpace(text)
	}

	segs := p.visible(ctx, text)
	segs = spaceAfterMentions(segs)

	if hasReply && len(segs) > 0 {
		if replyID == "" {
			replyID = cc.MessageID
		}
		if replyID != "" {
			segs = append([]domain.Segment{domain.ReplySegment{MessageID: replyID}}, segs...)
		}
	}
	return dropEmptyText(segs)
}

// =============================================================================
// Silent pass
// =============================================================================

// runSilent executes silent tags left to right and strips them, along with
// any stray tool markers. It reports whether anything was removed.
func (p *Parser) runSilent(ctx context.Context, text string, cc domain.ChatContext) (string, bool) {
	found := tags.Filter(tags.Scan(text), func(t tags.Tag) bool {
		return tags.IsSilent(t.Name) || toolMarkers[t.Name]
	})
	if len(found) == 0 {
		return text, false
	}
	for _, t := range found {
		if toolMarkers[t.Name] {
			p.log().Debug("dropping tool marker from output", "marker", t.Raw(text))
			continue
		}
		if cc.Key.ChatID == "" {
			p.log().Warn("silent tag without chat, skipped", "tag", t.Raw(text))
			continue
		}
		p.execSilent(ctx, t, cc)
	}
	return tags.Remove(text, found), true
}

func (p *Parser) execSilent(ctx context.Context, t tags.Tag, cc domain.ChatContext) {
	switch t.Name {
	case tags.Note:
		p.note(ctx, t.Body, cc.Key)
	case tags.SetRole:
		p.setRole(t.Body, cc.Key)
	case tags.Event:
		p.event(ctx, t, cc)
	case tags.EventEnd:
		p.eventEnd(ctx, t.Body)
	}
}

// persona resolves the notebook scope at the moment a tag runs, so an
// earlier setrole in the same chunk applies.
func (p *Parser) persona(key domain.ChatKey) string {
	if p.deps.Personas != nil {
		if name := p.deps.Personas.Active(key); name != "" {
			return name
		}
	}
	return domain.GlobalPersonaKey
}

func (p *Parser) note(ctx context.Context, body string, key domain.ChatKey) {
	if p.deps.Notebook == nil {
		p.log().Warn("note tag ignored: no notebook")
		return
	}
	persona := p.persona(key)

	if idText, ok := strings.CutSuffix(body, ":delete"); ok {
		id, err := strconv.Atoi(strings.TrimSpace(idText))
		if err != nil {
			p.log().Warn("note delete with invalid id", "id", idText)
			return
		}
		deleted, err := p.deps.Notebook.Delete(ctx, persona, id)
		switch {
		case err != nil:
			p.log().Error("note delete failed", "persona", persona, "id", id, "error", err)
		case !deleted:
			p.log().Warn("note delete: no such note", "persona", persona, "id", id)
		default:
			p.log().Info("note deleted", "persona", persona, "id", id)
		}
		return
	}

	content := strings.TrimSpace(body)
	if content == "" {
		p.log().Warn("empty note ignored", "persona", persona)
		return
	}
	entry, err := p.deps.Notebook.Add(ctx, persona, content)
	if err != nil {
		p.log().Error("note add failed", "persona", persona, "error", err)
		return
	}
	p.log().Info("note added", "persona", persona, "id", entry.ID)
}

func (p *Parser) setRole(body string, key domain.ChatKey) {
	if p.deps.Personas == nil {
		p.log().Warn("setrole ignored: no persona registry")
		return
	}
	name := strings.TrimSpace(body)
	if name == "" {
		p.log().Warn("setrole without persona name")
		return
	}
	if !p.deps.Personas.SetActive(key, name) {
		return
	}
	p.log().Info("persona set", "chat", key.String(), "persona", name)
}

func (p *Parser) event(ctx context.Context, t tags.Tag, cc domain.ChatContext) {
	if p.deps.Events == nil {
		p.log().Warn("event tag ignored: no event store")
		return
	}
	parts := t.Args(3)
	if len(parts) != 3 || strings.TrimSpace(parts[0]) == "" {
		p.log().Warn("malformed event tag", "body", t.Body)
		return
	}
	rec, err := p.deps.Events.Register(ctx, domain.EventRecord{
		Type:         strings.TrimSpace(parts[0]),
		Participants: strings.Split(parts[1], ","),
		PromptBody:   strings.TrimSpace(parts[2]),
		ChatID:       cc.Key.ChatID,
		ChatKind:     cc.Key.Kind,
	})
	switch {
	case errors.Is(err, events.ErrAlreadyActive), errors.Is(err, events.ErrTooMany):
		p.log().Warn("event not registered", "chat", cc.Key.String(), "reason", err)
	case err != nil:
		p.log().Error("event register failed", "chat", cc.Key.String(), "error", err)
	default:
		p.log().Info("event registered", "id", rec.ID, "type", rec.Type)
	}
}

func (p *Parser) eventEnd(ctx context.Context, body string) {
	if p.deps.Events == nil {
		p.log().Warn("event_end ignored: no event store")
		return
	}
	id := strings.TrimSpace(body)
	ended, err := p.deps.Events.End(ctx, id)
	switch {
	case err != nil:
		p.log().Error("event end failed", "id", id, "error", err)
	case !ended:
		p.log().Warn("event end: no such event", "id", id)
	default:
		p.log().Info("event ended", "id", id)
	}
}

// =============================================================================
// Reply directive
// =============================================================================

// extractReply removes every reply directive and returns the id of the
// first one ("" for the bare form).
func extractReply(text string) (id string, found bool, out string, removed bool) {
	replies := tags.Filter(tags.Scan(text), func(t tags.Tag) bool { return t.Name == tags.Reply })
	if len(replies) == 0 {
		return "", false, text, false
	}
	return strings.TrimSpace(replies[0].Body), true, tags.Remove(text, replies), true
}

// =============================================================================
// Visible pass
// =============================================================================

type musicJob struct {
	slot  int
	query string
}

func (p *Parser) visible(ctx context.Context, text string) []domain.Segment {
	found := tags.Filter(tags.Scan(text), func(t tags.Tag) bool {
		return tags.IsVisible(t.Name) && (t.Name != tags.CQ || strings.HasPrefix(t.Body, "at,qq="))
	})

	var segs []domain.Segment
	var jobs []musicJob
	last := 0
	for _, t := range found {
		segs = appendText(segs, text[last:t.Start])
		last = t.End

		switch t.Name {
		case tags.MentionQQ:
			segs = append(segs, mention(tags.MentionQQ, t.Body))
		case tags.CQ:
			segs = append(segs, mention(tags.CQ, strings.TrimPrefix(t.Body, "at,qq=")))
		case tags.Poke:
			id := strings.TrimSpace(t.Body)
			if !isPlatformID(id) {
				segs = append(segs, placeholder(tags.Poke, id, domain.ErrMalformedTag))
				continue
			}
			segs = append(segs, domain.PokeSegment{TargetID: id})
		case tags.Emoji:
			segs = append(segs, p.emoji(tags.CleanContent(t.Body)))
		case tags.Music:
			query := tags.CleanContent(t.Body)
			if query == "" {
				segs = append(segs, placeholder(tags.Music, "", domain.ErrMalformedTag))
				continue
			}
			jobs = append(jobs, musicJob{slot: len(segs), query: query})
			segs = append(segs, nil)
		case tags.LongText:
			if strings.TrimSpace(t.Body) != "" {
				segs = append(segs, domain.RawBlockSegment{Content: t.Body})
			}
		}
	}
	segs = appendText(segs, text[last:])

	p.resolveMusic(ctx, segs, jobs)
	return segs
}

func appendText(segs []domain.Segment, s string) []domain.Segment {
	if strings.TrimSpace(s) == "" {
		return segs
	}
	return append(segs, domain.TextSegment{Content: s})
}

func mention(tag, raw string) domain.Segment {
	id := strings.TrimSpace(raw)
	if id != "all" && !isPlatformID(id) {
		return placeholder(tag, id, domain.ErrMalformedTag)
	}
	return domain.MentionSegment{TargetID: id}
}

// isPlatformID accepts the numeric user ids of the chat platform.
func isPlatformID(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func placeholder(tag, arg string, kind error) domain.Segment {
	e := &domain.TagError{Tag: tag, Arg: arg, Kind: kind}
	return domain.TextSegment{Content: e.Placeholder()}
}

func (p *Parser) emoji(id string) domain.Segment {
	if id == "" {
		return placeholder(tags.Emoji, "", domain.ErrMalformedTag)
	}
	if p.deps.Emoji != nil {
		if e, ok := p.deps.Emoji.Lookup(id); ok {
			return domain.EmojiSegment{CatalogID: id, File: e.File, URL: e.URL}
		}
	}
	p.log().Warn("emoji not found", "id", id)
	return placeholder(tags.Emoji, id, domain.ErrUnresolvedReference)
}

// resolveMusic runs every lookup concurrently and writes each result into
// its own slot, so completion order never changes segment order.
func (p *Parser) resolveMusic(ctx context.Context, segs []domain.Segment, jobs []musicJob) {
	if len(jobs) == 0 {
		return
	}
	if p.deps.Music == nil {
		for _, j := range jobs {
			segs[j.slot] = domain.SongErrorSegment{Query: j.query, Reason: "unavailable"}
		}
		return
	}

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j musicJob) {
			defer wg.Done()
			lookupCtx, cancel := context.WithTimeout(ctx, p.musicTimeout)
			defer cancel()
			song, err := p.deps.Music.Resolve(lookupCtx, j.query)
			if err != nil {
				p.log().Warn("music lookup failed", "query", j.query, "error", err)
				segs[j.slot] = domain.SongErrorSegment{Query: j.query, Reason: music.Reason(err)}
				return
			}
			segs[j.slot] = song
		}(j)
	}
	wg.Wait()
}

// =============================================================================
// Post-processing
// =============================================================================

// spaceAfterMentions separates a mention from directly following text.
func spaceAfterMentions(segs []domain.Segment) []domain.Segment {
	for i := 0; i+1 < len(segs); i++ {
		if _, ok := segs[i].(domain.MentionSegment); !ok {
			continue
		}
		next, ok := segs[i+1].(domain.TextSegment)
		if !ok || next.Content == "" || startsWithSpace(next.Content) {
			continue
		}
		segs[i+1] = domain.TextSegment{Content: " " + next.Content}
	}
	return segs
}

func startsWithSpace(s string) bool {
	return strings.TrimLeft(s, " \t\n\r") != s
}

func dropEmptyText(segs []domain.Segment) []domain.Segment {
	out := segs[:0]
	for _, s := range segs {
		if s == nil {
			continue
		}
		if t, ok := s.(domain.TextSegment); ok && strings.TrimSpace(t.Content) == "" {
			continue
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
