package domain

import (
	"context"
	"iter"
	"regexp"
	"time"
)

// TokenEstimator approximates the token cost of a string. Longer text must
// never estimate lower than a prefix of it.
type TokenEstimator interface {
	Estimate(text string) int
}

// StreamingProvider generates a reply for the given turns as a lazy, finite,
// one-shot sequence of text deltas. A non-nil error ends the sequence.
type StreamingProvider interface {
	Name() string
	Stream(ctx context.Context, turns []Turn) iter.Seq2[string, error]
}

// TurnStore persists conversation history per (chat, persona).
type TurnStore interface {
	Load(ctx context.Context, key ChatKey, persona string) ([]Turn, error)
	Save(ctx context.Context, key ChatKey, persona string, turns []Turn) error
}

// PersonaRegistry holds persona bodies and the active persona per chat.
// SetActive returns false for an unknown persona. ConsumeSwitch reports
// whether the active persona changed since it was last called, and clears
// the flag.
type PersonaRegistry interface {
	Active(key ChatKey) string
	SetActive(key ChatKey, name string) bool
	ClearActive(key ChatKey)
	ConsumeSwitch(key ChatKey) bool
	Prompt(name string) (string, bool)
	Names() []string
}

// Notebook stores per-persona notes. Entries are never mutated in place.
type Notebook interface {
	Add(ctx context.Context, persona, content string) (NotebookEntry, error)
	Delete(ctx context.Context, persona string, id int) (bool, error)
	List(ctx context.Context, persona string) ([]NotebookEntry, error)
}

// EventStore tracks long-running events, at most one per chat.
type EventStore interface {
	Register(ctx context.Context, rec EventRecord) (EventRecord, error)
	End(ctx context.Context, id string) (bool, error)
	ActiveFor(ctx context.Context, key ChatKey, userID string) (*EventRecord, error)
	ExpireBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// EmojiCatalog resolves emoji ids to local media.
type EmojiCatalog interface {
	Lookup(id string) (Emoji, bool)
}

// MusicResolver turns a free-text query into a playable track.
type MusicResolver interface {
	Resolve(ctx context.Context, query string) (SongSegment, error)
}

// ChatHistorySource exposes the platform-side message log of a chat.
type ChatHistorySource interface {
	Recent(ctx context.Context, key ChatKey, n int) ([]HistoryMessage, error)
	Since(ctx context.Context, key ChatKey, since time.Time) ([]HistoryMessage, error)
}

// Tool is an in-band marker tool. Pattern must match the whole bracketed
// marker; Parse turns its submatches into typed params.
type Tool interface {
	Name() string
	Pattern() *regexp.Regexp
	Parse(submatches []string) (any, error)
	Execute(ctx context.Context, call PendingToolCall) (string, error)
	Usage() string
}
