package domain

import (
	"encoding/json"
	"time"
)

// =============================================================================
// Core Configuration
// =============================================================================

type Config struct {
	Provider     ProviderConfig     `json:"provider"`
	Fallbacks    []ProviderConfig   `json:"fallbacks,omitempty"` // Tried in order when the provider errors before any output
	Context      ContextConfig      `json:"context"`
	Orchestrator OrchestratorConfig `json:"orchestrator"`
	Paths        PathsConfig        `json:"paths"`
	Gateway      GatewayConfig      `json:"gateway"`
	Music        MusicConfig        `json:"music"`
	Web          WebConfig          `json:"web"`
	Group        GroupConfig        `json:"group"`
	Events       EventsConfig       `json:"events"`
	Infra        InfraConfig        `json:"infra"`
	Retry        RetryConfig        `json:"retry"`
	BotID        string             `json:"botId,omitempty"` // Platform id of the bot itself; its lines render as "yourself"
}

type ProviderConfig struct {
	Kind      string `json:"kind"` // "openai" | "anthropic" | "local"
	Model     string `json:"model"`
	BaseURL   string `json:"baseUrl,omitempty"`
	APIKey    string `json:"apiKey,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty" jsonschema:"minimum=0"` // Completion cap (anthropic requires one)
}

type ContextConfig struct {
	Budget    int    `json:"budget" jsonschema:"minimum=1"` // Token budget for the outgoing turn list
	Tokenizer string `json:"tokenizer"`                     // "heuristic" | "tiktoken"
	Encoding  string `json:"encoding,omitempty"`            // tiktoken encoding name
}

type OrchestratorConfig struct {
	MaxRetries    int    `json:"maxRetries" jsonschema:"minimum=0"`
	ToolTimeoutMs int    `json:"toolTimeoutMs" jsonschema:"minimum=0"`
	Apology       string `json:"apology"`
}

type PathsConfig struct {
	Data         string `json:"data"`         // Root of per-chat turn files
	Personas     string `json:"personas"`     // personas.yaml
	EmojiCatalog string `json:"emojiCatalog"` // emoji catalog JSON
	DatabaseURL  string `json:"databaseUrl"`  // libsql / sqlite URL
}

type GatewayConfig struct {
	Port      int    `json:"port" jsonschema:"minimum=0,maximum=65535"`
	AuthToken string `json:"authToken,omitempty"` // When set, gateway requires Authorization: Bearer <authToken>
}

type MusicConfig struct {
	SearchURL string `json:"searchUrl"`
	TimeoutMs int    `json:"timeoutMs" jsonschema:"minimum=0"`
	Retries   int    `json:"retries" jsonschema:"minimum=0"`
}

// WebConfig configures the search_web tool. An empty SearchURL disables it.
type WebConfig struct {
	SearchURL string `json:"searchUrl"`
	TimeoutMs int    `json:"timeoutMs" jsonschema:"minimum=0"`
}

type GroupConfig struct {
	ChainEcho  bool    `json:"chainEcho"`                                   // Watch for repeat chains in group chats
	EchoChance float64 `json:"echoChance" jsonschema:"minimum=0,maximum=1"` // Chance of joining a chain instead of breaking it
}

type EventsConfig struct {
	MaxActive  int    `json:"maxActive" jsonschema:"minimum=0"`
	TTLMinutes int    `json:"ttlMinutes" jsonschema:"minimum=0"` // 0 disables expiry
	SweepCron  string `json:"sweepCron"`
}

type InfraConfig struct {
	LogFormat string `json:"logFormat"` // "json" | "text"
	LogLevel  string `json:"logLevel"`
}

// RetryConfig controls backoff for outbound lookups (music search, web fetch).
type RetryConfig struct {
	InitialBackoff int `json:"initialBackoff"` // Initial backoff in milliseconds
	MaxBackoff     int `json:"maxBackoff"`     // Maximum backoff in milliseconds
	Multiplier     int `json:"multiplier"`     // Backoff multiplier (e.g. 2 for exponential doubling)
}

// =============================================================================
// Conversation
// =============================================================================

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry of a conversation history. PersonaMarker names the
// persona the turn belongs to; empty means the default persona.
type Turn struct {
	Role          Role   `json:"role"`
	Content       string `json:"content"`
	PersonaMarker string `json:"persona,omitempty"`
}

// InternalSystemMarker prefixes system turns injected by the engine itself
// (tool results). Such turns survive persona filtering on load.
const InternalSystemMarker = "[internal]"

type ChatKind string

const (
	ChatPrivate ChatKind = "private"
	ChatGroup   ChatKind = "group"
)

// ChatKey identifies one conversation on the platform.
type ChatKey struct {
	ChatID string   `json:"chatId"`
	Kind   ChatKind `json:"chatKind"`
}

func (k ChatKey) String() string { return string(k.Kind) + ":" + k.ChatID }

// ChatContext carries per-request facts the parser and tools need.
type ChatContext struct {
	Key       ChatKey
	UserID    string // sender of the message being answered
	MessageID string // message being answered; default reply target
}

// =============================================================================
// Side-effect records
// =============================================================================

// GlobalPersonaKey scopes notes taken while no persona is active.
const GlobalPersonaKey = "__global__"

type NotebookEntry struct {
	ID        int       `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

type EventRecord struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"`
	Participants []string  `json:"participants"`
	PromptBody   string    `json:"promptBody"`
	ChatID       string    `json:"chatId"`
	ChatKind     ChatKind  `json:"chatKind"`
	StartTime    time.Time `json:"startTime"`
}

// HasParticipant reports whether id takes part in the event.
func (e EventRecord) HasParticipant(id string) bool {
	for _, p := range e.Participants {
		if p == id {
			return true
		}
	}
	return false
}

// PendingToolCall lives for one orchestrator iteration and is never persisted.
type PendingToolCall struct {
	ToolName    string
	Marker      string // the matched marker text, brackets included
	Params      any
	Chat        ChatKey
	RequesterID string
}

// HistoryMessage is one platform message as seen by the history tools.
type HistoryMessage struct {
	MessageID string    `json:"messageId"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	Content   string    `json:"content"`
	Time      time.Time `json:"time"`
}

type Emoji struct {
	ID        string `json:"emoji_id"`
	Summary   string `json:"summary"`
	File      string `json:"file,omitempty"`
	URL       string `json:"url,omitempty"`
	PackageID string `json:"emoji_package_id,omitempty"`
	MIME      string `json:"mime,omitempty"`
}

// =============================================================================
// Message Segments
// =============================================================================

type SegmentType string

const (
	SegmentText      SegmentType = "text"
	SegmentMention   SegmentType = "mention"
	SegmentReply     SegmentType = "reply"
	SegmentPoke      SegmentType = "poke"
	SegmentEmoji     SegmentType = "emoji"
	SegmentSong      SegmentType = "song"
	SegmentSongError SegmentType = "song_error"
	SegmentRawBlock  SegmentType = "raw_block"
)

// Segment is one element of a parsed output message.
type Segment interface {
	Type() SegmentType
}

type TextSegment struct {
	Content string `json:"content"`
}

func (TextSegment) Type() SegmentType { return SegmentText }

type MentionSegment struct {
	TargetID string `json:"targetId"`
}

func (MentionSegment) Type() SegmentType { return SegmentMention }

type ReplySegment struct {
	MessageID string `json:"messageId"`
}

func (ReplySegment) Type() SegmentType { return SegmentReply }

type PokeSegment struct {
	TargetID string `json:"targetId"`
}

func (PokeSegment) Type() SegmentType { return SegmentPoke }

type EmojiSegment struct {
	CatalogID string `json:"catalogId"`
	File      string `json:"file,omitempty"`
	URL       string `json:"url,omitempty"`
}

func (EmojiSegment) Type() SegmentType { return SegmentEmoji }

type SongSegment struct {
	Provider string `json:"provider"`
	TrackID  string `json:"trackId"`
}

func (SongSegment) Type() SegmentType { return SegmentSong }

type SongErrorSegment struct {
	Query  string `json:"query"`
	Reason string `json:"reason,omitempty"`
}

func (SongErrorSegment) Type() SegmentType { return SegmentSongError }

// RawBlockSegment holds long-text content verbatim, newlines preserved.
type RawBlockSegment struct {
	Content string `json:"content"`
}

func (RawBlockSegment) Type() SegmentType { return SegmentRawBlock }

// MarshalSegment encodes a segment as {"type": ..., "data": {...}}.
func MarshalSegment(s Segment) ([]byte, error) {
	return json.Marshal(struct {
		Type SegmentType `json:"type"`
		Data Segment     `json:"data"`
	}{Type: s.Type(), Data: s})
}
