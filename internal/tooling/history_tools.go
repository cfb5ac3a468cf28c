package tooling

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"arcbot/internal/domain"
)

const (
	minContextCount  = 1
	maxContextCount  = 100
	defaultDays      = 7
	minSearchDays    = 7
	maxSearchDays    = 730
	maxSearchResults = 15
	searchScanLimit  = 5000
	maxHitRunes      = 100
)

// selfLabel replaces the bot's own name in history listings.
const selfLabel = "yourself"

// nowFunc is swapped in tests.
var nowFunc = time.Now

// =============================================================================
// get_context
// =============================================================================

// ContextParams are the parsed arguments of [get_context:<n>].
type ContextParams struct {
	Count int
}

// GetContextTool returns the latest platform messages of the chat.
type GetContextTool struct {
	source domain.ChatHistorySource
	selfID string
}

// NewGetContextTool creates the tool. Panics if source is nil.
func NewGetContextTool(source domain.ChatHistorySource, selfID string) *GetContextTool {
	if source == nil {
		panic("tooling: history source must not be nil")
	}
	return &GetContextTool{source: source, selfID: selfID}
}

var getContextPattern = regexp.MustCompile(`\[get_context:(\d+)\]`)

func (t *GetContextTool) Name() string            { return "get_context" }
func (t *GetContextTool) Pattern() *regexp.Regexp { return getContextPattern }

func (t *GetContextTool) Usage() string {
	return "[get_context:N] fetch the last N chat messages (1-100) when the user refers to earlier conversation"
}

// Parse clamps the count to 1..100.
func (t *GetContextTool) Parse(subs []string) (any, error) {
	if len(subs) < 2 {
		return nil, fmt.Errorf("get_context: %w", domain.ErrMalformedTag)
	}
	n, err := strconv.Atoi(subs[1])
	if err != nil {
		// Digits that overflow int still ask for "as many as possible".
		n = maxContextCount
	}
	return ContextParams{Count: clamp(n, minContextCount, maxContextCount)}, nil
}

// Execute fetches and formats the messages, excluding the bot's own.
func (t *GetContextTool) Execute(ctx context.Context, call domain.PendingToolCall) (string, error) {
	params, ok := call.Params.(ContextParams)
	if !ok {
		return "", fmt.Errorf("get_context: unexpected params %T: %w", call.Params, domain.ErrToolFailure)
	}
	if call.Chat.ChatID == "" {
		return "", fmt.Errorf("get_context: missing chat id: %w", domain.ErrToolFailure)
	}
	msgs, err := t.source.Recent(ctx, call.Chat, params.Count+1)
	if err != nil {
		return "", fmt.Errorf("get_context: %w: %w", domain.ErrToolFailure, err)
	}
	msgs = excludeSender(msgs, t.selfID)
	if len(msgs) > params.Count {
		msgs = msgs[len(msgs)-params.Count:]
	}
	return FormatContext(msgs), nil
}

// FormatContext renders messages as "[hh:mm:ss] name(id): content" lines.
func FormatContext(msgs []domain.HistoryMessage) string {
	if len(msgs) == 0 {
		return "【chat context】\nno earlier messages.\n【end of context】"
	}
	var b strings.Builder
	b.WriteString("【chat context】\n")
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s(%s): %s\n", m.Time.Local().Format("15:04:05"), m.UserName, m.UserID, m.Content)
	}
	b.WriteString("【end of context】")
	return b.String()
}

func excludeSender(msgs []domain.HistoryMessage, id string) []domain.HistoryMessage {
	if id == "" {
		return msgs
	}
	out := msgs[:0:0]
	for _, m := range msgs {
		if m.UserID != id {
			out = append(out, m)
		}
	}
	return out
}

// =============================================================================
// search_context
// =============================================================================

// SearchParams are the parsed arguments of [search_context:<query>[:days]].
type SearchParams struct {
	Query string
	Days  int
}

// SearchContextTool ranks the chat's messages of the last days by relevance.
type SearchContextTool struct {
	source domain.ChatHistorySource
	selfID string
}

// NewSearchContextTool creates the tool. Panics if source is nil.
func NewSearchContextTool(source domain.ChatHistorySource, selfID string) *SearchContextTool {
	if source == nil {
		panic("tooling: history source must not be nil")
	}
	return &SearchContextTool{source: source, selfID: selfID}
}

var searchContextPattern = regexp.MustCompile(`\[search_context:([^:\]]+)(?::(\d+))?\]`)

func (t *SearchContextTool) Name() string            { return "search_context" }
func (t *SearchContextTool) Pattern() *regexp.Regexp { return searchContextPattern }

func (t *SearchContextTool) Usage() string {
	return "[search_context:keyword] or [search_context:keyword:days] search older chat history (days 7-730, default 7)"
}

// Parse trims the query and clamps days to 7..730.
func (t *SearchContextTool) Parse(subs []string) (any, error) {
	if len(subs) < 2 || strings.TrimSpace(subs[1]) == "" {
		return nil, fmt.Errorf("search_context: %w", domain.ErrMalformedTag)
	}
	days := defaultDays
	if len(subs) > 2 && subs[2] != "" {
		n, err := strconv.Atoi(subs[2])
		if err != nil {
			n = maxSearchDays
		}
		days = n
	}
	return SearchParams{Query: strings.TrimSpace(subs[1]), Days: clamp(days, minSearchDays, maxSearchDays)}, nil
}

// Execute scans the window and formats the top hits.
func (t *SearchContextTool) Execute(ctx context.Context, call domain.PendingToolCall) (string, error) {
	params, ok := call.Params.(SearchParams)
	if !ok {
		return "", fmt.Errorf("search_context: unexpected params %T: %w", call.Params, domain.ErrToolFailure)
	}
	if call.Chat.ChatID == "" {
		return "", fmt.Errorf("search_context: missing chat id: %w", domain.ErrToolFailure)
	}
	since := nowFunc().AddDate(0, 0, -params.Days)
	msgs, err := t.source.Since(ctx, call.Chat, since)
	if err != nil {
		return "", fmt.Errorf("search_context: %w: %w", domain.ErrToolFailure, err)
	}
	if len(msgs) > searchScanLimit {
		msgs = msgs[len(msgs)-searchScanLimit:]
	}
	if len(msgs) == 0 {
		return fmt.Sprintf("【search results】\nno chat history found (range: %d days)\n【end of search】", params.Days), nil
	}
	hits := SearchMessages(msgs, params.Query, maxSearchResults)
	if len(hits) == 0 {
		return fmt.Sprintf("【search results】\nnothing about '%s' in %d messages (range: %d days)\n【end of search】",
			params.Query, len(msgs), params.Days), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "【search results】 query: '%s' | range: %d days | found: %d/%d\n\n",
		params.Query, params.Days, len(hits), len(msgs))
	for i, h := range hits {
		name := h.UserName
		if t.selfID != "" && h.UserID == t.selfID {
			name = selfLabel
		}
		fmt.Fprintf(&b, "%d. [%s] %s: %s (score:%d)\n",
			i+1, h.Time.Local().Format("2006-01-02 15:04:05"), name, truncateRunes(h.Highlighted, maxHitRunes), h.Score)
	}
	b.WriteString("\n【end of search】")
	return b.String(), nil
}

func clamp(n, lo, hi int) int {
	return max(lo, min(hi, n))
}

var (
	_ domain.Tool = (*GetContextTool)(nil)
	_ domain.Tool = (*SearchContextTool)(nil)
)
