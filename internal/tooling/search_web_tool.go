package tooling

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"arcbot/internal/domain"
)

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 20
	// maxShownResults caps how many results reach the model whatever the limit.
	maxShownResults = 10
	maxTitleRunes   = 80
	maxSnippetRunes = 120
)

// SearchWebParams are the parsed arguments of [search_web:<query>[:limit]].
type SearchWebParams struct {
	Query string
	Limit int
}

type searchRequest struct {
	Query     string   `json:"query"`
	Limit     int      `json:"limit"`
	Sources   []string `json:"sources"`
	Lang      string   `json:"lang"`
	Region    string   `json:"region"`
	TimeRange string   `json:"time_range"`
	TimeoutMs int      `json:"timeout_ms"`
}

type searchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Domain  string  `json:"domain"`
	Score   float64 `json:"score"`
}

type searchResponse struct {
	Results       []searchResult `json:"results"`
	TotalResults  int            `json:"total_results"`
	ProcessTimeMs int            `json:"process_time_ms"`
}

// SearchWebTool queries an aggregate search API and lists the top hits.
type SearchWebTool struct {
	poster    HTTPPoster
	searchURL string
}

// NewSearchWebTool creates a SearchWebTool posting to searchURL. Panics if
// poster is nil.
func NewSearchWebTool(poster HTTPPoster, searchURL string) *SearchWebTool {
	if poster == nil {
		panic("tooling: poster must not be nil")
	}
	return &SearchWebTool{poster: poster, searchURL: searchURL}
}

var searchWebPattern = regexp.MustCompile(`\[search_web:([^:\]]+)(?::(\d+))?\]`)

func (t *SearchWebTool) Name() string            { return "search_web" }
func (t *SearchWebTool) Pattern() *regexp.Regexp { return searchWebPattern }

func (t *SearchWebTool) Usage() string {
	return "[search_web:query] or [search_web:query:5] search the web for fresh facts"
}

func (t *SearchWebTool) Parse(subs []string) (any, error) {
	if len(subs) < 2 || strings.TrimSpace(subs[1]) == "" {
		return nil, fmt.Errorf("search_web: %w", domain.ErrMalformedTag)
	}
	limit := defaultSearchLimit
	if len(subs) > 2 && subs[2] != "" {
		n, err := strconv.Atoi(subs[2])
		if err != nil {
			return nil, fmt.Errorf("search_web: limit %q: %w", subs[2], domain.ErrMalformedTag)
		}
		limit = min(max(n, 1), maxSearchLimit)
	}
	return SearchWebParams{Query: strings.TrimSpace(subs[1]), Limit: limit}, nil
}

// Execute posts the query and formats the response for the model.
func (t *SearchWebTool) Execute(ctx context.Context, call domain.PendingToolCall) (string, error) {
	params, ok := call.Params.(SearchWebParams)
	if !ok {
		return "", fmt.Errorf("search_web: unexpected params %T: %w", call.Params, domain.ErrToolFailure)
	}
	body, err := json.Marshal(searchRequest{
		Query:     params.Query,
		Limit:     params.Limit,
		Sources:   []string{"bing", "ddg"},
		Lang:      "zh-CN",
		Region:    "CN",
		TimeRange: "all",
		TimeoutMs: 5000,
	})
	if err != nil {
		return "", fmt.Errorf("search_web: encode request: %w", err)
	}
	raw, err := t.poster.Post(ctx, t.searchURL, body)
	if err != nil {
		return "", fmt.Errorf("search_web: %w: %w", domain.ErrToolFailure, err)
	}
	var resp searchResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", fmt.Errorf("search_web: decode response: %w: %w", domain.ErrToolFailure, err)
	}
	return formatSearch(params.Query, resp), nil
}

func formatSearch(query string, resp searchResponse) string {
	if len(resp.Results) == 0 {
		return fmt.Sprintf("【web search】\nquery: %s\nno results found\n【end of web search】", query)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "【web search】\nquery: %s\nfound %d results in %dms\n", query, resp.TotalResults, resp.ProcessTimeMs)
	for i, r := range resp.Results[:min(len(resp.Results), maxShownResults)] {
		fmt.Fprintf(&b, "\n%d. %s\n", i+1, truncateRunes(r.Title, maxTitleRunes))
		if r.Domain != "" {
			fmt.Fprintf(&b, "   source: %s\n", r.Domain)
		}
		if r.Snippet != "" {
			fmt.Fprintf(&b, "   description: %s\n", truncateRunes(r.Snippet, maxSnippetRunes))
		}
		fmt.Fprintf(&b, "   link: %s\n", r.URL)
		if r.Score > 0 {
			fmt.Fprintf(&b, "   score: %.1f\n", r.Score)
		}
	}
	b.WriteString("【end of web search】")
	return b.String()
}

var _ domain.Tool = (*SearchWebTool)(nil)
