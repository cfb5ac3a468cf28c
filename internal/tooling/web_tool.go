package tooling

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"arcbot/internal/domain"
)

// HTTPFetcher abstracts HTTP GET requests for testability.
type HTTPFetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPPoster abstracts JSON POST requests for testability.
type HTTPPoster interface {
	Post(ctx context.Context, url string, body []byte) ([]byte, error)
}

// WebParams are the parsed arguments of [parse_web:<url>].
type WebParams struct {
	URL string
}

// maxPageRunes caps the page text handed back to the model.
const maxPageRunes = 2000

// ParseWebTool fetches a page, strips scripts and styles with goquery and
// extracts the main article text with go-readability.
type ParseWebTool struct {
	fetcher HTTPFetcher
}

// NewParseWebTool creates a ParseWebTool. Panics if fetcher is nil.
func NewParseWebTool(fetcher HTTPFetcher) *ParseWebTool {
	if fetcher == nil {
		panic("tooling: fetcher must not be nil")
	}
	return &ParseWebTool{fetcher: fetcher}
}

// Package-level injectable function vars for error paths unreachable with
// natural inputs.
var (
	webGoQueryParseFunc = goquery.NewDocumentFromReader
	webRenderHTMLFunc   = func(doc *goquery.Document) (string, error) { return doc.Html() }
	webReadabilityFunc  = func(input io.Reader, pageURL *url.URL) (readability.Article, error) {
		return readability.FromReader(input, pageURL)
	}
)

var parseWebPattern = regexp.MustCompile(`\[parse_web:(https?://[^\s\]]+)\]`)

func (t *ParseWebTool) Name() string            { return "parse_web" }
func (t *ParseWebTool) Pattern() *regexp.Regexp { return parseWebPattern }

func (t *ParseWebTool) Usage() string {
	return "[parse_web:https://example.com/page] read a web page the user linked or asked about"
}

func (t *ParseWebTool) Parse(subs []string) (any, error) {
	if len(subs) < 2 || subs[1] == "" {
		return nil, fmt.Errorf("parse_web: %w", domain.ErrMalformedTag)
	}
	return WebParams{URL: subs[1]}, nil
}

// Execute fetches the page and formats its title, link and text.
func (t *ParseWebTool) Execute(ctx context.Context, call domain.PendingToolCall) (string, error) {
	params, ok := call.Params.(WebParams)
	if !ok {
		return "", fmt.Errorf("parse_web: unexpected params %T: %w", call.Params, domain.ErrToolFailure)
	}
	rawHTML, err := t.fetcher.Fetch(ctx, params.URL)
	if err != nil {
		return "", fmt.Errorf("parse_web: %w: %w", domain.ErrToolFailure, err)
	}
	page, err := processHTML(rawHTML, params.URL)
	if err != nil {
		return "", fmt.Errorf("parse_web: %w: %w", domain.ErrToolFailure, err)
	}
	title := page.title
	if title == "" {
		title = "(untitled)"
	}
	return fmt.Sprintf("【web page】\ntitle: %s\nlink: %s\ncontent:\n%s\n【end of web page】",
		title, params.URL, truncateRunes(page.text, maxPageRunes)), nil
}

type pageText struct {
	title string
	text  string
}

// processHTML strips scripts/styles and extracts readable content.
// Falls back to plain text extraction when readability cannot identify an article.
func processHTML(rawHTML []byte, sourceURL string) (pageText, error) {
	doc, err := webGoQueryParseFunc(bytes.NewReader(rawHTML))
	if err != nil {
		return pageText{}, fmt.Errorf("failed to parse HTML: %w", err)
	}
	doc.Find("script, style, noscript").Remove()
	title := strings.TrimSpace(doc.Find("title").First().Text())

	cleaned, err := webRenderHTMLFunc(doc)
	if err != nil {
		return pageText{}, fmt.Errorf("failed to render HTML: %w", err)
	}

	if pageURL, err := url.Parse(sourceURL); err == nil {
		article, err := webReadabilityFunc(strings.NewReader(cleaned), pageURL)
		if err == nil && strings.TrimSpace(article.TextContent) != "" {
			if article.Title != "" {
				title = article.Title
			}
			return pageText{title: title, text: collapseBlankLines(article.TextContent)}, nil
		}
	}

	text := collapseBlankLines(doc.Text())
	if text == "" {
		return pageText{}, fmt.Errorf("no content found at URL")
	}
	return pageText{title: title, text: text}, nil
}

// collapseBlankLines trims every line and drops empty ones.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	out := lines[:0]
	for _, l := range lines {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return strings.Join(out, "\n")
}

// maxResponseSize limits the maximum HTTP response body to 10 MB.
const maxResponseSize = 10 * 1024 * 1024

// DefaultHTTPFetcher implements HTTPFetcher using net/http.
type DefaultHTTPFetcher struct {
	client *http.Client
}

// NewDefaultHTTPFetcher creates a DefaultHTTPFetcher with the given timeout.
func NewDefaultHTTPFetcher(timeout time.Duration) *DefaultHTTPFetcher {
	return &DefaultHTTPFetcher{client: &http.Client{Timeout: timeout}}
}

// Fetch retrieves the content at the given URL with a User-Agent header.
func (f *DefaultHTTPFetcher) Fetch(ctx context.Context, fetchURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	return f.do(req)
}

// Post sends body as JSON to postURL and returns the response body.
func (f *DefaultHTTPFetcher) Post(ctx context.Context, postURL string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, postURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return f.do(req)
}

func (f *DefaultHTTPFetcher) do(req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", "arcbot/1.0 (page reader)")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return body, nil
}

var _ domain.Tool = (*ParseWebTool)(nil)
