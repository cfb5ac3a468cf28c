// Package music turns free-text song queries into playable track ids.
package music

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"arcbot/internal/domain"
	"arcbot/internal/retry"
)

// Provider is the platform music source the track ids belong to.
const Provider = "163"

// DefaultTimeout bounds one search request.
const DefaultTimeout = 5 * time.Second

// ErrNotFound is returned when the search yields no usable song.
var ErrNotFound = fmt.Errorf("music: no song found: %w", domain.ErrUnresolvedReference)

type searchResponse struct {
	Code   int `json:"code"`
	Result struct {
		Songs []struct {
			ID json.Number `json:"id"`
		} `json:"songs"`
	} `json:"result"`
}

// Option configures an HTTPResolver.
type Option func(*HTTPResolver)

// WithLogger sets the logger. Nil is ignored.
func WithLogger(l *slog.Logger) Option {
	return func(r *HTTPResolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithHTTPClient replaces the default client, whose timeout is DefaultTimeout.
func WithHTTPClient(c *http.Client) Option {
	return func(r *HTTPResolver) {
		if c != nil {
			r.client = c
		}
	}
}

// WithRetry sets the retry policy. The default retries once.
func WithRetry(cfg retry.Config) Option {
	return func(r *HTTPResolver) { r.retry = cfg }
}

// HTTPResolver queries GET <searchURL>?keywords=<q>&limit=1 and takes the
// first song.
type HTTPResolver struct {
	searchURL string
	client    *http.Client
	retry     retry.Config
	logger    *slog.Logger
}

func NewHTTPResolver(searchURL string, opts ...Option) *HTTPResolver {
	cfg := retry.DefaultConfig()
	cfg.MaxRetries = 1
	cfg.InitialBackoff = time.Second
	r := &HTTPResolver{
		searchURL: searchURL,
		client:    &http.Client{Timeout: DefaultTimeout},
		retry:     cfg,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *HTTPResolver) log() *slog.Logger {
	if r.logger != nil {
		return r.logger
	}
	return slog.Default()
}

// Resolve searches for query. Transient failures are retried; a search
// without results returns ErrNotFound.
func (r *HTTPResolver) Resolve(ctx context.Context, query string) (domain.SongSegment, error) {
	if query == "" {
		return domain.SongSegment{}, fmt.Errorf("music: empty query: %w", domain.ErrMalformedTag)
	}
	u, err := url.Parse(r.searchURL)
	if err != nil {
		return domain.SongSegment{}, fmt.Errorf("music: bad search url: %w", err)
	}
	q := u.Query()
	q.Set("keywords", query)
	q.Set("limit", "1")
	u.RawQuery = q.Encode()

	var song domain.SongSegment
	err = retry.Do(ctx, r.retry, func(ctx context.Context) error {
		s, err := r.search(ctx, u.String())
		if err != nil {
			r.log().Warn("music search attempt failed", "query", query, "error", err)
			return err
		}
		song = s
		return nil
	})
	if err != nil {
		return domain.SongSegment{}, err
	}
	r.log().Debug("music resolved", "query", query, "track", song.TrackID)
	return song, nil
}

func (r *HTTPResolver) search(ctx context.Context, target string) (domain.SongSegment, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return domain.SongSegment{}, fmt.Errorf("music: build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return domain.SongSegment{}, fmt.Errorf("music: request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return domain.SongSegment{}, fmt.Errorf("music: search returned status %d", resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return domain.SongSegment{}, fmt.Errorf("music: decode response: %w", err)
	}
	if body.Code != http.StatusOK || len(body.Result.Songs) == 0 || body.Result.Songs[0].ID == "" {
		return domain.SongSegment{}, ErrNotFound
	}
	return domain.SongSegment{Provider: Provider, TrackID: body.Result.Songs[0].ID.String()}, nil
}

// Reason renders a resolve error as a short user-facing reason.
func Reason(err error) string {
	var netErr interface{ Timeout() bool }
	switch {
	case errors.Is(err, domain.ErrUnresolvedReference):
		return "not found"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "timed out"
	default:
		return "search failed"
	}
}

var _ domain.MusicResolver = (*HTTPResolver)(nil)
