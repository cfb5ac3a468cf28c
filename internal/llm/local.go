package llm

import (
	"context"
	"iter"
	"strings"

	"arcbot/internal/domain"
)

// LocalProvider is a model-agnostic stub for manual testing without API
// keys. It streams the last user turn back word by word, prefixed.
type LocalProvider struct {
	Prefix string
}

func NewLocalProvider(prefix string) *LocalProvider {
	return &LocalProvider{Prefix: prefix}
}

func (p *LocalProvider) Name() string { return "local" }

// Stream implements domain.StreamingProvider.
func (p *LocalProvider) Stream(ctx context.Context, turns []domain.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		var last string
		for i := len(turns) - 1; i >= 0; i-- {
			if turns[i].Role == domain.RoleUser {
				last = turns[i].Content
				break
			}
		}
		reply := p.Prefix + last
		for _, word := range strings.SplitAfter(reply, " ") {
			if err := ctx.Err(); err != nil {
				yield("", err)
				return
			}
			if word == "" {
				continue
			}
			if !yield(word, nil) {
				return
			}
		}
	}
}

var _ domain.StreamingProvider = (*LocalProvider)(nil)
