package llm

import (
	"context"
	"fmt"
	"iter"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"arcbot/internal/domain"
)

// defaultAnthropicMaxTokens is used when the config sets no cap; the
// messages API requires one.
const defaultAnthropicMaxTokens = 4096

// AnthropicStream streams replies from the Anthropic messages API.
type AnthropicStream struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

func NewAnthropicStream(apiKey, baseURL, model string, maxTokens int, opts ...option.RequestOption) *AnthropicStream {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	clientOpts = append(clientOpts, opts...)
	mt := int64(maxTokens)
	if mt <= 0 {
		mt = defaultAnthropicMaxTokens
	}
	return &AnthropicStream{
		client:    anthropic.NewClient(clientOpts...),
		model:     model,
		maxTokens: mt,
	}
}

func (p *AnthropicStream) Name() string { return "anthropic" }

// params maps the leading system turn to the system field. Later system
// turns (tool results) become user messages, since the API has no
// mid-conversation system role.
func (p *AnthropicStream) params(turns []domain.Turn) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for i, t := range turns {
		switch {
		case t.Role == domain.RoleSystem && i == 0:
			system = append(system, anthropic.TextBlockParam{Text: t.Content})
		case t.Role == domain.RoleAssistant:
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Content)))
		default:
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Content)))
		}
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  msgs,
		MaxTokens: p.maxTokens,
	}
	if len(system) > 0 {
		params.System = system
	}
	return params
}

// Stream implements domain.StreamingProvider. Only text deltas are
// forwarded.
func (p *AnthropicStream) Stream(ctx context.Context, turns []domain.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := p.client.Messages.NewStreaming(ctx, p.params(turns))
		defer stream.Close()

		for stream.Next() {
			event := stream.Current()
			ev, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := ev.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			if !yield(delta.Text, nil) {
				return
			}
		}
		if err := stream.Err(); err != nil {
			yield("", fmt.Errorf("anthropic stream: %w", err))
		}
	}
}

var _ domain.StreamingProvider = (*AnthropicStream)(nil)
