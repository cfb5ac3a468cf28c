package llm

import (
	"context"
	"fmt"
	"iter"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"arcbot/internal/domain"
)

// OpenAIStream streams chat completions from the OpenAI API or any server
// speaking the same protocol (OpenRouter, Ollama, vLLM).
type OpenAIStream struct {
	name      string
	client    openai.Client
	model     string
	maxTokens int
}

// NewOpenAIStream returns a provider for model. An empty baseURL uses the
// SDK default. Extra request options are passed to the client.
func NewOpenAIStream(name, apiKey, baseURL, model string, maxTokens int, opts ...option.RequestOption) *OpenAIStream {
	clientOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(baseURL))
	}
	clientOpts = append(clientOpts, opts...)
	return &OpenAIStream{
		name:      name,
		client:    openai.NewClient(clientOpts...),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (p *OpenAIStream) Name() string { return p.name }

func (p *OpenAIStream) params(turns []domain.Turn) openai.ChatCompletionNewParams {
	msgs := make([]openai.ChatCompletionMessageParamUnion, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case domain.RoleSystem:
			msgs = append(msgs, openai.SystemMessage(t.Content))
		case domain.RoleAssistant:
			msgs = append(msgs, openai.AssistantMessage(t.Content))
		default:
			msgs = append(msgs, openai.UserMessage(t.Content))
		}
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(p.model),
		Messages: msgs,
	}
	if p.maxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(p.maxTokens))
	}
	return params
}

// Stream implements domain.StreamingProvider.
func (p *OpenAIStream) Stream(ctx context.Context, turns []domain.Turn) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		stream := p.client.Chat.Completions.NewStreaming(ctx, p.params(turns))
		defer stream.Close()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if delta := chunk.Choices[0].Delta.Content; delta != "" {
				if !yield(delta, nil) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield("", fmt.Errorf("%s stream: %w", p.name, err))
		}
	}
}

var _ domain.StreamingProvider = (*OpenAIStream)(nil)
