package reasoning

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicOptions configures the Claude adapter. Zero values fall back to
// a small fast model with conservative sampling.
type AnthropicOptions struct {
	Model       anthropic.Model
	Temperature float64
	MaxTokens   int64
	APIKey      string
}

// AnthropicModel wraps the Anthropic Messages API behind the Model interface.
type AnthropicModel struct {
	client *anthropic.Client
	opts   AnthropicOptions
}

// NewAnthropicModel creates an adapter using the official client. The API key
// falls back to the ANTHROPIC_API_KEY environment variable when unset.
func NewAnthropicModel(optFns ...func(o *AnthropicOptions)) *AnthropicModel {
	opts := AnthropicOptions{
		Model:       anthropic.ModelClaude3_5Haiku20241022,
		Temperature: 0.2,
		MaxTokens:   1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	var clientOpts []option.RequestOption
	if opts.APIKey != "" {
		clientOpts = append(clientOpts, option.WithAPIKey(opts.APIKey))
	}
	client := anthropic.NewClient(clientOpts...)

	return &AnthropicModel{client: &client, opts: opts}
}

// NewAnthropicModelFromClient creates an adapter from an existing client.
func NewAnthropicModelFromClient(client *anthropic.Client, optFns ...func(o *AnthropicOptions)) *AnthropicModel {
	opts := AnthropicOptions{
		Model:       anthropic.ModelClaude3_5Haiku20241022,
		Temperature: 0.2,
		MaxTokens:   1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &AnthropicModel{client: client, opts: opts}
}

// Complete sends one user turn and returns the concatenated text blocks.
func (m *AnthropicModel) Complete(ctx context.Context, system, user string) (string, error) {
	params := anthropic.MessageNewParams{
		Model:       m.opts.Model,
		MaxTokens:   m.opts.MaxTokens,
		Temperature: anthropic.Float(m.opts.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := m.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.AsText().Text
		}
	}
	return text, nil
}
