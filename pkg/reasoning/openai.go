package reasoning

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
)

// OpenAIOptions configures the OpenAI adapter.
type OpenAIOptions struct {
	Model               string
	Temperature         float64
	MaxCompletionTokens int64
}

// OpenAIModel wraps the Chat Completions API behind the Model interface.
type OpenAIModel struct {
	client *openai.Client
	opts   OpenAIOptions
}

// NewOpenAIModel creates an adapter using the official client, which reads
// OPENAI_API_KEY from the environment.
func NewOpenAIModel(optFns ...func(o *OpenAIOptions)) *OpenAIModel {
	client := openai.NewClient()
	return NewOpenAIModelFromClient(&client, optFns...)
}

// NewOpenAIModelFromClient creates an adapter from an existing client.
func NewOpenAIModelFromClient(client *openai.Client, optFns ...func(o *OpenAIOptions)) *OpenAIModel {
	opts := OpenAIOptions{
		Model:               openai.ChatModelGPT4oMini,
		Temperature:         0.2,
		MaxCompletionTokens: 1024,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &OpenAIModel{client: client, opts: opts}
}

// Complete sends one user turn and returns the first choice's content.
func (m *OpenAIModel) Complete(ctx context.Context, system, user string) (string, error) {
	var messages []openai.ChatCompletionMessageParamUnion
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}
	messages = append(messages, openai.UserMessage(user))

	resp, err := m.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Messages:            messages,
		Model:               m.opts.Model,
		Temperature:         openai.Float(m.opts.Temperature),
		MaxCompletionTokens: openai.Int(m.opts.MaxCompletionTokens),
	})
	if err != nil {
		return "", fmt.Errorf("openai api error: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
