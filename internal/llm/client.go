// Package llm wraps the external chat-completion and embedding provider
// behind small domain types.
package llm

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Message is a chat message in provider-neutral form.
type Message struct {
	Role    string
	Content string
}

// Client talks to an OpenAI-compatible chat completion API.
type Client struct {
	api   openai.Client
	model string
}

// Options configures provider access. BaseURL is optional and points the
// client at any OpenAI-compatible endpoint.
type Options struct {
	APIKey  string
	BaseURL string
	Model   string
}

// NewClient creates a chat client for the given provider options.
func NewClient(opts Options) *Client {
	reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
	}
	return &Client{
		api:   openai.NewClient(reqOpts...),
		model: opts.Model,
	}
}

// Chat sends messages to the model and returns the full assistant response.
func (c *Client) Chat(ctx context.Context, messages []Message) (string, error) {
	completion, err := c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: toParams(messages),
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("chat completion: empty choices")
	}
	return completion.Choices[0].Message.Content, nil
}

// ChatStream sends messages to the model and forwards each non-empty text
// delta to fn as it arrives. It returns the accumulated response. A non-nil
// error from fn stops the stream and is returned as-is.
func (c *Client) ChatStream(ctx context.Context, messages []Message, fn func(delta string) error) (string, error) {
	stream := c.api.Chat.Completions.NewStreaming(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: toParams(messages),
	})

	var full string
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		full += delta
		if fn != nil {
			if err := fn(delta); err != nil {
				return full, err
			}
		}
	}
	if err := stream.Err(); err != nil {
		return full, fmt.Errorf("chat stream: %w", err)
	}
	return full, nil
}

func toParams(messages []Message) []openai.ChatCompletionMessageParamUnion {
	params := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			params = append(params, openai.SystemMessage(m.Content))
		case "assistant":
			params = append(params, openai.AssistantMessage(m.Content))
		default:
			params = append(params, openai.UserMessage(m.Content))
		}
	}
	return params
}
