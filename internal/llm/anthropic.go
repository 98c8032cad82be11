package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// Anthropic is the primary provider.
type Anthropic struct {
	client anthropic.Client
	model  string
}

// NewAnthropic creates the primary client.
func NewAnthropic(apiKey, model, baseURL string) (*Anthropic, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	if model == "" {
		model = "claude-sonnet-4-20250514"
	}
	options := []option.RequestOption{option.WithAPIKey(apiKey)}
	if strings.TrimSpace(baseURL) != "" {
		options = append(options, option.WithBaseURL(baseURL))
	}
	return &Anthropic{client: anthropic.NewClient(options...), model: model}, nil
}

func (a *Anthropic) params(req Request) anthropic.MessageNewParams {
	messages := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, msg := range req.Messages {
		block := anthropic.NewTextBlock(msg.Content)
		if msg.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(block))
		} else {
			messages = append(messages, anthropic.NewUserMessage(block))
		}
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

// Complete performs a blocking completion.
func (a *Anthropic) Complete(ctx context.Context, req Request) (string, Usage, error) {
	message, err := a.client.Messages.New(ctx, a.params(req))
	if err != nil {
		return "", Usage{}, a.wrap(err)
	}
	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	usage := Usage{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	}
	return text.String(), usage, nil
}

// Stream performs a streaming completion, invoking onDelta per text
// fragment.
func (a *Anthropic) Stream(ctx context.Context, req Request, onDelta func(string)) (string, Usage, error) {
	stream := a.client.Messages.NewStreaming(ctx, a.params(req))
	var text strings.Builder
	var usage Usage
	for stream.Next() {
		event := stream.Current()
		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			usage.InputTokens = int(start.Message.Usage.InputTokens)
		case "content_block_delta":
			delta := event.AsContentBlockDelta()
			if delta.Delta.Type == "text_delta" && delta.Delta.Text != "" {
				text.WriteString(delta.Delta.Text)
				if onDelta != nil {
					onDelta(delta.Delta.Text)
				}
			}
		case "message_delta":
			delta := event.AsMessageDelta()
			usage.OutputTokens = int(delta.Usage.OutputTokens)
		}
	}
	if err := stream.Err(); err != nil {
		return "", usage, a.wrap(err)
	}
	return text.String(), usage, nil
}

func (a *Anthropic) wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, fmt.Errorf("anthropic: %w", err))
	}
	// Transport-level failure with no status behaves like overload so
	// the failover client can step in.
	return errors.Join(ErrOverloaded, fmt.Errorf("anthropic: %w", err))
}
