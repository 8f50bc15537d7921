package llm

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lokutor-ai/convocore/pkg/orchestrator"
)

// AnthropicLLM implements orchestrator.StreamingLLMProvider against the
// Messages API.
type AnthropicLLM struct {
	client anthropic.Client
	model  anthropic.Model
}

// NewAnthropicLLM constructs an Anthropic-backed LLM provider.
func NewAnthropicLLM(apiKey string, model string) *AnthropicLLM {
	if model == "" {
		model = string(anthropic.ModelClaude3_5SonnetLatest)
	}
	return &AnthropicLLM{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  anthropic.Model(model),
	}
}

func (l *AnthropicLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	system, msgs := splitSystem(messages)
	params := anthropic.MessageNewParams{
		Model:     l.model,
		MaxTokens: 1024,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := l.client.Messages.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("anthropic: messages.new: %w", err)
	}
	if len(resp.Content) == 0 {
		return "", orchestrator.ErrEmptyTranscription
	}
	return resp.Content[0].Text, nil
}

// GenerateStreaming implements orchestrator.StreamingLLMProvider.
func (l *AnthropicLLM) GenerateStreaming(ctx context.Context, req orchestrator.GenerateRequest, cb orchestrator.StreamCallbacks) error {
	system, msgs := splitSystem(req.Messages)
	if req.SystemPrompt != "" {
		system = req.SystemPrompt
	}
	maxTokens := int64(1024)
	if req.MaxTokens > 0 {
		maxTokens = int64(req.MaxTokens)
	}
	params := anthropic.MessageNewParams{
		Model:     l.model,
		MaxTokens: maxTokens,
		Messages:  msgs,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	stream := l.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	var full string
	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			continue
		}
		switch delta := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta.Delta.Text != "" {
				full += delta.Delta.Text
				cb.OnToken(delta.Delta.Text)
			}
		}
		select {
		case <-ctx.Done():
			return orchestrator.ErrCancelled
		default:
		}
	}
	if err := stream.Err(); err != nil {
		if cb.OnError != nil {
			cb.OnError(err.Error())
		}
		return &orchestrator.LLMTransientError{Cause: err}
	}
	cb.OnComplete(orchestrator.GenerateResponse{Text: full})
	return nil
}

func splitSystem(messages []orchestrator.Message) (string, []anthropic.MessageParam) {
	var system string
	var out []anthropic.MessageParam
	for _, m := range messages {
		if m.Role == "system" {
			system = m.Content
			continue
		}
		if m.Role == "assistant" {
			out = append(out, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		} else {
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return system, out
}

func (l *AnthropicLLM) Name() string {
	return "anthropic-llm"
}
