package llm

import (
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/lokutor-ai/convocore/pkg/orchestrator"
)

// OpenAILLM implements orchestrator.StreamingLLMProvider against the
// Chat Completions API.
type OpenAILLM struct {
	client oai.Client
	model  string
}

// NewOpenAILLM constructs an OpenAI-backed LLM provider.
func NewOpenAILLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "gpt-4o"
	}
	return &OpenAILLM{
		client: oai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// NewGroqLLM returns an OpenAI-API-compatible provider pointed at Groq's
// base URL, reusing this provider's request shaping.
func NewGroqLLM(apiKey string, model string) *OpenAILLM {
	if model == "" {
		model = "llama-3.3-70b-versatile"
	}
	return &OpenAILLM{
		client: oai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL("https://api.groq.com/openai/v1"),
		),
		model: model,
	}
}

func (l *OpenAILLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	resp, err := l.client.Chat.Completions.New(ctx, l.params(messages, ""))
	if err != nil {
		return "", fmt.Errorf("openai: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", orchestrator.ErrEmptyTranscription
	}
	return resp.Choices[0].Message.Content, nil
}

// GenerateStreaming implements orchestrator.StreamingLLMProvider, forwarding
// token deltas through cb.OnToken and the accumulated text through
// cb.OnComplete. It returns once the stream ends or ctx is cancelled
// (barge-in), in which case no OnComplete is invoked.
func (l *OpenAILLM) GenerateStreaming(ctx context.Context, req orchestrator.GenerateRequest, cb orchestrator.StreamCallbacks) error {
	params := l.params(req.Messages, req.SystemPrompt)
	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = param.NewOpt(int64(req.MaxTokens))
	}

	stream := l.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

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
		cb.OnToken(delta)

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

func (l *OpenAILLM) params(messages []orchestrator.Message, systemPrompt string) oai.ChatCompletionNewParams {
	var msgs []oai.ChatCompletionMessageParamUnion
	if systemPrompt != "" {
		msgs = append(msgs, oai.SystemMessage(systemPrompt))
	}
	for _, m := range messages {
		switch m.Role {
		case "system":
			msgs = append(msgs, oai.SystemMessage(m.Content))
		case "assistant":
			msgs = append(msgs, oai.AssistantMessage(m.Content))
		default:
			msgs = append(msgs, oai.UserMessage(m.Content))
		}
	}
	return oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(l.model),
		Messages: msgs,
	}
}

func (l *OpenAILLM) Name() string {
	return "openai-llm"
}
