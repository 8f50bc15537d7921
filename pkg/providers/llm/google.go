package llm

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"github.com/lokutor-ai/convocore/pkg/orchestrator"
)

// GoogleLLM implements orchestrator.StreamingLLMProvider against the
// Gemini API.
type GoogleLLM struct {
	client *genai.Client
	model  string
}

// NewGoogleLLM constructs a Gemini-backed LLM provider.
func NewGoogleLLM(ctx context.Context, apiKey string, model string) (*GoogleLLM, error) {
	if model == "" {
		model = "gemini-1.5-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("google: new client: %w", err)
	}
	return &GoogleLLM{client: client, model: model}, nil
}

func (l *GoogleLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	contents, cfg := toGenaiContents(messages)
	resp, err := l.client.Models.GenerateContent(ctx, l.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("google: generate content: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", orchestrator.ErrEmptyTranscription
	}
	return text, nil
}

// GenerateStreaming implements orchestrator.StreamingLLMProvider.
func (l *GoogleLLM) GenerateStreaming(ctx context.Context, req orchestrator.GenerateRequest, cb orchestrator.StreamCallbacks) error {
	contents, cfg := toGenaiContents(req.Messages)
	if req.SystemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(req.SystemPrompt, genai.RoleUser)
	}
	if req.Temperature != 0 {
		t := float32(req.Temperature)
		cfg.Temperature = &t
	}

	var full string
	for chunk, err := range l.client.Models.GenerateContentStream(ctx, l.model, contents, cfg) {
		if err != nil {
			if cb.OnError != nil {
				cb.OnError(err.Error())
			}
			return &orchestrator.LLMTransientError{Cause: err}
		}
		text := chunk.Text()
		if text == "" {
			continue
		}
		full += text
		cb.OnToken(text)

		select {
		case <-ctx.Done():
			return orchestrator.ErrCancelled
		default:
		}
	}
	cb.OnComplete(orchestrator.GenerateResponse{Text: full})
	return nil
}

func toGenaiContents(messages []orchestrator.Message) ([]*genai.Content, *genai.GenerateContentConfig) {
	cfg := &genai.GenerateContentConfig{}
	var contents []*genai.Content
	for _, m := range messages {
		switch m.Role {
		case "system":
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return contents, cfg
}

func (l *GoogleLLM) Name() string {
	return "google-llm"
}
