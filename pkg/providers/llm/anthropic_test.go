package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/lokutor-ai/convocore/pkg/orchestrator"
)

func newTestAnthropicLLM(serverURL string) *AnthropicLLM {
	return &AnthropicLLM{
		client: anthropic.NewClient(option.WithAPIKey("test-key"), option.WithBaseURL(serverURL)),
		model:  anthropic.ModelClaude3_5SonnetLatest,
	}
}

func TestAnthropicLLMComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":   "msg_1",
			"type": "message",
			"role": "assistant",
			"content": []map[string]interface{}{
				{"type": "text", "text": "hi from claude"},
			},
			"model":         "claude-3-5-sonnet-latest",
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"usage":         map[string]interface{}{"input_tokens": 1, "output_tokens": 1},
		})
	}))
	defer server.Close()

	l := newTestAnthropicLLM(server.URL)
	resp, err := l.Complete(context.Background(), []orchestrator.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "hi from claude" {
		t.Errorf("expected 'hi from claude', got %q", resp)
	}
	if l.Name() != "anthropic-llm" {
		t.Errorf("expected anthropic-llm, got %s", l.Name())
	}
}

func TestSplitSystemSeparatesSystemRole(t *testing.T) {
	system, msgs := splitSystem([]orchestrator.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	})
	if system != "be terse" {
		t.Errorf("expected system prompt extracted, got %q", system)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 non-system messages, got %d", len(msgs))
	}
}
