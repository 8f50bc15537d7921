package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/openai/openai-go/option"

	oai "github.com/openai/openai-go"
	"github.com/lokutor-ai/convocore/pkg/orchestrator"
)

func newTestOpenAILLM(t *testing.T, serverURL string) *OpenAILLM {
	t.Helper()
	return &OpenAILLM{
		client: oai.NewClient(option.WithAPIKey("test-key"), option.WithBaseURL(serverURL)),
		model:  "gpt-4o",
	}
}

func TestOpenAILLMComplete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "gpt-4o",
			"choices": []map[string]interface{}{
				{
					"index":         0,
					"finish_reason": "stop",
					"message":       map[string]interface{}{"role": "assistant", "content": "hello there"},
				},
			},
		})
	}))
	defer server.Close()

	l := newTestOpenAILLM(t, server.URL)
	resp, err := l.Complete(context.Background(), []orchestrator.Message{{Role: "user", Content: "hi"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp != "hello there" {
		t.Errorf("expected 'hello there', got %q", resp)
	}
	if l.Name() != "openai-llm" {
		t.Errorf("expected name openai-llm, got %s", l.Name())
	}
}

func TestOpenAILLMCompleteEmptyChoicesIsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 0,
			"model":   "gpt-4o",
			"choices": []map[string]interface{}{},
		})
	}))
	defer server.Close()

	l := newTestOpenAILLM(t, server.URL)
	_, err := l.Complete(context.Background(), []orchestrator.Message{{Role: "user", Content: "hi"}})
	if err == nil {
		t.Fatal("expected error for empty choices")
	}
}

func TestNewGroqLLMDefaultsModel(t *testing.T) {
	l := NewGroqLLM("test-key", "")
	if l.model == "" {
		t.Error("expected a default model to be set")
	}
	if l.Name() != "openai-llm" {
		t.Errorf("expected groq provider to reuse openai-llm's Name(), got %s", l.Name())
	}
}
