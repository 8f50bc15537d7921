package stt

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

func newTestOpenAISTT(t *testing.T, serverURL string) *OpenAISTT {
	t.Helper()
	return &OpenAISTT{
		client:     oai.NewClient(option.WithAPIKey("test-key"), option.WithBaseURL(serverURL)),
		model:      "whisper-1",
		sampleRate: 44100,
		name:       "openai_stt",
	}
}

func TestOpenAISTT(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer test-key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		resp := struct {
			Text string `json:"text"`
		}{
			Text: "transcribed text",
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer server.Close()

	s := newTestOpenAISTT(t, server.URL)

	result, err := s.Transcribe(context.Background(), []byte{0, 0, 0, 0}, orchestrator.LanguageEn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if result != "transcribed text" {
		t.Errorf("expected 'transcribed text', got '%s'", result)
	}

	if s.Name() != "openai_stt" {
		t.Errorf("expected openai_stt, got %s", s.Name())
	}

	s.SetSampleRate(16000)
	if s.sampleRate != 16000 {
		t.Errorf("expected 16000, got %d", s.sampleRate)
	}
}
