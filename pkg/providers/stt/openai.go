package stt

import (
	"bytes"
	"context"
	"fmt"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/lokutor-ai/convocore/pkg/audio"
	"github.com/lokutor-ai/convocore/pkg/orchestrator"
)

// OpenAISTT implements orchestrator.STTProvider against the Audio
// Transcriptions (Whisper) API, the STT counterpart of llm.OpenAILLM: one
// client struct, with NewGroqSTT pointing it at Groq's OpenAI-compatible
// base URL the same way llm.NewGroqLLM reuses OpenAILLM.
type OpenAISTT struct {
	client     oai.Client
	model      string
	sampleRate int
	name       string
}

// NewOpenAISTT constructs an OpenAI Whisper-backed STT provider.
func NewOpenAISTT(apiKey string, model string) *OpenAISTT {
	if model == "" {
		model = "whisper-1"
	}
	return &OpenAISTT{
		client:     oai.NewClient(option.WithAPIKey(apiKey)),
		model:      model,
		sampleRate: 44100,
		name:       "openai_stt",
	}
}

// NewGroqSTT returns an OpenAI-API-compatible STT provider pointed at Groq's
// base URL, reusing this provider's request shaping.
func NewGroqSTT(apiKey string, model string) *OpenAISTT {
	if model == "" {
		model = "whisper-large-v3-turbo"
	}
	return &OpenAISTT{
		client: oai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL("https://api.groq.com/openai/v1"),
		),
		model:      model,
		sampleRate: 44100,
		name:       "groq-stt",
	}
}

func (s *OpenAISTT) SetSampleRate(rate int) {
	s.sampleRate = rate
}

func (s *OpenAISTT) Name() string {
	return s.name
}

func (s *OpenAISTT) Transcribe(ctx context.Context, audioPCM []byte, lang orchestrator.Language) (string, error) {
	wavData := audio.NewWavBuffer(audioPCM, s.sampleRate)

	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wavData), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(s.model),
	}
	if lang != "" {
		params.Language = param.NewOpt(string(lang))
	}

	resp, err := s.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("%s: transcribe: %w", s.name, err)
	}
	return resp.Text, nil
}
