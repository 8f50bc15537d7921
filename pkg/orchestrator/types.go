package orchestrator

import (
	"context"
)



type Logger interface {
	
	Debug(msg string, args ...interface{})
	
	Info(msg string, args ...interface{})
	
	Warn(msg string, args ...interface{})
	
	Error(msg string, args ...interface{})
}


type NoOpLogger struct{}

func (n *NoOpLogger) Debug(msg string, args ...interface{}) {}
func (n *NoOpLogger) Info(msg string, args ...interface{})  {}
func (n *NoOpLogger) Warn(msg string, args ...interface{})  {}
func (n *NoOpLogger) Error(msg string, args ...interface{}) {}


type STTProvider interface {
	Transcribe(ctx context.Context, audio []byte, lang Language) (string, error)
	Name() string
}


type StreamingSTTProvider interface {
	STTProvider
	StreamTranscribe(ctx context.Context, lang Language, onTranscript func(transcript string, isFinal bool) error) (chan<- []byte, error)
}


type LLMProvider interface {
	Complete(ctx context.Context, messages []Message) (string, error)
	Name() string
}


type GenerateRequest struct {
	Messages     []Message
	SystemPrompt string
	Model        string
	Temperature  float64
	MaxTokens    int
	Streaming    bool
}


type GenerateResponse struct {
	Text string
}


type StreamCallbacks struct {
	OnToken    func(text string)
	OnComplete func(resp GenerateResponse)
	OnError    func(msg string)
}


type StreamingLLMProvider interface {
	LLMProvider
	GenerateStreaming(ctx context.Context, req GenerateRequest, cb StreamCallbacks) error
}


type TTSProvider interface {
	Synthesize(ctx context.Context, text string, voice Voice, lang Language) ([]byte, error)
	StreamSynthesize(ctx context.Context, text string, voice Voice, lang Language, onChunk func([]byte) error) error
	// Abort cancels any in-flight synthesis on the provider's side (e.g. a
	// live websocket stream), used to stop playback quickly on barge-in.
	Abort() error
	Name() string
}


type Voice string

const (
	VoiceF1 Voice = "F1"
	VoiceF2 Voice = "F2"
	VoiceF3 Voice = "F3"
	VoiceF4 Voice = "F4"
	VoiceF5 Voice = "F5"
	VoiceM1 Voice = "M1"
	VoiceM2 Voice = "M2"
	VoiceM3 Voice = "M3"
	VoiceM4 Voice = "M4"
	VoiceM5 Voice = "M5"
)


type Language string

const (
	LanguageEn Language = "en"
	LanguageEs Language = "es"
	LanguageFr Language = "fr"
	LanguageDe Language = "de"
	LanguageIt Language = "it"
	LanguagePt Language = "pt"
	LanguageJa Language = "ja"
	LanguageZh Language = "zh"
)


type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}
