package session

import (
	"time"

	"github.com/lokutor-ai/convocore/pkg/eventbus"
	"github.com/lokutor-ai/convocore/pkg/vad"
)

// Client-facing topics the Manager publishes on its Bus. A transport (e.g.
// pkg/client's websocket handler) subscribes to these and renders them as
// the JSON frames the client-facing transport renders.
const (
	TopicSessionReady         eventbus.Topic = "client.session_ready"
	TopicAudioListening       eventbus.Topic = "client.audio_listening"
	TopicAudioVAD             eventbus.Topic = "client.audio_vad"
	TopicTranscriptPartial    eventbus.Topic = "client.transcript_partial"
	TopicTranscriptFinal      eventbus.Topic = "client.transcript_final"
	TopicAssistantThinking    eventbus.Topic = "client.assistant_thinking"
	TopicAssistantSpeaking    eventbus.Topic = "client.assistant_speaking"
	TopicAssistantDelta       eventbus.Topic = "client.assistant_delta"
	TopicAssistantDone        eventbus.Topic = "client.assistant_done"
	TopicAssistantInterrupted eventbus.Topic = "client.assistant_interrupted"
	TopicAssistantAudio       eventbus.Topic = "client.assistant_audio"
	TopicConversationCleared  eventbus.Topic = "client.conversation_cleared"
	TopicProcessingStatus     eventbus.Topic = "client.processing_status"
	TopicErrorEvent           eventbus.Topic = "client.error"
	TopicSessionClosed        eventbus.Topic = "client.session_closed"
)

// AudioVADPayload reports a raw VAD transition to the client for UI meters.
type AudioVADPayload struct {
	HasVoice  bool
	Energy    float64
	Timestamp time.Time
}

// TranscriptPayload carries one partial or final transcript update.
type TranscriptPayload struct {
	SegmentID  uint64
	Text       string
	Confidence float64
	Timestamp  time.Time
}

// DeltaPayload carries one assistant token.
type DeltaPayload struct {
	StreamID  string
	Text      string
	Timestamp time.Time
}

// DonePayload carries the full accumulated assistant text.
type DonePayload struct {
	StreamID string
	Text     string
}

// InterruptedPayload marks a barge-in cancellation of a response stream.
type InterruptedPayload struct {
	StreamID string
}

// AudioPayload carries synthesized speech for an opted-in voice reply.
type AudioPayload struct {
	StreamID string
	PCM      []byte
}

// ErrorPayload carries a client-visible error: message, an optional
// machine-readable code and details, and a timestamp.
type ErrorPayload struct {
	Message   string
	Code      string
	Details   string
	Timestamp time.Time
}

// ProcessingStatusPayload reports a coarse processing-stage change, used by
// UIs that don't want to key off every fine-grained event.
type ProcessingStatusPayload struct {
	Status string
}

// SilenceClientPayload mirrors a SilenceDetected event for UI consumption.
type SilenceClientPayload struct {
	PauseType vad.PauseType
	Duration  time.Duration
}
