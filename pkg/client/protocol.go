// Package client implements the duplex JSON-frame protocol a session runs
// over: a websocket connection per session, carrying control frames
// ({type, sessionId, payload, timestamp}) and raw binary audio.frame PCM16
// messages, using github.com/coder/websocket the way pkg/providers/tts's
// client talks to the Lokutor API.
package client

import "time"

// FrameType enumerates the client↔server envelope's type field.
type FrameType string

const (
	FrameSessionReady         FrameType = "session.ready"
	FrameAudioListening       FrameType = "audio.listening"
	FrameAudioVAD             FrameType = "audio.vad"
	FrameTranscriptPartial    FrameType = "transcript.partial"
	FrameTranscriptFinal      FrameType = "transcript.final"
	FrameAssistantThinking    FrameType = "assistant.thinking"
	FrameAssistantSpeaking    FrameType = "assistant.speaking"
	FrameAssistantDelta       FrameType = "assistant.delta"
	FrameAssistantDone        FrameType = "assistant.done"
	FrameAssistantInterrupted FrameType = "assistant.interrupted"
	FrameAssistantAudio       FrameType = "assistant.audio"
	FrameConversationCleared  FrameType = "conversation.cleared"
	FrameProcessingStatus     FrameType = "processing.status"
	FrameError                FrameType = "error"
	FramePing                 FrameType = "ping"
	FramePong                 FrameType = "pong"
	FrameBatch                FrameType = "batch"

	// Client → server control frames.
	FrameSessionStart FrameType = "session.start"
	FrameSessionEnd   FrameType = "session.end"
)

// Envelope is the wire shape of every JSON control frame.
type Envelope struct {
	Type      FrameType   `json:"type"`
	SessionID string      `json:"sessionId"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// DeltaPayload is the wire shape of an assistant.delta payload.
type DeltaPayload struct {
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorPayload is the wire shape of an error payload.
type ErrorPayload struct {
	Message   string `json:"message"`
	Code      string `json:"code,omitempty"`
	Details   string `json:"details,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// SessionStartPayload is the session.start{config} client message.
type SessionStartPayload struct {
	Language              string                     `json:"language"`
	AutoDetectLanguage    bool                       `json:"autoDetectLanguage"`
	VoiceActivityThresholds VoiceActivityThresholds  `json:"voiceActivityThresholds"`
	AudioSettings         AudioSettings              `json:"audioSettings"`
	AISettings            AISettings                 `json:"aiSettings"`
	UISettings            UISettings                 `json:"uiSettings"`
}

type VoiceActivityThresholds struct {
	ShortPauseMs  int `json:"shortPause"`
	MediumPauseMs int `json:"mediumPause"`
	LongPauseMs   int `json:"longPause"`
}

type AudioSettings struct {
	SampleRate int `json:"sampleRate"`
}

type AISettings struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	Temperature      float64 `json:"temperature"`
	MaxTokens        int     `json:"maxTokens"`
	StreamingEnabled bool    `json:"streamingEnabled"`
	VoiceReply       bool    `json:"voiceReply"`
}

type UISettings struct {
	ShowLiveTranscript    bool `json:"showLiveTranscript"`
	ShowConfidenceScores  bool `json:"showConfidenceScores"`
	EnableInterruptions   bool `json:"enableInterruptions"`
}

func nowMillis() int64 { return time.Now().UnixMilli() }
