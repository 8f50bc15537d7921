// Package session implements the conversation orchestrator and response
// streamer: it couples the Audio Stream Processor's speech/silence events
// to STT, the silence/pause policy, LLM generation, and the client-facing
// event stream. Per-session fields are guarded by Session.mu; state
// transitions happen both in the event bus's per-session queue handlers and
// in Scheduler pool jobs, so they are not confined to the bus queue.
package session

import (
	"sync"
	"time"
)

// State is the per-session conversation state machine.
type State string

const (
	StateInit         State = "INIT"
	StateListening    State = "LISTENING"
	StateSpeaking     State = "SPEAKING"
	StatePausing      State = "PAUSING"
	StateAwaitingReply State = "AWAITING_REPLY"
	StateReplying     State = "REPLYING"
	StateClosing      State = "CLOSING"
)

// VoiceActivityThresholds mirrors the client's session.start config in
// duration form.
type VoiceActivityThresholds struct {
	ShortPause  time.Duration
	MediumPause time.Duration
	LongPause   time.Duration
}

// AISettings controls which model and mode a session's generation uses.
type AISettings struct {
	Provider         string
	Model            string
	Temperature      float64
	MaxTokens        int
	StreamingEnabled bool
	// VoiceReply opts a session into spoken replies: the completed response
	// text is additionally fed to a TTS provider and forwarded as
	// assistant.audio. Absent (false) by default.
	VoiceReply bool
}

// Config is a session's negotiated settings, built from the client's
// session.start payload with defaults filled in.
type Config struct {
	Language           string
	AutoDetectLanguage bool
	Thresholds         VoiceActivityThresholds
	SampleRate         int
	AI                 AISettings
	ShowLiveTranscript bool
}

// DefaultConfig returns sane default thresholds and a starting AI
// configuration.
func DefaultConfig() Config {
	return Config{
		Language:   "en",
		SampleRate: 16000,
		Thresholds: VoiceActivityThresholds{
			ShortPause:  1000 * time.Millisecond,
			MediumPause: 3000 * time.Millisecond,
			LongPause:   3000 * time.Millisecond,
		},
		AI: AISettings{
			Temperature:      0.7,
			MaxTokens:        512,
			StreamingEnabled: true,
		},
		ShowLiveTranscript: true,
	}
}

// Session is the live per-session record the orchestrator owns. Its fields
// are mutated from the session's event-bus queue handlers and from
// Scheduler pool jobs (STT, generation); mu guards every field below it.
type Session struct {
	mu sync.Mutex

	ID        string
	CreatedAt time.Time
	Config    Config

	state        State
	lastActivity time.Time

	// silence bookkeeping feeding the generation-trigger policy (§4.7).
	pendingGeneration bool
	lastPauseAt       time.Time

	// active response stream, if any (at most one).
	active *responseStream

	sttFailureWindow []time.Time
	sttDisabled      bool
	sttBusy          bool
}

func newSession(id string, cfg Config) *Session {
	now := time.Now()
	return &Session{
		ID:           id,
		CreatedAt:    now,
		Config:       cfg,
		state:        StateInit,
		lastActivity: now,
	}
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// IdleSince reports how long it has been since the session last saw audio
// or an emitted event.
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}
