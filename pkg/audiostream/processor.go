// Package audiostream implements the Audio Stream Processor: it owns each
// session's PCM ring buffer, drives that session's VAD detector, and
// publishes speech/silence events and STT trigger jobs onto the rest of the
// system. It is the leaf component client audio frames enter through.
package audiostream

import (
	"context"
	"sync"
	"time"

	"github.com/lokutor-ai/convocore/pkg/audio"
	"github.com/lokutor-ai/convocore/pkg/eventbus"
	"github.com/lokutor-ai/convocore/pkg/vad"
)

const (
	// TopicSpeechStart is published when a session transitions to speaking.
	TopicSpeechStart eventbus.Topic = "audio.speech_start"
	// TopicSilenceDetected is published when silence crosses a pause boundary.
	TopicSilenceDetected eventbus.Topic = "audio.silence_detected"
	// TopicSTTTrigger is published when enough new speech has accumulated (or
	// an end-of-thought pause occurred) to warrant a streaming STT call.
	TopicSTTTrigger eventbus.Topic = "audio.stt_trigger"
)

// SpeechStartPayload is the TopicSpeechStart event payload.
type SpeechStartPayload struct {
	Timestamp time.Time
}

// SilenceDetectedPayload is the TopicSilenceDetected event payload.
type SilenceDetectedPayload struct {
	PauseType vad.PauseType
	Duration  time.Duration
}

// STTTriggerPayload carries the audio bytes accumulated since the last
// trigger for this session, plus why the trigger fired.
type STTTriggerPayload struct {
	Audio  []byte
	Reason TriggerReason
}

// TriggerReason names why a streaming STT request was triggered.
type TriggerReason string

const (
	TriggerByteThreshold TriggerReason = "BYTE_THRESHOLD"
	TriggerEndOfThought  TriggerReason = "END_OF_THOUGHT"
	TriggerSessionClose  TriggerReason = "SESSION_CLOSE"
)

// Config configures a session's ring size, VAD sensitivity and trigger
// policy.
type Config struct {
	SampleRate          int
	MaxBufferDuration   time.Duration // default 30s
	SilenceThreshold    time.Duration // default 800ms
	VADThreshold        float64
	VADThresholds       vad.Thresholds
	TriggerByteCount    int // new speech bytes since last trigger to fire a byte-threshold trigger
}

// DefaultConfig returns the default Audio Stream Processor settings.
func DefaultConfig() Config {
	return Config{
		SampleRate:        16000,
		MaxBufferDuration: 30 * time.Second,
		SilenceThreshold:  800 * time.Millisecond,
		VADThreshold:      0.01,
		VADThresholds:     vad.DefaultThresholds(),
		TriggerByteCount:  32000, // ~1s of 16kHz mono 16-bit PCM
	}
}

type session struct {
	mu             sync.Mutex
	id             string
	cfg            Config
	ring           *audio.Ring
	detector       *vad.Detector
	bytesSinceTrig int
	closed         bool
}

// Processor manages per-session ring buffers and VAD detectors and
// publishes events onto a shared Bus.
type Processor struct {
	bus *eventbus.Bus

	mu       sync.RWMutex
	sessions map[string]*session
}

// New creates a Processor that publishes onto bus.
func New(bus *eventbus.Bus) *Processor {
	return &Processor{bus: bus, sessions: make(map[string]*session)}
}

// InitSession allocates a ring and VAD detector for id using cfg.
func (p *Processor) InitSession(id string, cfg Config) {
	if cfg.MaxBufferDuration <= 0 {
		cfg.MaxBufferDuration = 30 * time.Second
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 800 * time.Millisecond
	}
	s := &session{
		id:       id,
		cfg:      cfg,
		ring:     audio.NewRing(cfg.SampleRate, cfg.MaxBufferDuration),
		detector: vad.New(cfg.VADThreshold, cfg.VADThresholds),
	}
	p.mu.Lock()
	p.sessions[id] = s
	p.mu.Unlock()
}

// Push appends a raw PCM chunk for session id, runs VAD over it, and
// publishes SpeechStart/SilenceDetected/STT-trigger events as warranted.
// Push never blocks on anything beyond the ring's in-memory copy: the
// caller's ingress goroutine must never wait on STT/LLM work.
func (p *Processor) Push(id string, chunk []byte) {
	s := p.get(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	s.ring.Push(chunk)
	s.bytesSinceTrig += len(chunk)

	_, ev := s.detector.Process(chunk)
	now := time.Now()

	if ev != nil {
		switch ev.Type {
		case vad.EventSpeechStart:
			p.publish(TopicSpeechStart, id, SpeechStartPayload{Timestamp: now})
		case vad.EventSilenceDetected:
			p.publish(TopicSilenceDetected, id, SilenceDetectedPayload{
				PauseType: ev.PauseType,
				Duration:  ev.Duration,
			})
			if ev.PauseType == vad.PauseEndOfThought || ev.PauseType == vad.PauseUserWaiting {
				p.trigger(s, id, TriggerEndOfThought)
				return
			}
		}
	}

	if s.bytesSinceTrig >= s.cfg.TriggerByteCount {
		p.trigger(s, id, TriggerByteThreshold)
	}
}

// trigger must be called with s.mu held.
func (p *Processor) trigger(s *session, id string, reason TriggerReason) {
	buf := s.ring.Drain()
	s.bytesSinceTrig = 0
	if len(buf) == 0 {
		return
	}
	p.publish(TopicSTTTrigger, id, STTTriggerPayload{Audio: buf, Reason: reason})
}

// Close flushes any unprocessed audio as a final STT trigger and releases
// the session's state. The flush trigger's downstream STT call is expected
// to run under a bounded deadline (5s on close).
func (p *Processor) Close(ctx context.Context, id string) {
	p.mu.Lock()
	s, ok := p.sessions[id]
	if ok {
		delete(p.sessions, id)
	}
	p.mu.Unlock()
	if !ok {
		return
	}

	s.mu.Lock()
	s.closed = true
	buf := s.ring.Drain()
	s.mu.Unlock()

	if len(buf) > 0 {
		p.publish(TopicSTTTrigger, id, STTTriggerPayload{Audio: buf, Reason: TriggerSessionClose})
	}
}

// Notify forwards an externally-signaled AI-responding transition to the
// session's VAD detector so self-play audio doesn't look like user speech.
func (p *Processor) Notify(id string, responding bool) {
	s := p.get(id)
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detector.Notify(responding)
}

func (p *Processor) get(id string) *session {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.sessions[id]
}

func (p *Processor) publish(topic eventbus.Topic, sessionID string, payload interface{}) {
	if p.bus == nil {
		return
	}
	p.bus.Publish(eventbus.Event{Topic: topic, SessionID: sessionID, Payload: payload})
}
