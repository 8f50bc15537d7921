package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lokutor-ai/convocore/pkg/audiostream"
	"github.com/lokutor-ai/convocore/pkg/contextmgr"
	"github.com/lokutor-ai/convocore/pkg/eventbus"
	"github.com/lokutor-ai/convocore/pkg/orchestrator"
	"github.com/lokutor-ai/convocore/pkg/resilience"
	"github.com/lokutor-ai/convocore/pkg/scheduler"
	"github.com/lokutor-ai/convocore/pkg/transcript"
	"github.com/lokutor-ai/convocore/pkg/vad"
)

// sttFailureWindowSize is the consecutive-failure count after which an
// stt_unavailable error is surfaced once; the count then starts over.
const sttFailureWindowSize = 5

// idleGenerationGap is how long a session must have been silent before a
// standalone confirmed final (outside a pause trigger) synthesizes its own
// generation trigger.
const idleGenerationGap = time.Second

// ConfidenceSTTProvider is an optional extension of orchestrator.STTProvider
// for adapters that expose a real per-result confidence score. Providers
// that don't implement it (every HTTP batch adapter in this repo) are
// treated as fully confident once they return non-empty text.
type ConfidenceSTTProvider interface {
	orchestrator.STTProvider
	TranscribeWithConfidence(ctx context.Context, audio []byte, lang orchestrator.Language) (text string, confidence float64, err error)
}

// MetricsSink receives session lifecycle counters. Implementations must be
// non-blocking. A nil MetricsSink is replaced with a no-op.
type MetricsSink interface {
	SessionOpened()
	SessionClosed()
	BargeIn()
}

type noopMetricsSink struct{}

func (noopMetricsSink) SessionOpened() {}
func (noopMetricsSink) SessionClosed() {}
func (noopMetricsSink) BargeIn()       {}

// Manager is the conversation orchestrator: it subscribes to the Audio
// Stream Processor's topics, drives STT/LLM calls on the Scheduler's
// pools, and publishes the client-facing event topics in events.go. One
// Manager serves every session in the process.
type Manager struct {
	bus         *eventbus.Bus
	sched       *scheduler.Scheduler
	audio       *audiostream.Processor
	transcripts *transcript.Manager
	ctxmgr      *contextmgr.Manager

	stt orchestrator.STTProvider
	llm orchestrator.LLMProvider
	tts orchestrator.TTSProvider // optional; nil unless a voice reply adapter is configured

	sttBreaker *resilience.CircuitBreaker
	llmBreaker *resilience.CircuitBreaker

	logger  orchestrator.Logger
	metrics MetricsSink

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New builds a Manager and subscribes its handlers onto bus's explicit
// topic registry (Design Notes: reflection/annotation wiring is replaced
// by construction-time registration so ordering and affinity stay
// testable). tts may be nil; sessions only use it when their AI settings
// opt into a voice reply.
func New(
	bus *eventbus.Bus,
	sched *scheduler.Scheduler,
	audioProc *audiostream.Processor,
	transcripts *transcript.Manager,
	ctxmgr *contextmgr.Manager,
	stt orchestrator.STTProvider,
	llm orchestrator.LLMProvider,
	tts orchestrator.TTSProvider,
	logger orchestrator.Logger,
	metrics MetricsSink,
) *Manager {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	if metrics == nil {
		metrics = noopMetricsSink{}
	}
	m := &Manager{
		bus:         bus,
		sched:       sched,
		audio:       audioProc,
		transcripts: transcripts,
		ctxmgr:      ctxmgr,
		stt:         stt,
		llm:         llm,
		tts:         tts,
		logger:      logger,
		metrics:     metrics,
		sessions:    make(map[string]*Session),
		sttBreaker:  resilience.New(resilience.Config{Name: "stt", Logger: logger}),
		llmBreaker:  resilience.New(resilience.Config{Name: "llm", Logger: logger}),
	}

	bus.Subscribe(audiostream.TopicSpeechStart, m.handleSpeechStart)
	bus.Subscribe(audiostream.TopicSilenceDetected, m.handleSilenceDetected)
	bus.Subscribe(audiostream.TopicSTTTrigger, m.handleSTTTrigger)
	return m
}

// InitSession registers a new session and arms the Audio Stream Processor
// for it. cfg should already have defaults applied (see DefaultConfig).
func (m *Manager) InitSession(id string, cfg Config) *Session {
	sess := newSession(id, cfg)

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	acfg := audiostream.DefaultConfig()
	acfg.SampleRate = orDefault(cfg.SampleRate, acfg.SampleRate)
	acfg.VADThresholds = vad.Thresholds{
		NaturalGap:   500 * time.Millisecond,
		ShortPause:   orDefaultDur(cfg.Thresholds.ShortPause, 1000*time.Millisecond),
		EndOfThought: orDefaultDur(cfg.Thresholds.MediumPause, 3000*time.Millisecond),
	}
	m.audio.InitSession(id, acfg)

	sess.setState(StateListening)
	m.metrics.SessionOpened()
	m.publish(TopicSessionReady, id, nil)
	return sess
}

// Get returns a registered session, or nil if unknown.
func (m *Manager) Get(id string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[id]
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func orDefaultDur(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

// PushAudio forwards a client audio.frame to the Audio Stream Processor.
// This never blocks on STT/LLM work.
func (m *Manager) PushAudio(id string, chunk []byte) {
	sess := m.Get(id)
	if sess == nil {
		return
	}
	sess.touch()
	m.audio.Push(id, chunk)
}

// EndSession flushes any unprocessed confirmed-but-ungenerated transcript
// with one last generation attempt under a synthetic UserWaiting pause,
// bounded by deadline, before the session's resources are released.
func (m *Manager) EndSession(ctx context.Context, id string) {
	sess := m.Get(id)
	if sess == nil {
		return
	}
	sess.setState(StateClosing)

	sess.mu.Lock()
	pending := sess.pendingGeneration
	active := sess.active
	sess.mu.Unlock()

	if active != nil {
		m.cancelActive(sess, "session_end")
	} else if pending {
		finCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		m.generateSync(finCtx, sess, vad.PauseUserWaiting)
		cancel()
	}

	m.audio.Close(ctx, id)
	m.transcripts.Reset(id)
	m.ctxmgr.Reset(id)
	m.bus.DropSession(id)

	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()

	m.metrics.SessionClosed()
	m.publish(TopicSessionClosed, id, nil)
}

func (m *Manager) handleSpeechStart(ev eventbus.Event) {
	sess := m.Get(ev.SessionID)
	if sess == nil {
		return
	}
	payload, _ := ev.Payload.(audiostream.SpeechStartPayload)
	sess.touch()

	// A Replying session must cancel its ResponseStream before accepting
	// new audio for STT (barge-in).
	if sess.State() == StateReplying || sess.State() == StateAwaitingReply {
		m.cancelActive(sess, "barge_in")
	}
	sess.setState(StateSpeaking)
	m.publish(TopicAudioVAD, sess.ID, AudioVADPayload{HasVoice: true, Timestamp: payload.Timestamp})
}

func (m *Manager) handleSilenceDetected(ev eventbus.Event) {
	sess := m.Get(ev.SessionID)
	if sess == nil {
		return
	}
	payload, _ := ev.Payload.(audiostream.SilenceDetectedPayload)
	sess.touch()

	sess.mu.Lock()
	sess.lastPauseAt = time.Now()
	sess.mu.Unlock()

	if sess.State() == StateSpeaking {
		sess.setState(StatePausing)
	}
	m.publish(TopicAudioVAD, sess.ID, AudioVADPayload{HasVoice: false, Timestamp: time.Now()})

	if payload.PauseType != vad.PauseEndOfThought && payload.PauseType != vad.PauseUserWaiting {
		return
	}

	tctx := m.transcripts.GetContext(sess.ID)
	if len(tctx.Confirmed) > 0 && sess.State() != StateAwaitingReply && sess.State() != StateReplying {
		m.triggerGeneration(sess, payload.PauseType)
		return
	}
	sess.mu.Lock()
	sess.pendingGeneration = true
	sess.mu.Unlock()
}

func (m *Manager) handleSTTTrigger(ev eventbus.Event) {
	sess := m.Get(ev.SessionID)
	if sess == nil {
		return
	}
	payload, _ := ev.Payload.(audiostream.STTTriggerPayload)

	sess.mu.Lock()
	if sess.sttDisabled {
		sess.mu.Unlock()
		return
	}
	if sess.sttBusy {
		// Overlapping trigger while a call is already in flight for this
		// session: dropped rather than queued, to keep at most one STT call
		// per session in flight and preserve transcript ordering.
		sess.mu.Unlock()
		m.logger.Warn("stt trigger dropped, call already in flight", "sessionID", sess.ID)
		return
	}
	sess.sttBusy = true
	sess.mu.Unlock()

	job := func(ctx context.Context) error {
		return m.runSTT(ctx, sess, payload.Audio)
	}
	if _, err := m.sched.Submit(context.Background(), scheduler.ClassSTT, job); err != nil {
		sess.mu.Lock()
		sess.sttBusy = false
		sess.mu.Unlock()
		if errors.Is(err, scheduler.ErrQueueFull) || errors.Is(err, scheduler.ErrRateLimited) {
			m.publishError(sess.ID, orchestrator.CodeSTTUnavailable, "speech-to-text queue saturated", err)
		}
	}
}

// runSTT performs one batch STT call and advances the transcript/generation
// pipeline. It always runs on the Scheduler's STT pool.
func (m *Manager) runSTT(ctx context.Context, sess *Session, audioBytes []byte) error {
	defer func() {
		sess.mu.Lock()
		sess.sttBusy = false
		sess.mu.Unlock()
	}()

	text, confidence, err := m.transcribe(ctx, sess, audioBytes)
	if err != nil {
		var fatal *orchestrator.STTFatalError
		if errors.As(err, &fatal) {
			sess.mu.Lock()
			sess.sttDisabled = true
			sess.mu.Unlock()
			m.publishError(sess.ID, orchestrator.CodeSTTUnavailable, "speech-to-text disabled for session", err)
			return err
		}
		m.recordSTTFailure(sess)
		if m.sttFailureExceeded(sess) {
			m.publishError(sess.ID, orchestrator.CodeSTTUnavailable, "speech-to-text unavailable", err)
			m.resetSTTFailures(sess)
		}
		return scheduler.Retryable(err)
	}
	m.resetSTTFailures(sess)

	text = strings.TrimSpace(text)
	if text == "" {
		m.transcripts.ConfirmFinal(sess.ID, "", 0, time.Now()) // clears live buffer only
		return nil
	}
	if confidence < transcript.MinConfidence {
		// Below-threshold results never reach the confirmed buffer or the
		// LLM, but the live buffer is still cleared.
		m.transcripts.ConfirmFinal(sess.ID, "", 0, time.Now())
		return nil
	}

	seg, ok := m.transcripts.ConfirmFinal(sess.ID, text, confidence, time.Now())
	if !ok {
		return nil
	}
	m.ctxmgr.AddTurns(sess.ID, contextmgr.Turn{Role: "user", Content: text, Timestamp: seg.Timestamp, Confidence: confidence})
	m.publish(TopicTranscriptFinal, sess.ID, TranscriptPayload{SegmentID: seg.ID, Text: text, Confidence: confidence, Timestamp: seg.Timestamp})

	sess.mu.Lock()
	pending := sess.pendingGeneration
	sess.pendingGeneration = false
	idleLongEnough := !sess.lastPauseAt.IsZero() && time.Since(sess.lastPauseAt) >= idleGenerationGap
	sess.mu.Unlock()

	switch {
	case sess.State() == StateReplying || sess.State() == StateAwaitingReply:
		// A reply is already in flight; this final feeds the next turn.
	case pending:
		m.triggerGeneration(sess, vad.PauseEndOfThought)
	case idleLongEnough:
		m.triggerGeneration(sess, vad.PauseShort)
	}
	return nil
}

// transcribe calls the configured STT provider, using its confidence score
// when available and defaulting to full confidence for plain batch
// adapters.
func (m *Manager) transcribe(ctx context.Context, sess *Session, audioBytes []byte) (string, float64, error) {
	var text string
	var confidence float64
	err := m.sttBreaker.Execute(func() error {
		var e error
		if cp, ok := m.stt.(ConfidenceSTTProvider); ok {
			text, confidence, e = cp.TranscribeWithConfidence(ctx, audioBytes, orchestrator.Language(sess.Config.Language))
			return e
		}
		text, e = m.stt.Transcribe(ctx, audioBytes, orchestrator.Language(sess.Config.Language))
		confidence = 1.0
		return e
	}, nil)
	return text, confidence, err
}

// triggerGeneration applies the response-delay policy before starting
// generation, running the wait on the Scheduled pool so it never ties up
// an ingress or STT worker.
func (m *Manager) triggerGeneration(sess *Session, pauseType vad.PauseType) {
	sess.setState(StateAwaitingReply)
	m.publish(TopicAssistantThinking, sess.ID, nil)

	delay := responseDelay(pauseType)
	_, _ = m.sched.Submit(context.Background(), scheduler.ClassScheduled, func(ctx context.Context) error {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
		if sess.State() != StateAwaitingReply {
			return nil // superseded (e.g. a fresh barge-in already changed state)
		}
		m.generateSync(context.Background(), sess, pauseType)
		return nil
	})
}

// responseDelay returns the default pacing per pause type.
func responseDelay(pt vad.PauseType) time.Duration {
	switch pt {
	case vad.PauseUserWaiting:
		return 750 * time.Millisecond
	case vad.PauseEndOfThought:
		return 1500 * time.Millisecond
	case vad.PauseNaturalGap:
		return 3000 * time.Millisecond
	default:
		return 0
	}
}

// generateSync builds context and runs one full LLM generation, submitting
// the actual provider call to the LLM pool and blocking the caller's
// goroutine (the Scheduled-pool timer, or EndSession's synchronous flush)
// until it finishes.
func (m *Manager) generateSync(ctx context.Context, sess *Session, pauseType vad.PauseType) {
	built := m.ctxmgr.BuildContext(sess.ID)
	messages := make([]orchestrator.Message, 0, len(built.Turns))
	for _, t := range built.Turns {
		messages = append(messages, orchestrator.Message{Role: t.Role, Content: t.Content})
	}

	streamCtx, cancel := context.WithCancel(ctx)
	streamID := uuid.NewString()
	rs := newResponseStream(streamID, sess.ID, cancel)

	sess.mu.Lock()
	sess.active = rs
	sess.mu.Unlock()

	sess.setState(StateReplying)
	m.publish(TopicAssistantSpeaking, sess.ID, nil)

	job := func(jobCtx context.Context) error {
		onToken := func(tok string) {
			if jobCtx.Err() != nil {
				return
			}
			rs.accumulate(tok)
			ts := time.Now()
			rs.pushToken(func() {
				m.publish(TopicAssistantDelta, sess.ID, DeltaPayload{StreamID: rs.id, Text: tok, Timestamp: ts})
			})
		}

		var err error
		if streaming, ok := m.llm.(orchestrator.StreamingLLMProvider); ok && sess.Config.AI.StreamingEnabled {
			err = m.llmBreaker.Execute(func() error {
				return streaming.GenerateStreaming(jobCtx, orchestrator.GenerateRequest{
					Messages:     messages,
					SystemPrompt: built.SystemPrompt,
					Model:        sess.Config.AI.Model,
					Temperature:  sess.Config.AI.Temperature,
					MaxTokens:    sess.Config.AI.MaxTokens,
					Streaming:    true,
				}, orchestrator.StreamCallbacks{
					OnToken: onToken,
					// Every concrete StreamingLLMProvider in this tree calls
					// OnComplete unconditionally when the stream ends
					// successfully, so it must never be nil.
					OnComplete: func(orchestrator.GenerateResponse) {},
					OnError:    func(string) {},
				})
			}, nil)
		} else {
			var text string
			err = m.llmBreaker.Execute(func() error {
				var e error
				text, e = m.llm.Complete(jobCtx, messages)
				return e
			}, nil)
			if err == nil {
				synthesizeFallback(jobCtx, text, onToken)
			}
		}

		if jobCtx.Err() != nil {
			// Cancelled via barge-in; expected, not a client-visible error.
			return nil
		}
		if err != nil {
			m.publishError(sess.ID, orchestrator.CodeAIUnavailable, "language model unavailable", err)
			m.finishResponse(sess, rs, false)
			return scheduler.Retryable(err)
		}

		full := rs.text.String()
		m.ctxmgr.AddTurns(sess.ID, contextmgr.Turn{Role: "assistant", Content: full, Timestamp: time.Now(), Confidence: 1.0})
		if sess.Config.AI.VoiceReply && m.tts != nil && full != "" {
			m.synthesizeVoiceReply(jobCtx, sess, rs.id, full)
		}
		m.finishResponse(sess, rs, true)
		return nil
	}

	h, err := m.sched.Submit(streamCtx, scheduler.ClassLLM, job)
	if err != nil {
		if errors.Is(err, scheduler.ErrQueueFull) || errors.Is(err, scheduler.ErrRateLimited) {
			m.publishError(sess.ID, orchestrator.CodeAIUnavailable, "generation queue saturated", err)
		}
		m.finishResponse(sess, rs, false)
		return
	}
	_ = h.Wait(ctx)
}

// finishResponse clears the session's active stream (if it's still this
// one) and emits the terminal client event.
func (m *Manager) finishResponse(sess *Session, rs *responseStream, completed bool) {
	sess.mu.Lock()
	if sess.active == rs {
		sess.active = nil
	}
	sess.mu.Unlock()

	switch {
	case completed:
		full := rs.text.String()
		rs.pushTerminal(func() {
			m.publish(TopicAssistantDone, sess.ID, DonePayload{StreamID: rs.id, Text: full})
		})
	case rs.cancelled:
		rs.pushTerminal(func() {
			m.publish(TopicAssistantInterrupted, sess.ID, InterruptedPayload{StreamID: rs.id})
		})
	default:
		rs.pushTerminal(func() {})
	}

	if sess.State() == StateReplying || sess.State() == StateAwaitingReply {
		sess.setState(StateListening)
	}
}

// synthesizeVoiceReply feeds a completed response to the session's TTS
// provider when it has opted into spoken replies, forwarding each PCM
// chunk as it arrives rather than waiting for the whole utterance.
func (m *Manager) synthesizeVoiceReply(ctx context.Context, sess *Session, streamID, text string) {
	err := m.tts.StreamSynthesize(ctx, text, orchestrator.VoiceF1, orchestrator.Language(sess.Config.Language), func(chunk []byte) error {
		m.publish(TopicAssistantAudio, sess.ID, AudioPayload{StreamID: streamID, PCM: chunk})
		return nil
	})
	if err != nil && ctx.Err() == nil {
		m.logger.Warn("voice reply synthesis failed", "sessionID", sess.ID, "error", err)
	}
}

// cancelActive cancels the session's in-flight ResponseStream, if any, and
// emits assistant.interrupted. Partial text is discarded:
// it was only ever accumulated in the (now-abandoned) responseStream, never
// added to the context manager's history.
func (m *Manager) cancelActive(sess *Session, reason string) {
	sess.mu.Lock()
	rs := sess.active
	sess.active = nil
	sess.mu.Unlock()
	if rs == nil {
		return
	}
	rs.markCancelled()
	if sess.Config.AI.VoiceReply && m.tts != nil {
		if err := m.tts.Abort(); err != nil {
			m.logger.Warn("failed to abort in-flight voice synthesis", "sessionID", sess.ID, "error", err)
		}
	}
	m.metrics.BargeIn()
	m.logger.Info("response stream cancelled", "sessionID", sess.ID, "streamID", rs.id, "reason", reason)
	rs.pushTerminal(func() {
		m.publish(TopicAssistantInterrupted, sess.ID, InterruptedPayload{StreamID: rs.id})
	})
}

func (m *Manager) recordSTTFailure(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.sttFailureWindow = append(sess.sttFailureWindow, time.Now())
	if len(sess.sttFailureWindow) > sttFailureWindowSize {
		sess.sttFailureWindow = sess.sttFailureWindow[len(sess.sttFailureWindow)-sttFailureWindowSize:]
	}
}

func (m *Manager) sttFailureExceeded(sess *Session) bool {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return len(sess.sttFailureWindow) >= sttFailureWindowSize
}

func (m *Manager) resetSTTFailures(sess *Session) {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.sttFailureWindow = nil
}

// StartJanitor finalizes sessions idle longer than maxIdle (spec §5
// Inactivity; default MAX_BUFFER_DURATION_MS), checking every interval until
// the returned stop function is called. Each idle session's EndSession runs
// on its own goroutine so a slow flush-and-generate on one idle session never delays
// the tick for the rest.
func (m *Manager) StartJanitor(interval, maxIdle time.Duration) func() {
	stop := make(chan struct{})
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sweepIdle(maxIdle)
			case <-stop:
				return
			}
		}
	}()
	return func() { close(stop) }
}

func (m *Manager) sweepIdle(maxIdle time.Duration) {
	m.mu.RLock()
	var idle []*Session
	for _, sess := range m.sessions {
		if sess.State() == StateClosing {
			continue
		}
		if sess.IdleSince() > maxIdle {
			idle = append(idle, sess)
		}
	}
	m.mu.RUnlock()

	for _, sess := range idle {
		go func(id string) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.EndSession(ctx, id)
		}(sess.ID)
	}
}

func (m *Manager) publish(topic eventbus.Topic, sessionID string, payload interface{}) {
	m.bus.Publish(eventbus.Event{Topic: topic, SessionID: sessionID, Payload: payload})
}

func (m *Manager) publishError(sessionID string, code orchestrator.ErrorCode, msg string, err error) {
	details := ""
	if err != nil {
		details = err.Error()
	}
	m.logger.Error(msg, "sessionID", sessionID, "code", code, "error", err)
	m.publish(TopicErrorEvent, sessionID, ErrorPayload{Message: msg, Code: string(code), Details: details, Timestamp: time.Now()})
}
