package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/convocore/pkg/audiostream"
	"github.com/lokutor-ai/convocore/pkg/contextmgr"
	"github.com/lokutor-ai/convocore/pkg/eventbus"
	"github.com/lokutor-ai/convocore/pkg/orchestrator"
	"github.com/lokutor-ai/convocore/pkg/scheduler"
	"github.com/lokutor-ai/convocore/pkg/transcript"
	"github.com/lokutor-ai/convocore/pkg/vad"
)

type fakeSTT struct {
	text       string
	confidence float64
	err        error
	calls      int
	mu         sync.Mutex
}

func (f *fakeSTT) Transcribe(ctx context.Context, audio []byte, lang orchestrator.Language) (string, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.text, f.err
}

func (f *fakeSTT) Name() string { return "fakeSTT" }

// TranscribeWithConfidence lets tests control the confidence score that
// drives I7's gate; without it every STT result defaults to full
// confidence (see Manager.transcribe).
func (f *fakeSTT) TranscribeWithConfidence(ctx context.Context, audio []byte, lang orchestrator.Language) (string, float64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.text, f.confidence, f.err
}

type fakeLLM struct {
	tokens []string
	err    error
}

func (f *fakeLLM) Complete(ctx context.Context, messages []orchestrator.Message) (string, error) {
	return "hello there", f.err
}

func (f *fakeLLM) Name() string { return "fakeLLM" }

func (f *fakeLLM) GenerateStreaming(ctx context.Context, req orchestrator.GenerateRequest, cb orchestrator.StreamCallbacks) error {
	if f.err != nil {
		return f.err
	}
	for _, tok := range f.tokens {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		cb.OnToken(tok)
	}
	return nil
}

type fakeTTS struct {
	mu        sync.Mutex
	chunks    [][]byte
	aborted   bool
	abortErr  error
}

func (f *fakeTTS) Synthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language) ([]byte, error) {
	return []byte(text), nil
}

func (f *fakeTTS) StreamSynthesize(ctx context.Context, text string, voice orchestrator.Voice, lang orchestrator.Language, onChunk func([]byte) error) error {
	chunk := []byte(text)
	f.mu.Lock()
	f.chunks = append(f.chunks, chunk)
	f.mu.Unlock()
	return onChunk(chunk)
}

func (f *fakeTTS) Abort() error {
	f.mu.Lock()
	f.aborted = true
	f.mu.Unlock()
	return f.abortErr
}

func (f *fakeTTS) Name() string { return "fakeTTS" }

func newTestManager(t *testing.T, stt *fakeSTT, llm *fakeLLM) (*Manager, *eventbus.Bus) {
	t.Helper()
	return newTestManagerWithTTS(t, stt, llm, nil)
}

func newTestManagerWithTTS(t *testing.T, stt *fakeSTT, llm *fakeLLM, tts orchestrator.TTSProvider) (*Manager, *eventbus.Bus) {
	t.Helper()
	bus := eventbus.New(nil)
	sched := scheduler.New(nil, nil)
	audioProc := audiostream.New(bus)
	transcripts := transcript.New(transcript.MaxSegments)
	ctxmgr := contextmgr.New(nil)

	m := New(bus, sched, audioProc, transcripts, ctxmgr, stt, llm, tts, nil, nil)
	return m, bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestInitSessionPublishesReady(t *testing.T) {
	m, bus := newTestManager(t, &fakeSTT{text: "hi", confidence: 1}, &fakeLLM{})

	var got eventbus.Event
	var mu sync.Mutex
	bus.Subscribe(TopicSessionReady, func(ev eventbus.Event) {
		mu.Lock()
		got = ev
		mu.Unlock()
	})

	sess := m.InitSession("sess-1", DefaultConfig())
	if sess.State() != StateListening {
		t.Fatalf("expected StateListening, got %s", sess.State())
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got.SessionID == "sess-1"
	})
}

// TestSTTConfidenceGating verifies a transcript below MinConfidence produces
// no transcript.final event.
func TestSTTConfidenceGating(t *testing.T) {
	stt := &fakeSTT{text: "low confidence text", confidence: 0}
	m, bus := newTestManager(t, stt, &fakeLLM{})
	sess := m.InitSession("sess-2", DefaultConfig())

	var finalSeen bool
	var mu sync.Mutex
	bus.Subscribe(TopicTranscriptFinal, func(ev eventbus.Event) {
		mu.Lock()
		finalSeen = true
		mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		m.runSTT(context.Background(), sess, []byte("audio"))
		close(done)
	}()
	<-done

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if finalSeen {
		t.Fatal("expected transcript.final to be suppressed for a below-threshold confidence score")
	}
}

// TestGenerateSyncStreamsDeltasInOrder exercises the Response Streamer: all
// deltas, then exactly one assistant.done.
func TestGenerateSyncStreamsDeltasInOrder(t *testing.T) {
	llm := &fakeLLM{tokens: []string{"hello ", "world"}}
	m, bus := newTestManager(t, &fakeSTT{}, llm)
	sess := m.InitSession("sess-3", DefaultConfig())

	var mu sync.Mutex
	var deltas []string
	doneCount := 0
	bus.Subscribe(TopicAssistantDelta, func(ev eventbus.Event) {
		p := ev.Payload.(DeltaPayload)
		mu.Lock()
		deltas = append(deltas, p.Text)
		mu.Unlock()
	})
	bus.Subscribe(TopicAssistantDone, func(ev eventbus.Event) {
		mu.Lock()
		doneCount++
		mu.Unlock()
	})

	m.generateSync(context.Background(), sess, vad.PauseEndOfThought)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return doneCount == 1
	})

	mu.Lock()
	defer mu.Unlock()
	if len(deltas) != 2 || deltas[0] != "hello " || deltas[1] != "world" {
		t.Fatalf("expected ordered deltas [hello ,world], got %v", deltas)
	}
}

// TestBargeInCancelsActiveStream exercises a SpeechStart arriving while
// Replying: it cancels the active response and emits assistant.interrupted
// instead of assistant.done.
func TestBargeInCancelsActiveStream(t *testing.T) {
	block := make(chan struct{})
	llm := &fakeLLM{tokens: []string{"partial"}}
	m, bus := newTestManager(t, &fakeSTT{}, llm)
	sess := m.InitSession("sess-4", DefaultConfig())

	var mu sync.Mutex
	var interrupted, completed bool
	bus.Subscribe(TopicAssistantInterrupted, func(ev eventbus.Event) {
		mu.Lock()
		interrupted = true
		mu.Unlock()
		close(block)
	})
	bus.Subscribe(TopicAssistantDone, func(ev eventbus.Event) {
		mu.Lock()
		completed = true
		mu.Unlock()
	})

	sess.setState(StateReplying)

	// Simulate an in-flight stream directly rather than racing generateSync's
	// goroutine scheduling.
	ctx, cancel := context.WithCancel(context.Background())
	active := newResponseStream("stream-1", sess.ID, cancel)
	sess.mu.Lock()
	sess.active = active
	sess.mu.Unlock()

	m.cancelActive(sess, "test_barge_in")

	select {
	case <-block:
	case <-time.After(time.Second):
		t.Fatal("expected assistant.interrupted to fire")
	}
	if ctx.Err() == nil {
		t.Fatal("expected stream context to be cancelled")
	}

	mu.Lock()
	defer mu.Unlock()
	if !interrupted || completed {
		t.Fatalf("expected interrupted=true completed=false, got interrupted=%v completed=%v", interrupted, completed)
	}
}

// TestVoiceReplySynthesizesAudio exercises the Voice Synthesis Adapter: a
// session opted into VoiceReply gets its completed response forwarded to
// the TTS provider and published as assistant.audio.
func TestVoiceReplySynthesizesAudio(t *testing.T) {
	llm := &fakeLLM{tokens: []string{"hi"}}
	tts := &fakeTTS{}
	m, bus := newTestManagerWithTTS(t, &fakeSTT{}, llm, tts)

	cfg := DefaultConfig()
	cfg.AI.VoiceReply = true
	sess := m.InitSession("sess-5", cfg)

	var mu sync.Mutex
	var audioSeen bool
	bus.Subscribe(TopicAssistantAudio, func(ev eventbus.Event) {
		mu.Lock()
		audioSeen = true
		mu.Unlock()
	})

	m.generateSync(context.Background(), sess, vad.PauseEndOfThought)

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return audioSeen
	})

	tts.mu.Lock()
	defer tts.mu.Unlock()
	if len(tts.chunks) == 0 {
		t.Fatal("expected at least one synthesized chunk")
	}
}

// TestBargeInAbortsVoiceSynthesis verifies cancelActive calls Abort on the
// TTS provider for sessions with voice replies enabled.
func TestBargeInAbortsVoiceSynthesis(t *testing.T) {
	tts := &fakeTTS{}
	m, _ := newTestManagerWithTTS(t, &fakeSTT{}, &fakeLLM{}, tts)

	cfg := DefaultConfig()
	cfg.AI.VoiceReply = true
	sess := m.InitSession("sess-6", cfg)
	sess.setState(StateReplying)

	ctx, cancel := context.WithCancel(context.Background())
	active := newResponseStream("stream-2", sess.ID, cancel)
	sess.mu.Lock()
	sess.active = active
	sess.mu.Unlock()

	m.cancelActive(sess, "test_barge_in")
	_ = ctx

	tts.mu.Lock()
	defer tts.mu.Unlock()
	if !tts.aborted {
		t.Fatal("expected TTS provider Abort to be called on barge-in")
	}
}

// TestJanitorFinalizesIdleSessions verifies the spec §5 Inactivity /
// S6 idle-timeout behavior: a session untouched for longer than maxIdle is
// finalized and removed, while an active session survives the sweep.
func TestJanitorFinalizesIdleSessions(t *testing.T) {
	m, bus := newTestManager(t, &fakeSTT{text: "hi", confidence: 1}, &fakeLLM{})

	var closedIDs []string
	var mu sync.Mutex
	bus.Subscribe(TopicSessionClosed, func(ev eventbus.Event) {
		mu.Lock()
		closedIDs = append(closedIDs, ev.SessionID)
		mu.Unlock()
	})

	idle := m.InitSession("idle-sess", DefaultConfig())
	active := m.InitSession("active-sess", DefaultConfig())

	idle.mu.Lock()
	idle.lastActivity = time.Now().Add(-time.Hour)
	idle.mu.Unlock()

	stop := m.StartJanitor(10*time.Millisecond, 50*time.Millisecond)
	defer stop()

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		for _, id := range closedIDs {
			if id == "idle-sess" {
				return true
			}
		}
		return false
	})

	if m.Get("idle-sess") != nil {
		t.Fatal("expected idle session to be removed")
	}
	if m.Get("active-sess") == nil {
		t.Fatal("expected active session to survive the sweep")
	}
	_ = active
}
