package audiostream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/lokutor-ai/convocore/pkg/eventbus"
	"github.com/lokutor-ai/convocore/pkg/vad"
)

func voiceChunk(n int, amplitude int16) []byte {
	buf := make([]byte, n*2)
	for i := 0; i < n; i++ {
		buf[i*2] = byte(amplitude)
		buf[i*2+1] = byte(amplitude >> 8)
	}
	return buf
}

func silentChunk(n int) []byte {
	return make([]byte, n*2)
}

type recorder struct {
	mu     sync.Mutex
	topics []eventbus.Topic
}

func (r *recorder) record(topic eventbus.Topic) eventbus.Handler {
	return func(ev eventbus.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.topics = append(r.topics, ev.Topic)
	}
}

func (r *recorder) has(topic eventbus.Topic) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range r.topics {
		if t == topic {
			return true
		}
	}
	return false
}

func TestPushEmitsSpeechStart(t *testing.T) {
	bus := eventbus.New(nil)
	rec := &recorder{}
	bus.Subscribe(TopicSpeechStart, rec.record(TopicSpeechStart))

	p := New(bus)
	cfg := DefaultConfig()
	cfg.VADThresholds = vad.Thresholds{NaturalGap: 10 * time.Millisecond, ShortPause: 20 * time.Millisecond, EndOfThought: 50 * time.Millisecond}
	p.InitSession("s1", cfg)

	for i := 0; i < 4; i++ {
		p.Push("s1", voiceChunk(160, 5000))
	}
	time.Sleep(20 * time.Millisecond)
	if !rec.has(TopicSpeechStart) {
		t.Errorf("expected SpeechStart to be published")
	}
}

func TestPushEmitsSTTTriggerOnByteThreshold(t *testing.T) {
	bus := eventbus.New(nil)
	rec := &recorder{}
	bus.Subscribe(TopicSTTTrigger, rec.record(TopicSTTTrigger))

	p := New(bus)
	cfg := DefaultConfig()
	cfg.TriggerByteCount = 100
	p.InitSession("s1", cfg)

	p.Push("s1", voiceChunk(160, 5000)) // 320 bytes, over threshold
	time.Sleep(20 * time.Millisecond)
	if !rec.has(TopicSTTTrigger) {
		t.Errorf("expected STT trigger to be published once byte threshold crossed")
	}
}

func TestCloseFlushesRemainingAudio(t *testing.T) {
	bus := eventbus.New(nil)
	rec := &recorder{}
	bus.Subscribe(TopicSTTTrigger, rec.record(TopicSTTTrigger))

	p := New(bus)
	cfg := DefaultConfig()
	cfg.TriggerByteCount = 1 << 20 // unreachable, so only Close flushes
	p.InitSession("s1", cfg)

	p.Push("s1", voiceChunk(160, 5000))
	p.Close(context.Background(), "s1")
	time.Sleep(20 * time.Millisecond)

	if !rec.has(TopicSTTTrigger) {
		t.Errorf("expected Close to flush remaining audio as a trigger")
	}
}

func TestPushAfterCloseIsNoop(t *testing.T) {
	bus := eventbus.New(nil)
	p := New(bus)
	p.InitSession("s1", DefaultConfig())
	p.Close(context.Background(), "s1")

	// Should not panic, and session lookup should now miss.
	p.Push("s1", silentChunk(160))
}
