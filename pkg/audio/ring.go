package audio

import (
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"
)

// BytesPerSample16Mono is the frame size of 16-bit mono PCM.
const BytesPerSample16Mono = 2

// Ring is a per-session PCM ring buffer capped by a wall-clock duration
// rather than a raw byte count (default 30s). It is backed by
// github.com/smallnest/ringbuffer in non-blocking mode: once full, writes
// drop the oldest bytes instead of blocking the ingress path.
type Ring struct {
	mu         sync.Mutex
	rb         *ringbuffer.RingBuffer
	capacity   int
	overflows  int64
	sampleRate int
}

// NewRing allocates a ring sized for maxDuration of 16-bit mono PCM at the
// given sample rate.
func NewRing(sampleRate int, maxDuration time.Duration) *Ring {
	bytesPerSecond := sampleRate * BytesPerSample16Mono
	capacity := int(float64(bytesPerSecond) * maxDuration.Seconds())
	if capacity <= 0 {
		capacity = bytesPerSecond
	}
	return &Ring{
		rb:         ringbuffer.New(capacity).SetBlocking(false),
		capacity:   capacity,
		sampleRate: sampleRate,
	}
}

// Push appends a chunk, dropping the oldest bytes first if the ring is full.
// Push never blocks and never returns an error to the caller: ingress must
// never stall on a slow/overflowing session.
func (r *Ring) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(chunk) >= r.capacity {
		// Chunk alone exceeds capacity: keep only its tail.
		if r.rb.Length() > 0 || len(chunk) > r.capacity {
			r.overflows++
		}
		r.rb.Reset()
		chunk = chunk[len(chunk)-r.capacity:]
	}
	if needed := len(chunk) - r.rb.Free(); needed > 0 {
		discard := make([]byte, needed)
		if n, _ := r.rb.Read(discard); n > 0 {
			r.overflows++
		} else {
			r.rb.Reset()
		}
	}
	_, _ = r.rb.Write(chunk)
}

// Drain removes and returns everything currently buffered.
func (r *Ring) Drain() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := r.rb.Length()
	if n == 0 {
		return nil
	}
	buf := make([]byte, n)
	read, _ := r.rb.Read(buf)
	return buf[:read]
}

// Len reports the number of bytes currently buffered.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rb.Length()
}

// Overflows reports how many times the ring has dropped oldest bytes to make
// room for new audio.
func (r *Ring) Overflows() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.overflows
}

// Reset clears all buffered audio and overflow counters.
func (r *Ring) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rb.Reset()
	r.overflows = 0
}
