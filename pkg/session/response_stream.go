package session

import (
	"context"
	"strings"
	"sync"
	"time"
)

// tokenBufferSize is the bounded client-delivery buffer: once full, the
// oldest still-queued partial-text update is dropped; completion events
// (done/cancelled/error) are never dropped.
const tokenBufferSize = 256

// fallbackTokenDelay paces the synthesized token stream used when the LLM
// provider doesn't support true streaming.
const fallbackTokenDelay = 50 * time.Millisecond

// outboundKind discriminates what a queued item represents so the drain
// loop can apply "drop oldest partial, never drop completion" backpressure.
type outboundKind int

const (
	kindDelta outboundKind = iota
	kindTerminal
)

type outboundItem struct {
	kind outboundKind
	send func()
}

// responseStream is one cancellable, ordered sequence of tokens for a
// session. Exactly one is ever active per Session; a new one is only
// created after the previous is cancelled or has completed.
type responseStream struct {
	id        string
	sessionID string
	cancel    context.CancelFunc

	// sendMu serializes pushToken against pushTerminal so a close of buf in
	// pushTerminal always happens-after any pushToken send it could race
	// with, rather than racing it: the LLM job goroutine's onToken and the
	// event-bus goroutine's barge-in cancellation both reach this stream
	// concurrently, and closing a channel a concurrent sender is writing to
	// panics.
	sendMu sync.Mutex
	closed bool

	buf       chan outboundItem
	done      chan struct{}
	text      strings.Builder
	cancelled bool
}

func newResponseStream(id, sessionID string, cancel context.CancelFunc) *responseStream {
	rs := &responseStream{
		id:        id,
		sessionID: sessionID,
		cancel:    cancel,
		buf:       make(chan outboundItem, tokenBufferSize),
		done:      make(chan struct{}),
	}
	go rs.drain()
	return rs
}

// drain is the single writer that actually invokes each item's send
// callback, in enqueue order, so tokens for one stream are always delivered
// in order.
func (rs *responseStream) drain() {
	for item := range rs.buf {
		item.send()
	}
	close(rs.done)
}

// pushToken enqueues a token delivery. If the buffer is saturated, the
// oldest pending delta is dropped to make room: a stale partial-text
// update is discarded rather than letting delivery block generation.
func (rs *responseStream) pushToken(send func()) {
	rs.sendMu.Lock()
	defer rs.sendMu.Unlock()
	if rs.closed {
		// A terminal event (e.g. barge-in cancellation) already closed the
		// buffer; this token lost the race and is dropped rather than sent.
		return
	}

	item := outboundItem{kind: kindDelta, send: send}
	select {
	case rs.buf <- item:
		return
	default:
	}
	// Buffer full: drop one queued delta (not a terminal event) to make room.
	select {
	case old := <-rs.buf:
		if old.kind == kindTerminal {
			// Put it back; never discard a terminal event. Drop the new
			// token instead in the rare case the only queued item is
			// terminal (stream is finishing).
			rs.buf <- old
			return
		}
	default:
	}
	select {
	case rs.buf <- item:
	default:
	}
}

// pushTerminal enqueues a completion/cancellation/error event. Terminal
// events are always delivered, never dropped, and close the buffer once
// sent so drain() exits. Holding sendMu for both the send and the close
// guarantees no pushToken call can observe buf half-closed: it either
// completes its send before this runs, or sees rs.closed and drops instead
// of writing to a closed channel. A second pushTerminal call (there should
// only ever be one per stream) is a no-op rather than a double close.
func (rs *responseStream) pushTerminal(send func()) {
	rs.sendMu.Lock()
	defer rs.sendMu.Unlock()
	if rs.closed {
		return
	}
	rs.closed = true
	rs.buf <- outboundItem{kind: kindTerminal, send: send}
	close(rs.buf)
}

func (rs *responseStream) markCancelled() {
	rs.cancelled = true
	rs.cancel()
}

// accumulate appends to the locally-accumulated text used for
// assistant.done's full-text payload and for the eventual ConversationTurn.
func (rs *responseStream) accumulate(token string) {
	rs.text.WriteString(token)
}

// synthesizeFallback turns a complete, non-streamed response into a paced
// token stream using whitespace tokenization, for providers/requests that
// don't support true streaming.
func synthesizeFallback(ctx context.Context, text string, onToken func(string)) {
	words := strings.Fields(text)
	for i, w := range words {
		select {
		case <-ctx.Done():
			return
		default:
		}
		tok := w
		if i < len(words)-1 {
			tok += " "
		}
		onToken(tok)
		if i < len(words)-1 {
			select {
			case <-time.After(fallbackTokenDelay):
			case <-ctx.Done():
				return
			}
		}
	}
}
