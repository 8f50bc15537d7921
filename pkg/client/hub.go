package client

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"

	"github.com/lokutor-ai/convocore/pkg/eventbus"
	"github.com/lokutor-ai/convocore/pkg/orchestrator"
	"github.com/lokutor-ai/convocore/pkg/session"
)

// outboxSize bounds each connection's transport-level send queue. This
// sits downstream of the Response Streamer's own 256-item buffer, so it
// rarely needs to absorb backpressure itself; it exists so one slow
// websocket write can't stall the event bus's per-session dispatch
// goroutine.
const outboxSize = 512

type conn struct {
	id     string
	ws     *websocket.Conn
	out    chan Envelope
	cancel context.CancelFunc
}

// Hub bridges session.Manager's client-facing event bus topics to
// per-connection websockets, and decodes inbound client frames back into
// Manager calls.
type Hub struct {
	mgr    *session.Manager
	logger orchestrator.Logger

	mu    sync.RWMutex
	conns map[string]*conn
}

// NewHub subscribes to the client-facing topics in session/events.go (all
// except TopicAudioListening and TopicTranscriptPartial) and builds a Hub
// ready to serve connections.
func NewHub(bus *eventbus.Bus, mgr *session.Manager, logger orchestrator.Logger) *Hub {
	if logger == nil {
		logger = &orchestrator.NoOpLogger{}
	}
	h := &Hub{mgr: mgr, logger: logger, conns: make(map[string]*conn)}

	bus.Subscribe(session.TopicSessionReady, h.forward(FrameSessionReady, nil))
	bus.Subscribe(session.TopicAudioVAD, h.forward(FrameAudioVAD, vadPayload))
	bus.Subscribe(session.TopicTranscriptFinal, h.forward(FrameTranscriptFinal, transcriptPayload))
	bus.Subscribe(session.TopicAssistantThinking, h.forward(FrameAssistantThinking, nil))
	bus.Subscribe(session.TopicAssistantSpeaking, h.forward(FrameAssistantSpeaking, nil))
	bus.Subscribe(session.TopicAssistantDelta, h.forward(FrameAssistantDelta, deltaPayload))
	bus.Subscribe(session.TopicAssistantDone, h.forward(FrameAssistantDone, nil))
	bus.Subscribe(session.TopicAssistantInterrupted, h.forward(FrameAssistantInterrupted, nil))
	bus.Subscribe(session.TopicAssistantAudio, h.forward(FrameAssistantAudio, nil))
	bus.Subscribe(session.TopicConversationCleared, h.forward(FrameConversationCleared, nil))
	bus.Subscribe(session.TopicProcessingStatus, h.forward(FrameProcessingStatus, nil))
	bus.Subscribe(session.TopicErrorEvent, h.forward(FrameError, errorPayload))
	bus.Subscribe(session.TopicSessionClosed, h.handleSessionClosed)

	return h
}

func vadPayload(p interface{}) interface{} {
	v, _ := p.(session.AudioVADPayload)
	return v
}

func transcriptPayload(p interface{}) interface{} {
	v, _ := p.(session.TranscriptPayload)
	return v
}

func deltaPayload(p interface{}) interface{} {
	v, ok := p.(session.DeltaPayload)
	if !ok {
		return nil
	}
	return DeltaPayload{Text: v.Text, Timestamp: v.Timestamp.UnixMilli()}
}

func errorPayload(p interface{}) interface{} {
	v, ok := p.(session.ErrorPayload)
	if !ok {
		return nil
	}
	return ErrorPayload{Message: v.Message, Code: v.Code, Details: v.Details, Timestamp: v.Timestamp.UnixMilli()}
}

func (h *Hub) forward(ft FrameType, transform func(interface{}) interface{}) eventbus.Handler {
	return func(ev eventbus.Event) {
		c := h.get(ev.SessionID)
		if c == nil {
			return
		}
		payload := ev.Payload
		if transform != nil {
			payload = transform(ev.Payload)
		}
		h.send(c, Envelope{Type: ft, SessionID: ev.SessionID, Payload: payload, Timestamp: nowMillis()})
	}
}

func (h *Hub) handleSessionClosed(ev eventbus.Event) {
	c := h.get(ev.SessionID)
	if c == nil {
		return
	}
	c.ws.Close(websocket.StatusNormalClosure, "session closed")
	h.drop(ev.SessionID)
}

func (h *Hub) get(id string) *conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns[id]
}

func (h *Hub) drop(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, id)
}

func (h *Hub) send(c *conn, env Envelope) {
	select {
	case c.out <- env:
	default:
		h.logger.Warn("dropping outbound frame, connection outbox full", "sessionID", c.id, "type", env.Type)
	}
}

// inboundFrame is the shape decoded off the wire for client->server text
// frames; Payload is left raw so each FrameType can interpret it.
type inboundFrame struct {
	Type      FrameType       `json:"type"`
	SessionID string          `json:"sessionId"`
	Payload   json.RawMessage `json:"payload"`
}

// Serve upgrades r into a websocket, registers a new session on
// session.start, and runs the connection's read/write loops until the
// client disconnects or sends session.end. It blocks until the connection
// closes.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request) error {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	id := uuid.NewString()
	c := &conn{id: id, ws: ws, out: make(chan Envelope, outboxSize), cancel: cancel}

	h.mu.Lock()
	h.conns[id] = c
	h.mu.Unlock()
	defer h.drop(id)

	go h.writeLoop(ctx, c)

	h.readLoop(ctx, c)
	h.mgr.EndSession(context.Background(), id)
	ws.Close(websocket.StatusNormalClosure, "")
	return nil
}

func (h *Hub) writeLoop(ctx context.Context, c *conn) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(wctx, c.ws, env)
			cancel()
			if err != nil {
				h.logger.Warn("websocket write failed", "sessionID", c.id, "error", err)
				c.cancel()
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *conn) {
	started := false
	for {
		if ctx.Err() != nil {
			return
		}

		msgType, data, err := c.ws.Read(ctx)
		if err != nil {
			return
		}

		switch msgType {
		case websocket.MessageBinary:
			if !started {
				continue // audio.frame before session.start is dropped (ClientProtocolError territory)
			}
			h.mgr.PushAudio(c.id, data)
		case websocket.MessageText:
			var frame inboundFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				h.send(c, Envelope{Type: FrameError, SessionID: c.id, Payload: ErrorPayload{Message: "malformed frame", Code: string(orchestrator.CodeProtocol), Timestamp: nowMillis()}, Timestamp: nowMillis()})
				continue
			}
			switch frame.Type {
			case FrameSessionStart:
				h.mgr.InitSession(c.id, decodeSessionStart(frame.Payload))
				started = true
			case FrameSessionEnd:
				return
			case FramePing:
				h.send(c, Envelope{Type: FramePong, SessionID: c.id, Timestamp: nowMillis()})
			}
		}
	}
}

// decodeSessionStart translates the wire SessionStartPayload into a
// session.Config, falling back to defaults for anything missing or
// unparsable rather than rejecting the connection.
func decodeSessionStart(raw json.RawMessage) session.Config {
	cfg := session.DefaultConfig()
	if len(raw) == 0 {
		return cfg
	}
	var wire SessionStartPayload
	if err := json.Unmarshal(raw, &wire); err != nil {
		return cfg
	}
	if wire.Language != "" {
		cfg.Language = wire.Language
	}
	cfg.AutoDetectLanguage = wire.AutoDetectLanguage
	if wire.VoiceActivityThresholds.ShortPauseMs > 0 {
		cfg.Thresholds.ShortPause = time.Duration(wire.VoiceActivityThresholds.ShortPauseMs) * time.Millisecond
	}
	if wire.VoiceActivityThresholds.MediumPauseMs > 0 {
		cfg.Thresholds.MediumPause = time.Duration(wire.VoiceActivityThresholds.MediumPauseMs) * time.Millisecond
	}
	if wire.VoiceActivityThresholds.LongPauseMs > 0 {
		cfg.Thresholds.LongPause = time.Duration(wire.VoiceActivityThresholds.LongPauseMs) * time.Millisecond
	}
	if wire.AudioSettings.SampleRate > 0 {
		cfg.SampleRate = wire.AudioSettings.SampleRate
	}
	cfg.AI = session.AISettings{
		Provider:         wire.AISettings.Provider,
		Model:            wire.AISettings.Model,
		Temperature:      wire.AISettings.Temperature,
		MaxTokens:        wire.AISettings.MaxTokens,
		StreamingEnabled: wire.AISettings.StreamingEnabled,
		VoiceReply:       wire.AISettings.VoiceReply,
	}
	cfg.ShowLiveTranscript = wire.UISettings.ShowLiveTranscript
	return cfg
}
