// Package telephony adapts the Twilio Media Streams WebSocket protocol into
// {start, media, stop} primitives and reframes outbound audio into the media
// envelope.
//
// Audio passes through as base64 μ-law 8kHz mono in both directions; the
// package never decodes payloads.
//
// Reference: https://www.twilio.com/docs/voice/media-streams
package telephony

import (
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
)

// EventHandler receives decoded stream events. Callbacks run on the
// connection's read goroutine; implementations must not block on them.
type EventHandler interface {
	// OnStreamStart is called once the start event supplies the stream SID.
	OnStreamStart(streamSid string)

	// OnMedia is called for each inbound audio frame (base64 μ-law).
	OnMedia(payload string)

	// OnStop is called when the stream signals stop.
	OnStop()

	// OnClosed is called exactly once when the socket is no longer readable.
	// err is nil for a normal closure.
	OnClosed(err error)
}

// NoOpEventHandler is a no-op implementation for convenience.
type NoOpEventHandler struct{}

func (h *NoOpEventHandler) OnStreamStart(streamSid string) {}
func (h *NoOpEventHandler) OnMedia(payload string)         {}
func (h *NoOpEventHandler) OnStop()                        {}
func (h *NoOpEventHandler) OnClosed(err error)             {}

// Conn wraps one Twilio Media Streams WebSocket connection.
type Conn struct {
	ws      *websocket.Conn
	handler EventHandler

	sidMu     sync.RWMutex
	streamSid string
	callSid   string

	// gorilla/websocket requires a single writer at a time.
	writeMu sync.Mutex

	closed   atomic.Bool
	notified atomic.Bool
}

// NewConn creates a connection over an already-upgraded WebSocket.
func NewConn(ws *websocket.Conn) *Conn {
	return &Conn{
		ws:      ws,
		handler: &NoOpEventHandler{},
	}
}

// RegisterEventHandler sets the handler for decoded stream events.
// Must be called before Start.
func (c *Conn) RegisterEventHandler(handler EventHandler) {
	c.handler = handler
}

// StreamSid returns the stream identifier, or "" before the start event.
func (c *Conn) StreamSid() string {
	c.sidMu.RLock()
	defer c.sidMu.RUnlock()
	return c.streamSid
}

// CallSid returns the call identifier, or "" before the start event.
func (c *Conn) CallSid() string {
	c.sidMu.RLock()
	defer c.sidMu.RUnlock()
	return c.callSid
}

// Start begins reading stream events. It returns immediately.
func (c *Conn) Start() {
	go c.readPump()
}

// SendAudio reframes one AI-produced audio payload (base64 μ-law) into the
// outbound media envelope. Frames are silently dropped before the start event
// supplies a stream SID or after the socket closes; a teardown race is
// expected, not an error.
func (c *Conn) SendAudio(payload string) {
	sid := c.StreamSid()
	if sid == "" || c.closed.Load() {
		return
	}

	msg := StreamMessage{
		Event:     "media",
		StreamSid: sid,
		Media:     &MediaPayload{Payload: payload},
	}

	c.writeMu.Lock()
	err := c.ws.WriteJSON(msg)
	c.writeMu.Unlock()
	if err != nil && !c.closed.Load() {
		log.Printf("[Telephony] write media failed: %v", err)
	}
}

// Close closes the socket. Safe to call from any goroutine, any number of
// times.
func (c *Conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	return c.ws.Close()
}

func (c *Conn) readPump() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || c.closed.Load() {
				c.notifyClosed(nil)
			} else {
				c.notifyClosed(err)
			}
			return
		}

		var msg StreamMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("[Telephony] dropping unparseable frame: %v", err)
			continue
		}

		c.handleMessage(&msg)
	}
}

func (c *Conn) handleMessage(msg *StreamMessage) {
	switch msg.Event {
	case "connected":
		log.Printf("[Telephony] media stream connected (protocol %s, version %s)", msg.Protocol, msg.Version)

	case "start":
		if msg.Start == nil {
			log.Printf("[Telephony] start event missing payload")
			return
		}
		c.sidMu.Lock()
		c.streamSid = msg.Start.StreamSid
		c.callSid = msg.Start.CallSid
		c.sidMu.Unlock()
		log.Printf("[Telephony] stream started: streamSid=%s callSid=%s format=%s/%dHz",
			msg.Start.StreamSid, msg.Start.CallSid,
			msg.Start.MediaFormat.Encoding, msg.Start.MediaFormat.SampleRate)
		c.handler.OnStreamStart(msg.Start.StreamSid)

	case "media":
		if msg.Media == nil || msg.Media.Payload == "" {
			return
		}
		if msg.Media.Track != "" && msg.Media.Track != "inbound" {
			return
		}
		c.handler.OnMedia(msg.Media.Payload)

	case "stop", "closed":
		log.Printf("[Telephony] stream stopped: streamSid=%s", c.StreamSid())
		c.handler.OnStop()

	case "mark":
		// Playback sync marks are not used; egress is unpaced.

	default:
		log.Printf("[Telephony] ignoring event %q", msg.Event)
	}
}

func (c *Conn) notifyClosed(err error) {
	if !c.notified.CompareAndSwap(false, true) {
		return
	}
	if err != nil {
		log.Printf("[Telephony] read error: %v", err)
	}
	c.handler.OnClosed(err)
}
