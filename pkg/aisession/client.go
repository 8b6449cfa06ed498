// Package aisession owns the outbound connection to the OpenAI Realtime API.
//
// The client sends exactly one session configuration at connect time, then
// translates between typed Realtime events and the narrow operations the rest
// of the bridge needs: append/commit input audio, create responses, inject
// tool outputs, and surface inbound audio deltas and function calls to a
// handler.
//
// Reference: https://platform.openai.com/docs/guides/realtime
package aisession

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	openairt "github.com/WqyJh/go-openai-realtime"
	openai "github.com/sashabaranov/go-openai"
)

// FunctionCall is one tool invocation requested by the model.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments string // JSON-encoded argument text, possibly malformed
}

// EventHandler receives translated server events. Callbacks run on the
// client's read goroutine; OnFunctionCall implementations must hand off to
// their own goroutine so message reception is never blocked.
type EventHandler interface {
	// OnAudioDelta is called per audio delta with the base64 payload,
	// in arrival order.
	OnAudioDelta(payload string)

	// OnFunctionCall is called when a completed function-call item arrives.
	OnFunctionCall(call FunctionCall)

	// OnSessionClosed is called exactly once when the session is no longer
	// usable. err is nil for a deliberate local close.
	OnSessionClosed(err error)
}

// NoOpEventHandler is a no-op implementation for convenience.
type NoOpEventHandler struct{}

func (h *NoOpEventHandler) OnAudioDelta(payload string)   {}
func (h *NoOpEventHandler) OnFunctionCall(f FunctionCall) {}
func (h *NoOpEventHandler) OnSessionClosed(err error)     {}

// Config holds the immutable session configuration, sent once at connect.
type Config struct {
	APIKey       string
	Model        string
	Voice        string
	Instructions string

	// Greeting, when non-empty, seeds a scripted conversation item plus a
	// response request so the caller hears a prompt voice before speaking.
	Greeting string

	// Tools are the function schemas advertised to the model.
	Tools []openairt.Tool
}

// realtimeConn is the slice of *openairt.Conn the client uses; tests inject a
// recording fake.
type realtimeConn interface {
	SendMessage(ctx context.Context, msg openairt.ClientEvent) error
	Close() error
}

// Client is the AI-leg session client.
type Client struct {
	cfg     Config
	conn    realtimeConn
	handler EventHandler

	closed   atomic.Bool
	notified atomic.Bool
}

// NewClient validates the configuration. The connection is established by
// Connect.
func NewClient(cfg Config, handler EventHandler) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("aisession: API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-realtime-preview"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alloy"
	}
	if handler == nil {
		handler = &NoOpEventHandler{}
	}
	return &Client{cfg: cfg, handler: handler}, nil
}

// Connect dials the Realtime endpoint, sends the session configuration and
// optional greeting, and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	conn, err := openairt.NewClient(c.cfg.APIKey).Connect(ctx, openairt.WithModel(c.cfg.Model))
	if err != nil {
		return fmt.Errorf("aisession: connect: %w", err)
	}
	c.conn = conn

	if err := c.sendSessionConfig(ctx); err != nil {
		conn.Close()
		return err
	}

	go c.readLoop(ctx, conn)
	return nil
}

// sendSessionConfig sends the one-time session.update, then the greeting seed
// if configured. Must precede any other traffic.
func (c *Client) sendSessionConfig(ctx context.Context) error {
	err := c.conn.SendMessage(ctx, openairt.SessionUpdateEvent{
		Session: openairt.ClientSession{
			Modalities:        []openairt.Modality{openairt.ModalityText, openairt.ModalityAudio},
			Instructions:      c.cfg.Instructions,
			Voice:             openairt.Voice(c.cfg.Voice),
			InputAudioFormat:  openairt.AudioFormatG711Ulaw,
			OutputAudioFormat: openairt.AudioFormatG711Ulaw,
			InputAudioTranscription: &openairt.InputAudioTranscription{
				Model: openai.Whisper1,
			},
			// Server VAD stays off: end-of-utterance is decided locally by
			// the committer, so turn_detection must marshal as null.
			TurnDetection: nil,
			Tools:         c.cfg.Tools,
		},
	})
	if err != nil {
		return fmt.Errorf("aisession: session.update: %w", err)
	}

	if c.cfg.Greeting == "" {
		return nil
	}

	err = c.conn.SendMessage(ctx, openairt.ConversationItemCreateEvent{
		Item: openairt.MessageItem{
			Type: openairt.MessageItemTypeMessage,
			Role: openairt.MessageRoleUser,
			Content: []openairt.MessageContentPart{
				{Type: openairt.MessageContentTypeInputText, Text: c.cfg.Greeting},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("aisession: greeting item: %w", err)
	}
	if err := c.conn.SendMessage(ctx, openairt.ResponseCreateEvent{}); err != nil {
		return fmt.Errorf("aisession: greeting response: %w", err)
	}
	return nil
}

// AppendAudio appends one base64 μ-law frame to the input audio buffer.
func (c *Client) AppendAudio(ctx context.Context, payload string) error {
	return c.send(ctx, openairt.InputAudioBufferAppendEvent{Audio: payload})
}

// CommitInput signals that no more audio follows for the current utterance.
func (c *Client) CommitInput(ctx context.Context) error {
	return c.send(ctx, openairt.InputAudioBufferCommitEvent{})
}

// CreateResponse requests a model generation.
func (c *Client) CreateResponse(ctx context.Context) error {
	return c.send(ctx, openairt.ResponseCreateEvent{})
}

// InjectToolOutput delivers a tool result as a function_call_output item
// addressed by the originating call id.
func (c *Client) InjectToolOutput(ctx context.Context, callID, output string) error {
	return c.send(ctx, openairt.ConversationItemCreateEvent{
		Item: openairt.MessageItem{
			Type:   openairt.MessageItemTypeFunctionCallOutput,
			CallID: callID,
			Output: output,
		},
	})
}

// ErrSessionClosed is returned for operations attempted after Close.
var ErrSessionClosed = errors.New("aisession: session closed")

func (c *Client) send(ctx context.Context, event openairt.ClientEvent) error {
	if c.closed.Load() || c.conn == nil {
		return ErrSessionClosed
	}
	return c.conn.SendMessage(ctx, event)
}

// Close shuts the session down. Safe to call from any goroutine, any number
// of times.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	if c.conn != nil {
		err = c.conn.Close()
	}
	c.notifyClosed(nil)
	return err
}

// readLoop receives server events until the connection dies. One undecodable
// frame never terminates the session; only permanent transport errors do.
func (c *Client) readLoop(ctx context.Context, conn *openairt.Conn) {
	for {
		event, err := conn.ReadMessage(ctx)
		if err != nil {
			var permanent *openairt.PermanentError
			if errors.As(err, &permanent) || ctx.Err() != nil || c.closed.Load() {
				if !c.closed.Load() {
					log.Printf("[AISession] connection lost: %v", err)
					c.notifyClosed(err)
				} else {
					c.notifyClosed(nil)
				}
				return
			}
			log.Printf("[AISession] dropping undecodable event: %v", err)
			continue
		}
		c.dispatch(event)
	}
}

// dispatch translates one server event. Unknown kinds are no-ops.
func (c *Client) dispatch(event openairt.ServerEvent) {
	switch event.ServerEventType() {
	case openairt.ServerEventTypeResponseAudioDelta:
		// Forwarded verbatim, no reordering or buffering.
		c.handler.OnAudioDelta(event.(openairt.ResponseAudioDeltaEvent).Delta)

	case openairt.ServerEventTypeResponseOutputItemDone:
		item := event.(openairt.ResponseOutputItemDoneEvent).Item
		if item.Type != openairt.MessageItemTypeFunctionCall {
			return
		}
		log.Printf("[AISession] function call requested: %s (call %s)", item.Name, item.CallID)
		c.handler.OnFunctionCall(FunctionCall{
			CallID:    item.CallID,
			Name:      item.Name,
			Arguments: item.Arguments,
		})

	case openairt.ServerEventTypeResponseAudioTranscriptDone:
		log.Printf("[AISession] assistant: %s", event.(openairt.ResponseAudioTranscriptDoneEvent).Transcript)

	case openairt.ServerEventTypeConversationItemInputAudioTranscriptionCompleted:
		log.Printf("[AISession] caller: %s", event.(openairt.ConversationItemInputAudioTranscriptionCompletedEvent).Transcript)

	case openairt.ServerEventTypeError:
		e := event.(openairt.ErrorEvent)
		log.Printf("[AISession] server error: type=%s code=%s message=%s", e.Error.Type, e.Error.Code, e.Error.Message)
	}
}

func (c *Client) notifyClosed(err error) {
	if !c.notified.CompareAndSwap(false, true) {
		return
	}
	c.handler.OnSessionClosed(err)
}
