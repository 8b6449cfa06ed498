package aisession

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	openairt "github.com/WqyJh/go-openai-realtime"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn records sent client events.
type fakeConn struct {
	mu      sync.Mutex
	events  []openairt.ClientEvent
	sendErr error
	closes  int
}

func (f *fakeConn) SendMessage(ctx context.Context, msg openairt.ClientEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.events = append(f.events, msg)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closes++
	return nil
}

func (f *fakeConn) sent() []openairt.ClientEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]openairt.ClientEvent, len(f.events))
	copy(out, f.events)
	return out
}

// recordingHandler records handler callbacks.
type recordingHandler struct {
	mu      sync.Mutex
	deltas  []string
	calls   []FunctionCall
	closed  int
	lastErr error
}

func (h *recordingHandler) OnAudioDelta(payload string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deltas = append(h.deltas, payload)
}

func (h *recordingHandler) OnFunctionCall(call FunctionCall) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls = append(h.calls, call)
}

func (h *recordingHandler) OnSessionClosed(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	h.lastErr = err
}

func newTestClient(t *testing.T, cfg Config, handler EventHandler) (*Client, *fakeConn) {
	t.Helper()
	if cfg.APIKey == "" {
		cfg.APIKey = "sk-test"
	}
	c, err := NewClient(cfg, handler)
	require.NoError(t, err)
	conn := &fakeConn{}
	c.conn = conn
	return c, conn
}

func TestNewClientValidation(t *testing.T) {
	t.Run("missing API key", func(t *testing.T) {
		_, err := NewClient(Config{}, nil)
		assert.Error(t, err)
	})

	t.Run("defaults", func(t *testing.T) {
		c, err := NewClient(Config{APIKey: "sk-test"}, nil)
		require.NoError(t, err)
		assert.Equal(t, "gpt-4o-realtime-preview", c.cfg.Model)
		assert.Equal(t, "alloy", c.cfg.Voice)
		assert.NotNil(t, c.handler)
	})
}

func TestSessionConfigIsFirstAndComplete(t *testing.T) {
	tools := []openairt.Tool{{Type: openairt.ToolTypeFunction, Name: "lookup_bookings"}}
	c, conn := newTestClient(t, Config{
		Instructions: "You are a receptionist.",
		Voice:        "echo",
		Tools:        tools,
	}, nil)

	require.NoError(t, c.sendSessionConfig(context.Background()))

	events := conn.sent()
	require.Len(t, events, 1, "no greeting configured")

	update, ok := events[0].(openairt.SessionUpdateEvent)
	require.True(t, ok, "session.update must be the first message")
	assert.Equal(t, openairt.AudioFormatG711Ulaw, update.Session.InputAudioFormat)
	assert.Equal(t, openairt.AudioFormatG711Ulaw, update.Session.OutputAudioFormat)
	assert.Equal(t, "You are a receptionist.", update.Session.Instructions)
	assert.Equal(t, openairt.Voice("echo"), update.Session.Voice)
	assert.Nil(t, update.Session.TurnDetection)
	assert.Equal(t, tools, update.Session.Tools)
}

func TestTurnDetectionMarshalsAsNull(t *testing.T) {
	// Disabling server VAD requires the field to serialize as an explicit
	// null, not be omitted.
	data, err := json.Marshal(openairt.ClientSession{TurnDetection: nil})
	require.NoError(t, err)
	assert.Contains(t, string(data), `"turn_detection":null`)
}

func TestGreetingSeedsConversation(t *testing.T) {
	c, conn := newTestClient(t, Config{Greeting: "Greet the caller."}, nil)

	require.NoError(t, c.sendSessionConfig(context.Background()))

	events := conn.sent()
	require.Len(t, events, 3)
	_, ok := events[0].(openairt.SessionUpdateEvent)
	assert.True(t, ok)

	item, ok := events[1].(openairt.ConversationItemCreateEvent)
	require.True(t, ok)
	assert.Equal(t, openairt.MessageItemTypeMessage, item.Item.Type)
	assert.Equal(t, openairt.MessageRoleUser, item.Item.Role)
	require.Len(t, item.Item.Content, 1)
	assert.Equal(t, "Greet the caller.", item.Item.Content[0].Text)

	_, ok = events[2].(openairt.ResponseCreateEvent)
	assert.True(t, ok, "greeting must be followed by a generation request")
}

func TestOperationEventTypes(t *testing.T) {
	c, conn := newTestClient(t, Config{}, nil)
	ctx := context.Background()

	require.NoError(t, c.AppendAudio(ctx, "bXUtbGF3"))
	require.NoError(t, c.CommitInput(ctx))
	require.NoError(t, c.CreateResponse(ctx))
	require.NoError(t, c.InjectToolOutput(ctx, "call_1", `{"found":true}`))

	events := conn.sent()
	require.Len(t, events, 4)

	appendEv, ok := events[0].(openairt.InputAudioBufferAppendEvent)
	require.True(t, ok)
	assert.Equal(t, "bXUtbGF3", appendEv.Audio)

	_, ok = events[1].(openairt.InputAudioBufferCommitEvent)
	assert.True(t, ok)

	_, ok = events[2].(openairt.ResponseCreateEvent)
	assert.True(t, ok)

	inject, ok := events[3].(openairt.ConversationItemCreateEvent)
	require.True(t, ok)
	assert.Equal(t, openairt.MessageItemTypeFunctionCallOutput, inject.Item.Type)
	assert.Equal(t, "call_1", inject.Item.CallID)
	assert.Equal(t, `{"found":true}`, inject.Item.Output)
}

func TestCloseIsIdempotent(t *testing.T) {
	handler := &recordingHandler{}
	c, conn := newTestClient(t, Config{}, handler)

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	assert.Equal(t, 1, conn.closes)
	assert.Equal(t, 1, handler.closed)
	assert.NoError(t, handler.lastErr, "deliberate close reports nil")
}

func TestSendAfterClose(t *testing.T) {
	c, _ := newTestClient(t, Config{}, nil)
	require.NoError(t, c.Close())

	assert.ErrorIs(t, c.AppendAudio(context.Background(), "x"), ErrSessionClosed)
	assert.ErrorIs(t, c.CommitInput(context.Background()), ErrSessionClosed)
	assert.ErrorIs(t, c.CreateResponse(context.Background()), ErrSessionClosed)
	assert.ErrorIs(t, c.InjectToolOutput(context.Background(), "id", "out"), ErrSessionClosed)
}

func TestSendBeforeConnect(t *testing.T) {
	c, err := NewClient(Config{APIKey: "sk-test"}, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, c.AppendAudio(context.Background(), "x"), ErrSessionClosed)
}

func TestDispatchAudioDelta(t *testing.T) {
	handler := &recordingHandler{}
	c, _ := newTestClient(t, Config{}, handler)

	c.dispatch(openairt.ResponseAudioDeltaEvent{
		ServerEventBase: openairt.ServerEventBase{Type: openairt.ServerEventTypeResponseAudioDelta},
		Delta:           "payload-1",
	})
	c.dispatch(openairt.ResponseAudioDeltaEvent{
		ServerEventBase: openairt.ServerEventBase{Type: openairt.ServerEventTypeResponseAudioDelta},
		Delta:           "payload-2",
	})

	assert.Equal(t, []string{"payload-1", "payload-2"}, handler.deltas, "deltas keep arrival order")
}

func TestDispatchFunctionCall(t *testing.T) {
	handler := &recordingHandler{}
	c, _ := newTestClient(t, Config{}, handler)

	c.dispatch(openairt.ResponseOutputItemDoneEvent{
		ServerEventBase: openairt.ServerEventBase{Type: openairt.ServerEventTypeResponseOutputItemDone},
		Item: openairt.ResponseMessageItem{
			MessageItem: openairt.MessageItem{
				Type:      openairt.MessageItemTypeFunctionCall,
				CallID:    "call_9",
				Name:      "lookup_bookings",
				Arguments: `{"phone":"5551234567"}`,
			},
		},
	})

	require.Len(t, handler.calls, 1)
	assert.Equal(t, "call_9", handler.calls[0].CallID)
	assert.Equal(t, "lookup_bookings", handler.calls[0].Name)
	assert.Equal(t, `{"phone":"5551234567"}`, handler.calls[0].Arguments)
}

func TestDispatchIgnoresNonFunctionItems(t *testing.T) {
	handler := &recordingHandler{}
	c, _ := newTestClient(t, Config{}, handler)

	c.dispatch(openairt.ResponseOutputItemDoneEvent{
		ServerEventBase: openairt.ServerEventBase{Type: openairt.ServerEventTypeResponseOutputItemDone},
		Item: openairt.ResponseMessageItem{
			MessageItem: openairt.MessageItem{Type: openairt.MessageItemTypeMessage},
		},
	})

	assert.Empty(t, handler.calls)
}

func TestSendErrorPropagates(t *testing.T) {
	c, conn := newTestClient(t, Config{}, nil)
	conn.sendErr = errors.New("write failed")

	assert.Error(t, c.AppendAudio(context.Background(), "x"))
}
