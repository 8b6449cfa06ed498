package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voicegate/voicegate/pkg/telephony"
)

// fakeSession satisfies Session.
type fakeSession struct {
	id     string
	mu     sync.Mutex
	closes int
}

func (s *fakeSession) ID() string { return s.id }

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closes++
	return nil
}

// fakeFactory records created sessions and their close callbacks.
type fakeFactory struct {
	mu        sync.Mutex
	created   []*fakeSession
	onCloseds []func()
	err       error
	createdCh chan struct{}
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{createdCh: make(chan struct{}, 4)}
}

func (f *fakeFactory) CreateSession(ctx context.Context, conn *telephony.Conn, onClosed func()) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sess := &fakeSession{id: "sess_test"}
	f.created = append(f.created, sess)
	f.onCloseds = append(f.onCloseds, onClosed)
	f.createdCh <- struct{}{}
	return sess, nil
}

func newTestServer(t *testing.T, factory SessionFactory) *MediaServer {
	t.Helper()
	s := NewMediaServer(Config{
		Address:   ":0",
		StreamURL: "wss://example.com/media",
		CustomParameters: map[string]string{
			"tenant": "demo",
		},
	}, factory)
	s.ctx, s.cancel = context.WithCancel(context.Background())
	t.Cleanup(s.cancel)
	return s
}

func TestConfigDefaults(t *testing.T) {
	s := NewMediaServer(Config{Address: ":0"}, newFakeFactory())
	assert.Equal(t, "/media", s.config.WebSocketPath)
	assert.Equal(t, "/answer", s.config.AnswerPath)
	assert.Equal(t, 1024, s.config.ReadBufferSize)
	assert.Equal(t, 1024, s.config.WriteBufferSize)
}

func TestHandleAnswerRendersStreamDocument(t *testing.T) {
	s := newTestServer(t, newFakeFactory())
	srv := httptest.NewServer(http.HandlerFunc(s.handleAnswer))
	defer srv.Close()

	resp, err := http.PostForm(srv.URL, url.Values{
		"CallSid": {"CA456"},
		"From":    {"+15551234567"},
		"To":      {"+15559876543"},
	})
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "application/xml", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	doc := string(body)
	assert.Contains(t, doc, `<Stream url="wss://example.com/media">`)
	assert.Contains(t, doc, `<Parameter name="tenant" value="demo" />`)
	assert.Contains(t, doc, "<Connect>")
}

func TestHandleHealth(t *testing.T) {
	s := newTestServer(t, newFakeFactory())
	srv := httptest.NewServer(http.HandlerFunc(s.handleHealth))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload struct {
		Status   string `json:"status"`
		Sessions int    `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "ok", payload.Status)
	assert.Equal(t, 0, payload.Sessions)
}

func TestWebSocketCreatesAndTracksSession(t *testing.T) {
	factory := newFakeFactory()
	s := newTestServer(t, factory)
	srv := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	select {
	case <-factory.createdCh:
	case <-time.After(2 * time.Second):
		t.Fatal("session never created")
	}

	// registration happens right after creation on the same handler goroutine
	deadline := time.Now().Add(2 * time.Second)
	for s.SessionCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	require.Equal(t, 1, s.SessionCount())

	// the session's close callback deregisters it
	factory.mu.Lock()
	onClosed := factory.onCloseds[0]
	factory.mu.Unlock()
	onClosed()
	assert.Equal(t, 0, s.SessionCount())
}

func TestWebSocketFactoryFailureClosesSocket(t *testing.T) {
	factory := newFakeFactory()
	factory.err = errors.New("AI leg unavailable")
	s := newTestServer(t, factory)
	srv := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = client.ReadMessage()
	assert.Error(t, err, "server closes the socket when no session can be built")
	assert.Equal(t, 0, s.SessionCount())
}

func TestInstantHangupNeverLeaksSession(t *testing.T) {
	// the close callback fires before CreateSession returns
	factory := newFakeFactory()
	s := newTestServer(t, factory)

	early := SessionFactoryFunc(func(ctx context.Context, conn *telephony.Conn, onClosed func()) (Session, error) {
		onClosed()
		return &fakeSession{id: "sess_gone"}, nil
	})
	s.factory = early

	srv := httptest.NewServer(http.HandlerFunc(s.handleWebSocket))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	client.Close()

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, s.SessionCount())
}

func TestStopClosesLiveSessions(t *testing.T) {
	factory := newFakeFactory()
	s := NewMediaServer(Config{Address: "127.0.0.1:0"}, factory)
	require.NoError(t, s.Start(context.Background()))

	sess := &fakeSession{id: "sess_live"}
	s.sessionsMu.Lock()
	s.sessions[sess.id] = sess
	s.sessionsMu.Unlock()

	require.NoError(t, s.Stop())

	sess.mu.Lock()
	defer sess.mu.Unlock()
	assert.Equal(t, 1, sess.closes)
}
