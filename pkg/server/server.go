// Package server accepts telephony media WebSocket connections and creates
// one call session per connection. It also serves the call-routing answer
// document and a health endpoint.
//
// Reference: https://www.twilio.com/docs/voice/media-streams
package server

import (
	"context"
	"fmt"
	"text/template"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicegate/voicegate/pkg/telephony"
)

// Config holds media server configuration.
type Config struct {
	// Address is the listen address (e.g. ":8080").
	Address string

	// WebSocketPath is the media stream endpoint (default "/media").
	WebSocketPath string

	// AnswerPath serves the TwiML answer document (default "/answer").
	AnswerPath string

	// StreamURL is the public wss:// URL placed in the answer document.
	StreamURL string

	// ReadBufferSize / WriteBufferSize for the WebSocket upgrader.
	ReadBufferSize  int
	WriteBufferSize int

	// CustomParameters are passed through the answer document to the stream.
	CustomParameters map[string]string
}

// Session is a live call owned by the server's session table.
type Session interface {
	ID() string
	Close() error
}

// SessionFactory creates and starts a session for an accepted connection.
// onClosed must be invoked once when the session ends.
type SessionFactory interface {
	CreateSession(ctx context.Context, conn *telephony.Conn, onClosed func()) (Session, error)
}

// SessionFactoryFunc adapts a function to the SessionFactory interface.
type SessionFactoryFunc func(ctx context.Context, conn *telephony.Conn, onClosed func()) (Session, error)

// CreateSession calls f.
func (f SessionFactoryFunc) CreateSession(ctx context.Context, conn *telephony.Conn, onClosed func()) (Session, error) {
	return f(ctx, conn, onClosed)
}

// MediaServer is the telephony-facing WebSocket server.
type MediaServer struct {
	config  Config
	factory SessionFactory

	upgrader websocket.Upgrader
	server   *http.Server

	sessions   map[string]Session
	sessionsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMediaServer creates a media server with defaulted config.
func NewMediaServer(config Config, factory SessionFactory) *MediaServer {
	if config.WebSocketPath == "" {
		config.WebSocketPath = "/media"
	}
	if config.AnswerPath == "" {
		config.AnswerPath = "/answer"
	}
	if config.ReadBufferSize == 0 {
		config.ReadBufferSize = 1024
	}
	if config.WriteBufferSize == 0 {
		config.WriteBufferSize = 1024
	}

	return &MediaServer{
		config:  config,
		factory: factory,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sessions: make(map[string]Session),
	}
}

// Start begins serving. It returns immediately.
func (s *MediaServer) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc(s.config.WebSocketPath, s.handleWebSocket)
	mux.HandleFunc(s.config.AnswerPath, s.handleAnswer)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Addr:    s.config.Address,
		Handler: mux,
	}

	log.Printf("[Server] listening on %s (media %s, answer %s)",
		s.config.Address, s.config.WebSocketPath, s.config.AnswerPath)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[Server] serve error: %v", err)
		}
	}()

	return nil
}

// Stop closes every live session and shuts the listener down.
func (s *MediaServer) Stop() error {
	log.Printf("[Server] stopping")

	if s.cancel != nil {
		s.cancel()
	}

	s.sessionsMu.Lock()
	live := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess)
	}
	s.sessionsMu.Unlock()
	for _, sess := range live {
		sess.Close()
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctx)
	}

	s.wg.Wait()
	log.Printf("[Server] stopped")
	return nil
}

// SessionCount returns the number of live sessions.
func (s *MediaServer) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

// handleWebSocket accepts one media stream connection and hands it to the
// session factory. The supervisor exists before the first stream event.
func (s *MediaServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	log.Printf("[Server] media connection from %s", r.RemoteAddr)

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[Server] upgrade failed: %v", err)
		return
	}

	conn := telephony.NewConn(ws)

	// The session may close before CreateSession returns (instant hangup),
	// so registration and the close callback synchronize on regMu.
	var (
		regMu       sync.Mutex
		sessID      string
		closedEarly bool
	)
	sess, err := s.factory.CreateSession(s.ctx, conn, func() {
		regMu.Lock()
		defer regMu.Unlock()
		if sessID == "" {
			closedEarly = true
			return
		}
		s.removeSession(sessID)
	})
	if err != nil {
		log.Printf("[Server] session create failed: %v", err)
		conn.Close()
		return
	}

	regMu.Lock()
	defer regMu.Unlock()
	sessID = sess.ID()
	if closedEarly {
		return
	}
	s.sessionsMu.Lock()
	s.sessions[sessID] = sess
	s.sessionsMu.Unlock()
}

func (s *MediaServer) removeSession(id string) {
	if id == "" {
		return
	}
	s.sessionsMu.Lock()
	delete(s.sessions, id)
	s.sessionsMu.Unlock()
}

// answerTemplate connects the inbound call to the media stream endpoint.
var answerTemplate = template.Must(template.New("answer").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<Response>
    <Connect>
        <Stream url="{{.StreamURL}}">
            {{- range $key, $value := .Parameters}}
            <Parameter name="{{$key}}" value="{{$value}}" />
            {{- end}}
        </Stream>
    </Connect>
</Response>`))

// handleAnswer serves the call-routing answer document.
func (s *MediaServer) handleAnswer(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err == nil {
		log.Printf("[Server] incoming call: CallSid=%s From=%s To=%s",
			r.FormValue("CallSid"), r.FormValue("From"), r.FormValue("To"))
	}

	data := struct {
		StreamURL  string
		Parameters map[string]string
	}{
		StreamURL:  s.config.StreamURL,
		Parameters: s.config.CustomParameters,
	}

	w.Header().Set("Content-Type", "application/xml")
	if err := answerTemplate.Execute(w, data); err != nil {
		log.Printf("[Server] answer render failed: %v", err)
	}
}

// handleHealth reports liveness and the live session count.
func (s *MediaServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","sessions":%d}`, s.SessionCount())
}
