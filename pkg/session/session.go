// Package session owns the per-call unit: one telephony connection, one AI
// session, and one buffer committer. The supervisor is the only place the two
// legs meet, and its single idempotent Close is the teardown path for every
// failure mode — both legs live or die together.
package session

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/voicegate/voicegate/pkg/aisession"
	"github.com/voicegate/voicegate/pkg/committer"
	"github.com/voicegate/voicegate/pkg/telephony"
	"github.com/voicegate/voicegate/pkg/tools"
	"github.com/voicegate/voicegate/pkg/trace"
)

// telephonyConn is the slice of *telephony.Conn the supervisor drives.
type telephonyConn interface {
	RegisterEventHandler(handler telephony.EventHandler)
	Start()
	SendAudio(payload string)
	CallSid() string
	Close() error
}

// aiClient is the slice of *aisession.Client the supervisor drives. The
// committer and the tool dispatcher hold their own slices of the same client.
type aiClient interface {
	Connect(ctx context.Context) error
	InjectToolOutput(ctx context.Context, callID, output string) error
	CreateResponse(ctx context.Context) error
	Close() error
}

// Supervisor bridges one call. Created on telephony connection open, torn
// down when either leg closes.
type Supervisor struct {
	id         string
	conn       telephonyConn
	ai         aiClient
	committer  *committer.Committer
	dispatcher *tools.Dispatcher

	ctx    context.Context
	cancel context.CancelFunc

	span      oteltrace.Span
	startTime time.Time

	onClosed func()
	closed   atomic.Bool
}

// New wires a supervisor over an accepted telephony connection. The AI leg is
// not dialed until Start. onClosed, if non-nil, runs once after teardown.
func New(ctx context.Context, conn *telephony.Conn, aiCfg aisession.Config, commitCfg committer.Config, dispatcher *tools.Dispatcher, onClosed func()) (*Supervisor, error) {
	s := newSupervisor(ctx, conn, dispatcher, onClosed)

	ai, err := aisession.NewClient(aiCfg, s)
	if err != nil {
		s.span.End()
		s.cancel()
		return nil, err
	}
	s.attachAI(ai, commitCfg)

	conn.RegisterEventHandler(s)
	return s, nil
}

// newSupervisor builds the shell; tests attach fake legs directly.
func newSupervisor(ctx context.Context, conn telephonyConn, dispatcher *tools.Dispatcher, onClosed func()) *Supervisor {
	s := &Supervisor{
		id:         "sess_" + uuid.New().String()[:8],
		conn:       conn,
		dispatcher: dispatcher,
		startTime:  time.Now(),
		onClosed:   onClosed,
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.ctx, s.span = trace.StartCallSpan(s.ctx, s.id)
	return s
}

// attachAI binds the AI leg and the committer that feeds it.
func (s *Supervisor) attachAI(ai aiClient, commitCfg committer.Config) {
	s.ai = ai
	if sender, ok := ai.(committer.Sender); ok {
		s.committer = committer.New(sender, commitCfg)
	}
}

// ID returns the supervisor's session identifier.
func (s *Supervisor) ID() string {
	return s.id
}

// Start dials the AI leg, then begins the committer and the telephony read
// loop. On AI connect failure the whole session is torn down.
func (s *Supervisor) Start() error {
	if err := s.ai.Connect(s.ctx); err != nil {
		s.Close()
		return err
	}
	if s.committer != nil {
		s.committer.Start(s.ctx)
	}
	s.conn.Start()
	log.Printf("[Session %s] started", s.id)
	return nil
}

// Close tears the whole session down: cancels the context, stops the
// committer's timer deterministically, and closes both legs. Safe to call
// from either leg's close path, any number of times.
//
// The guard is a CAS, not sync.Once: closing the AI leg fires its
// OnSessionClosed callback on this same goroutine, which re-enters Close.
func (s *Supervisor) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()
	if s.committer != nil {
		s.committer.Stop()
	}
	s.ai.Close()
	s.conn.Close()
	s.span.End()
	log.Printf("[Session %s] closed (duration %v)", s.id, time.Since(s.startTime).Round(time.Millisecond))
	if s.onClosed != nil {
		s.onClosed()
	}
	return nil
}

// --- telephony.EventHandler ---

// OnStreamStart records the stream identifier on the call span.
func (s *Supervisor) OnStreamStart(streamSid string) {
	s.span.SetAttributes(
		attribute.String(trace.AttrStreamSid, streamSid),
		attribute.String(trace.AttrCallSid, s.conn.CallSid()),
	)
}

// OnMedia forwards one inbound frame into the committer, which appends it to
// the AI input buffer immediately.
func (s *Supervisor) OnMedia(payload string) {
	if s.committer != nil {
		s.committer.Push(s.ctx, payload)
	}
}

// OnStop handles the stream's stop event: the expected end of a call.
func (s *Supervisor) OnStop() {
	s.Close()
}

// OnClosed handles the telephony socket dying, cleanly or not.
func (s *Supervisor) OnClosed(err error) {
	if err != nil {
		log.Printf("[Session %s] telephony leg failed: %v", s.id, err)
		trace.RecordError(s.span, err)
	}
	s.Close()
}

// --- aisession.EventHandler ---

// OnAudioDelta relays AI audio to the caller in arrival order.
func (s *Supervisor) OnAudioDelta(payload string) {
	s.conn.SendAudio(payload)
}

// OnFunctionCall dispatches a tool call on its own goroutine; audio relay is
// never suspended waiting on a gateway round trip.
func (s *Supervisor) OnFunctionCall(fc aisession.FunctionCall) {
	go func() {
		ctx, span := trace.StartToolSpan(s.ctx, fc.Name, fc.CallID)
		defer span.End()

		call := &tools.Call{ID: fc.CallID, Name: fc.Name, Arguments: fc.Arguments}
		s.dispatcher.Dispatch(ctx, call, s.ai)
		span.SetAttributes(attribute.String(trace.AttrToolStatus, call.Status.String()))
	}()
}

// OnSessionClosed handles the AI leg dying, cleanly or not.
func (s *Supervisor) OnSessionClosed(err error) {
	if err != nil {
		log.Printf("[Session %s] AI leg failed: %v", s.id, err)
		trace.RecordError(s.span, err)
	}
	s.Close()
}
