package session

import (
	"context"

	"github.com/voicegate/voicegate/pkg/aisession"
	"github.com/voicegate/voicegate/pkg/committer"
	"github.com/voicegate/voicegate/pkg/telephony"
	"github.com/voicegate/voicegate/pkg/tools"
)

// Factory builds one supervisor per accepted telephony connection. It
// satisfies the media server's SessionFactory interface.
type Factory struct {
	// AI is the per-call session template; Tools is filled from the
	// dispatcher's schemas if empty.
	AI aisession.Config

	// Committer carries the silence threshold and poll interval.
	Committer committer.Config

	// Dispatcher is shared across calls (it is stateless).
	Dispatcher *tools.Dispatcher
}

// CreateSession wires and starts a supervisor for conn.
func (f *Factory) CreateSession(ctx context.Context, conn *telephony.Conn, onClosed func()) (*Supervisor, error) {
	aiCfg := f.AI
	if len(aiCfg.Tools) == 0 && f.Dispatcher != nil {
		aiCfg.Tools = f.Dispatcher.Schemas()
	}

	s, err := New(ctx, conn, aiCfg, f.Committer, f.Dispatcher, onClosed)
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		return nil, err
	}
	return s, nil
}
