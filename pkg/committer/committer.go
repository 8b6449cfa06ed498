// Package committer bridges the continuous telephony frame stream to the AI
// service's append-then-commit input model.
//
// The telephony leg has no utterance boundaries, so end of input is
// approximated by timing: every frame is appended immediately, and a periodic
// tick commits the buffer once no frame has arrived for the silence threshold,
// then requests a generation. This is a tunable heuristic — a long mid-sentence
// pause can trigger an early commit. That tradeoff is accepted; the thresholds
// are configurable.
package committer

import (
	"context"
	"log"
	"sync"
	"time"
)

// Default timing parameters, overridable via Config.
const (
	DefaultSilenceThreshold = 600 * time.Millisecond
	DefaultPollInterval     = 200 * time.Millisecond
)

// State is the committer's position in the append/commit cycle.
type State int

const (
	// StateIdle - no audio has ever been appended.
	StateIdle State = iota
	// StateBuffering - appended audio is awaiting a commit.
	StateBuffering
	// StateCommitted - the current utterance was committed; waiting for the
	// next frame.
	StateCommitted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuffering:
		return "buffering"
	case StateCommitted:
		return "committed"
	default:
		return "unknown"
	}
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Sender is the slice of the AI session client the committer drives.
type Sender interface {
	AppendAudio(ctx context.Context, payload string) error
	CommitInput(ctx context.Context) error
	CreateResponse(ctx context.Context) error
}

// Config holds committer tuning.
type Config struct {
	// SilenceThreshold is the inbound gap treated as end of utterance.
	SilenceThreshold time.Duration

	// PollInterval is the tick period of the silence check.
	PollInterval time.Duration

	// Clock defaults to the system clock.
	Clock Clock
}

// Committer accumulates appended audio and issues at most one commit plus one
// generation request per silence gap.
type Committer struct {
	sender   Sender
	clock    Clock
	silence  time.Duration
	interval time.Duration

	mu           sync.Mutex
	state        State
	lastAppendAt time.Time

	started  bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a committer. Zero config fields take defaults.
func New(sender Sender, cfg Config) *Committer {
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = DefaultSilenceThreshold
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}
	return &Committer{
		sender:   sender,
		clock:    cfg.Clock,
		silence:  cfg.SilenceThreshold,
		interval: cfg.PollInterval,
		state:    StateIdle,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Push appends one inbound frame immediately and restarts the silence window.
// A frame arriving after a commit opens the next utterance.
func (c *Committer) Push(ctx context.Context, payload string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.sender.AppendAudio(ctx, payload); err != nil {
		// Teardown race: the AI leg is gone, the frame is lost with the call.
		log.Printf("[Committer] append dropped: %v", err)
		return
	}
	c.state = StateBuffering
	c.lastAppendAt = c.clock.Now()
}

// Start runs the periodic silence check until Stop or ctx cancellation.
func (c *Committer) Start(ctx context.Context) {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.tick(ctx)
			}
		}
	}()
}

// tick commits once the silence threshold has elapsed with unflushed audio.
// A failed commit is skipped silently and retried on the next tick.
func (c *Committer) tick(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateBuffering {
		return
	}
	if c.clock.Now().Sub(c.lastAppendAt) < c.silence {
		return
	}

	if err := c.sender.CommitInput(ctx); err != nil {
		return
	}
	c.state = StateCommitted

	if err := c.sender.CreateResponse(ctx); err != nil {
		log.Printf("[Committer] response request failed: %v", err)
	}
}

// State returns the current cycle state.
func (c *Committer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Stop cancels the tick loop and returns once it has exited, guaranteeing no
// tick fires after teardown. Idempotent.
func (c *Committer) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.mu.Lock()
	started := c.started
	c.mu.Unlock()
	if started {
		<-c.done
	}
}
