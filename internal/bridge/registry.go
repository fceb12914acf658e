package bridge

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultOpenTimeout   = 10 * time.Second
	defaultDrainGrace    = 2 * time.Second
	defaultInboundQueue  = 64
	defaultOutboundQueue = 512
)

// Config holds the collaborators and limits shared by every session the
// registry creates.
type Config struct {
	Voice       VoiceOpener
	Transcriber TranscriptionOpener  // nil disables the transcription leg
	Starter     TranscriptionStarter // nil disables provider transcription
	Recorder    Recorder
	Logger      *log.Logger

	Locale   string // passed to StartTranscription
	Greeting string // instructions for the opening line; empty skips it

	OpenTimeout   time.Duration // bound on Connecting
	DrainGrace    time.Duration // bound on flushing AI audio while Draining
	InboundQueue  int           // sequencer input capacity
	OutboundQueue int           // AI frames waiting for the telephony writer

	// OnTransition and OnTranscript are optional lifecycle hooks. They are
	// called from session goroutines and must not block.
	OnTransition func(callID string, from, to State, cause error)
	OnTranscript func(callID, text string)
}

func (c Config) withDefaults() Config {
	if c.Recorder == nil {
		c.Recorder = nopRecorder{}
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = defaultOpenTimeout
	}
	if c.DrainGrace <= 0 {
		c.DrainGrace = defaultDrainGrace
	}
	if c.InboundQueue <= 0 {
		c.InboundQueue = defaultInboundQueue
	}
	if c.OutboundQueue <= 0 {
		c.OutboundQueue = defaultOutboundQueue
	}
	return c
}

// Registry maps call ids to their sessions and supports graceful draining.
// When draining is enabled, new sessions are rejected while in-flight calls
// finish naturally.
//
// mu makes the draining check, the duplicate check and wg.Add atomic in
// Create, so StartDraining+Wait cannot slip in between them.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	sessions map[string]*Session
	draining bool
	wg       sync.WaitGroup
	count    atomic.Int64
}

// NewRegistry creates an empty registry whose sessions use cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg.withDefaults(),
		sessions: make(map[string]*Session),
	}
}

// Create registers a new Idle session for callID.
func (r *Registry) Create(callID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.draining {
		return nil, ErrDraining
	}
	if existing, ok := r.sessions[callID]; ok {
		if existing.State() != Closed {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, callID)
		}
		// Closed but not yet removed: retire it here so its own removal
		// becomes a no-op.
		delete(r.sessions, callID)
		r.count.Add(-1)
		r.wg.Done()
	}

	s := newSession(callID, r, r.cfg)
	r.sessions[callID] = s
	r.wg.Add(1)
	r.count.Add(1)
	return s, nil
}

// Get returns the session registered for callID.
func (r *Registry) Get(callID string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[callID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, callID)
	}
	return s, nil
}

// Remove drops callID from the registry. Sessions call it themselves when
// they reach Closed; calling it again is a no-op.
func (r *Registry) Remove(callID string) {
	r.mu.Lock()
	s := r.sessions[callID]
	r.mu.Unlock()
	if s != nil {
		r.remove(callID, s)
	}
}

// remove deletes the entry only if it still belongs to s, so a late call
// from a finished session never evicts its successor.
func (r *Registry) remove(callID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[callID] != s {
		return
	}
	delete(r.sessions, callID)
	r.count.Add(-1)
	r.wg.Done()
}

// Teardown forces the session for callID to end, e.g. when call control
// reports the call disconnected. It does not wait for the session to close.
func (r *Registry) Teardown(callID string) error {
	s, err := r.Get(callID)
	if err != nil {
		return err
	}
	s.Close()
	return nil
}

// StartDraining makes future Create calls fail with ErrDraining.
func (r *Registry) StartDraining() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.draining = true
}

// IsDraining reports whether the registry is in draining mode.
func (r *Registry) IsDraining() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.draining
}

// ActiveCount returns the number of registered sessions.
func (r *Registry) ActiveCount() int64 {
	return r.count.Load()
}

// Wait blocks until every registered session has been removed.
func (r *Registry) Wait() {
	r.wg.Wait()
}
