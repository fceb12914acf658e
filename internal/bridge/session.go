package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/lukasbauer/callbridge/internal/media"
	"github.com/lukasbauer/callbridge/internal/voiceai"
	"golang.org/x/sync/errgroup"
)

type inputKind int

const (
	callerAudio inputKind = iota
	voiceMessage
	transcriptEvent
	telephonyDone
	voiceDone
)

// input is one item for the sequencer.
type input struct {
	kind  inputKind
	frame media.AudioFrame
	msg   voiceai.Message
	event media.ControlEvent
	err   error
}

// queuedFrame is an AI frame waiting for the telephony writer. Frames whose
// generation is older than the session's current one were interrupted.
type queuedFrame struct {
	gen   uint64
	frame media.AudioFrame
}

// Session bridges one call. It owns the telephony socket, the Voice-AI leg
// and the transcription leg, and releases all three exactly once.
type Session struct {
	callID   string
	created  time.Time
	cfg      Config
	registry *Registry
	logger   *log.Logger
	rec      Recorder

	mu           sync.Mutex
	state        State
	connectionID string

	ctx    context.Context // session scope, cancelled by Close
	cancel context.CancelFunc
	done   chan struct{}

	runCtx    context.Context
	runCancel context.CancelFunc

	tel    TelephonyConn
	voice  VoiceSession
	sink   TranscriptionSink
	format media.Format // caller format the legs were opened with

	in         chan input
	out        chan queuedFrame
	gen        atomic.Uint64
	played     atomic.Int64 // nanoseconds of AI audio written to the caller
	playMu     sync.Mutex // held while checking a frame's generation and writing it
	writerDone chan struct{}
	wg         sync.WaitGroup

	outOnce     sync.Once
	finishOnce  sync.Once
	releaseOnce sync.Once
	startOnce   sync.Once

	// Owned by the sequencer.
	turnActive    bool
	muted         bool
	turnID        string
	voiceSendErrs int
	formatDrift   bool
}

func newSession(callID string, r *Registry, cfg Config) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		callID:     callID,
		created:    time.Now(),
		cfg:        cfg,
		registry:   r,
		logger:     logger,
		rec:        cfg.Recorder,
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
		in:         make(chan input, cfg.InboundQueue),
		out:        make(chan queuedFrame, cfg.OutboundQueue),
		writerDone: make(chan struct{}),
	}
}

// CallID returns the id the session is registered under.
func (s *Session) CallID() string { return s.callID }

// CreatedAt returns when the session was registered.
func (s *Session) CreatedAt() time.Time { return s.created }

// Done is closed once the session has been removed from the registry.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) transition(to State, cause error) error {
	s.mu.Lock()
	from := s.state
	if err := checkTransition(from, to); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = to
	s.mu.Unlock()

	s.rec.SessionTransition(from.String(), to.String())
	if cause != nil {
		s.logger.Printf("bridge: call %s %s -> %s: %v", s.callID, from, to, cause)
	} else {
		s.logger.Printf("bridge: call %s %s -> %s", s.callID, from, to)
	}
	if s.cfg.OnTransition != nil {
		s.cfg.OnTransition(s.callID, from, to, cause)
	}
	return nil
}

// CallConnected records the call-control connection id. Provider-side
// transcription is started once, as soon as the session is Active.
func (s *Session) CallConnected(callConnectionID string) {
	s.mu.Lock()
	if s.connectionID == "" {
		s.connectionID = callConnectionID
	}
	active := s.state == Active
	s.mu.Unlock()

	if active {
		s.startTranscription()
	}
}

// Close ends the session. A running session drains and closes on its own
// goroutine; an Idle session is removed right away. Safe to call more than
// once.
func (s *Session) Close() {
	s.cancel()
	if s.State() == Idle {
		s.release()
	}
}

// Run drives the session from Idle to Closed over tel and returns once every
// connection has been released. The error is nil when the call ended
// normally.
func (s *Session) Run(ctx context.Context, tel TelephonyConn) (err error) {
	if err := s.transition(Connecting, nil); err != nil {
		return err
	}
	s.tel = tel

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, s.runCancel)
	defer stop()

	defer func() { s.finish(err) }()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("bridge: panic in call %s: %v", s.callID, r)
		}
	}()

	if err = s.connect(s.runCtx); err != nil {
		return err
	}
	if err = s.transition(Active, nil); err != nil {
		return err
	}
	s.activate()

	cause := s.sequence(s.runCtx)
	_ = s.transition(Draining, cause)
	s.drain()
	return cause
}

// connect opens the Voice-AI and transcription legs concurrently. Only a
// Voice-AI failure is fatal.
func (s *Session) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.OpenTimeout)
	defer cancel()

	s.format = s.tel.Format()

	var (
		voice   VoiceSession
		sink    TranscriptionSink
		sinkErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		v, err := s.cfg.Voice.Open(gctx)
		if err != nil {
			return err
		}
		voice = v
		return nil
	})
	if s.cfg.Transcriber != nil {
		g.Go(func() error {
			sink, sinkErr = s.cfg.Transcriber.Open(gctx, s.format, s.observe)
			return nil
		})
	}
	err := g.Wait()

	s.voice, s.sink = voice, sink
	if err != nil {
		return fmt.Errorf("%w: voice: %v", ErrConnection, err)
	}
	if sinkErr != nil {
		s.sink = nil
		s.logger.Printf("bridge: call %s continuing without transcription: %v", s.callID,
			fmt.Errorf("%w: transcription: %v", ErrConnection, sinkErr))
		s.rec.Warning("transcription_open")
	}
	return nil
}

// activate runs once on entry to Active.
func (s *Session) activate() {
	s.startTranscription()

	if s.cfg.Greeting != "" {
		if err := s.voice.Greet(s.cfg.Greeting); err != nil {
			s.logger.Printf("bridge: call %s greeting failed: %v", s.callID, err)
		}
	}

	s.goSafe("telephony reader", s.readTelephony)
	s.goSafe("voice reader", s.readVoice)
	s.goSafe("telephony writer", s.writeTelephony)
}

func (s *Session) startTranscription() {
	if s.cfg.Starter == nil {
		return
	}
	s.mu.Lock()
	id := s.connectionID
	s.mu.Unlock()
	if id == "" {
		return
	}

	s.startOnce.Do(func() {
		ctx := s.runCtx
		go func() {
			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := s.cfg.Starter.StartTranscription(ctx, id, s.cfg.Locale); err != nil {
				s.logger.Printf("bridge: call %s start transcription failed: %v", s.callID, err)
				return
			}
			s.logger.Printf("bridge: call %s transcription started (%s)", s.callID, s.cfg.Locale)
		}()
	})
}

// goSafe runs fn on a tracked goroutine. A panic ends the session instead of
// the process.
func (s *Session) goSafe(name string, fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				err := fmt.Errorf("bridge: panic in %s for call %s: %v", name, s.callID, r)
				s.logger.Printf("%v", err)
				s.report(err)
				s.runCancel()
			}
		}()
		fn()
	}()
}

func (s *Session) post(in input) bool {
	select {
	case s.in <- in:
		return true
	case <-s.runCtx.Done():
		return false
	}
}

// observe is the transcription sink's observer. Once the sequencer has
// stopped, events are handled on the calling goroutine; the sink flushes its
// last utterance while it is being closed.
func (s *Session) observe(ev media.ControlEvent) {
	if s.runCtx.Err() == nil && s.post(input{kind: transcriptEvent, event: ev}) {
		return
	}
	s.handleTranscript(ev)
}

func (s *Session) readTelephony() {
	for {
		f, err := s.tel.ReadFrame()
		if err != nil {
			s.post(input{kind: telephonyDone, err: err})
			return
		}
		if !s.post(input{kind: callerAudio, frame: f}) {
			return
		}
	}
}

func (s *Session) readVoice() {
	for {
		m, err := s.voice.Receive(s.runCtx)
		if err != nil {
			s.post(input{kind: voiceDone, err: err})
			return
		}
		if !s.post(input{kind: voiceMessage, msg: m}) {
			return
		}
	}
}

// writeTelephony plays queued AI frames in order, skipping interrupted ones.
func (s *Session) writeTelephony() {
	defer close(s.writerDone)

	failed := false
	for qf := range s.out {
		if failed {
			s.rec.FramesDiscarded("write_failed", 1)
			continue
		}

		s.playMu.Lock()
		if qf.gen != s.gen.Load() {
			s.playMu.Unlock()
			s.rec.FramesDiscarded("interrupted", 1)
			continue
		}
		err := s.tel.SendAudio(qf.frame)
		s.playMu.Unlock()

		if err != nil {
			s.logger.Printf("bridge: call %s telephony write failed: %v", s.callID, err)
			failed = true
			continue
		}
		s.played.Add(int64(qf.frame.Duration()))
		s.rec.FrameRelayed("ai")
	}
}

// sequence applies the relay rules until the call ends. A nil result means
// the call ended normally.
func (s *Session) sequence(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.logger.Printf("bridge: call %s torn down", s.callID)
			return nil

		case in := <-s.in:
			switch in.kind {
			case callerAudio:
				s.relayCaller(in.frame)

			case voiceMessage:
				err := s.handleVoice(in.msg)
				if errors.Is(err, errVoiceStopping) {
					s.logger.Printf("bridge: call %s voice session ended by the endpoint", s.callID)
					return nil
				}
				if err != nil {
					return err
				}

			case transcriptEvent:
				s.handleTranscript(in.event)

			case telephonyDone:
				s.logger.Printf("bridge: call %s telephony closed: %v", s.callID, in.err)
				return nil

			case voiceDone:
				return fmt.Errorf("%w: voice: %v", ErrConnection, in.err)
			}
		}
	}
}

// relayCaller forwards caller audio to the Voice-AI leg first, then offers it
// to the transcription leg, which never blocks.
func (s *Session) relayCaller(f media.AudioFrame) {
	if err := s.voice.SendCallerAudio(f); err != nil {
		s.voiceSendErrs++
		if s.voiceSendErrs == 1 {
			s.logger.Printf("bridge: call %s voice send failed: %v", s.callID, err)
		}
	} else {
		s.rec.FrameRelayed("caller")
	}

	if s.sink == nil {
		return
	}
	// The sink only resamples from the format it was opened with.
	if f.Format() != s.format {
		if !s.formatDrift {
			s.formatDrift = true
			s.logger.Printf("bridge: call %s caller audio is %d Hz/%d ch but the legs were opened at %d Hz/%d ch, transcription paused",
				s.callID, f.SampleRate, f.Channels, s.format.SampleRate, s.format.Channels)
			s.rec.Warning("media_format")
		}
		s.rec.FramesDiscarded("format", 1)
		return
	}
	if !s.sink.Push(f) {
		s.rec.FramesDiscarded("transcription", 1)
	}
}

// errVoiceStopping marks a normal end of the Voice-AI session.
var errVoiceStopping = errors.New("bridge: voice session stopping")

// handleVoice returns a non-nil error only when the Voice-AI leg ends.
func (s *Session) handleVoice(m voiceai.Message) error {
	if m.IsAudio() {
		s.enqueue(m.Frame)
		return nil
	}

	ev := m.Event
	switch ev.Kind {
	case media.SessionStarted:
		s.logger.Printf("bridge: call %s voice session ready", s.callID)
	case media.SessionStopping:
		return errVoiceStopping
	case media.VoiceTurnStarted:
		s.turnActive, s.muted, s.turnID = true, false, ev.TurnID
	case media.VoiceTurnEnded:
		s.turnActive, s.muted = false, false
	case media.CallerSpeechStarted:
		s.interrupt("barge_in")
	case media.TransportError:
		return ev.Cause
	default:
		s.logger.Printf("bridge: call %s voice event %v", s.callID, ev)
	}
	return nil
}

func (s *Session) enqueue(f media.AudioFrame) {
	if s.muted {
		s.rec.FramesDiscarded("interrupted", 1)
		return
	}
	select {
	case s.out <- queuedFrame{gen: s.gen.Load(), frame: f}:
		return
	default:
	}

	s.interrupt("overflow")
	if s.muted {
		s.rec.FramesDiscarded("overflow", 1)
		return
	}
	select {
	case s.out <- queuedFrame{gen: s.gen.Load(), frame: f}:
	default:
		s.rec.FramesDiscarded("overflow", 1)
	}
}

// interrupt discards AI audio queued for the caller, flushes what the
// telephony side has buffered and, mid-turn, cancels the response and mutes
// the rest of it.
func (s *Session) interrupt(reason string) {
	s.playMu.Lock()
	s.gen.Add(1)
	discarded := 0
drain:
	for {
		select {
		case <-s.out:
			discarded++
		default:
			break drain
		}
	}
	stopErr := s.tel.StopAudio()
	s.playMu.Unlock()

	if stopErr != nil {
		s.logger.Printf("bridge: call %s stop audio failed: %v", s.callID, stopErr)
	}
	if s.turnActive {
		s.muted = true
		if err := s.voice.Interrupt(); err != nil {
			s.logger.Printf("bridge: call %s cancel response failed: %v", s.callID, err)
		}
	}

	s.rec.Interruption(reason)
	if discarded > 0 {
		s.rec.FramesDiscarded(reason, discarded)
	}
	s.logger.Printf("bridge: call %s interrupted (%s) turn %q, discarded %d queued frame(s)", s.callID, reason, s.turnID, discarded)
}

func (s *Session) handleTranscript(ev media.ControlEvent) {
	switch ev.Kind {
	case media.TranscriptAvailable:
		s.logger.Printf("bridge: call %s caller said: %s", s.callID, ev.Text)
		if s.cfg.OnTranscript != nil {
			s.cfg.OnTranscript(s.callID, ev.Text)
		}
	case media.Warning:
		s.rec.Warning("transcription")
		s.logger.Printf("bridge: call %s transcription %v", s.callID, ev)
	}
}

// drain lets the writer flush AI audio already queued, bounded by the grace
// period.
func (s *Session) drain() {
	s.closeOut()

	timer := time.NewTimer(s.cfg.DrainGrace)
	defer timer.Stop()
	select {
	case <-s.writerDone:
	case <-timer.C:
		s.logger.Printf("bridge: call %s drain grace expired", s.callID)
	}
}

func (s *Session) closeOut() {
	s.outOnce.Do(func() { close(s.out) })
}

// finish releases every connection and moves the session to Closed.
func (s *Session) finish(cause error) {
	s.finishOnce.Do(func() {
		s.runCancel()
		if s.State() == Active {
			_ = s.transition(Draining, cause)
		}
		s.closeOut()

		if s.voice != nil {
			s.closeLeg("voice", s.voice)
		}
		if s.sink != nil {
			s.closeLeg("transcription", s.sink)
		}
		s.closeLeg("telephony", s.tel)
		s.wg.Wait()
		s.drainTranscripts()
		s.reportLegStats()

		if cause != nil {
			s.report(cause)
		}
		_ = s.transition(Closed, cause)
		s.rec.SessionDuration(time.Since(s.created))
		s.release()
	})
}

// drainTranscripts handles transcript events posted after the sequencer
// returned.
func (s *Session) drainTranscripts() {
	for {
		select {
		case in := <-s.in:
			if in.kind == transcriptEvent {
				s.handleTranscript(in.event)
			}
		default:
			return
		}
	}
}

// reportLegStats records what the legs discarded on their own, outside the
// relay's accounting.
func (s *Session) reportLegStats() {
	var malformed, unfed int64
	if d, ok := s.tel.(dropCounter); ok {
		malformed = d.Dropped()
	}
	if malformed > 0 {
		s.rec.FramesDiscarded("telephony_malformed", int(malformed))
	}
	if d, ok := s.sink.(dropCounter); ok {
		unfed = d.Dropped()
	}
	s.logger.Printf("bridge: call %s played %s of AI audio, %d telephony messages dropped, %d frames not transcribed",
		s.callID, time.Duration(s.played.Load()).Round(time.Millisecond), malformed, unfed)
}

func (s *Session) closeLeg(name string, c io.Closer) {
	if err := c.Close(); err != nil {
		s.logger.Printf("bridge: call %s closing %s: %v", s.callID, name, err)
	}
}

func (s *Session) release() {
	s.releaseOnce.Do(func() {
		s.registry.remove(s.callID, s)
		close(s.done)
	})
}

func (s *Session) report(err error) {
	hub := sentry.CurrentHub().Clone()
	hub.ConfigureScope(func(scope *sentry.Scope) {
		scope.SetTag("component", "bridge")
		scope.SetTag("call_id", s.callID)
	})
	hub.CaptureException(err)
}
