package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lukasbauer/callbridge/internal/media"
	"github.com/lukasbauer/callbridge/internal/voiceai"
)

var errPeerClosed = errors.New("peer closed")

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeTelephony stands in for the caller's media socket. Inbound frames are
// fed through in; everything written to the caller is appended to a log of
// "audio:<turn>:<n>" and "stop" entries.
type fakeTelephony struct {
	in        chan media.AudioFrame
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32
	sendDelay time.Duration

	mu     sync.Mutex
	writes []string
	frames []media.AudioFrame

	malformed atomic.Int64
}

func newFakeTelephony() *fakeTelephony {
	return &fakeTelephony{
		in:     make(chan media.AudioFrame, 1024),
		closed: make(chan struct{}),
	}
}

func (t *fakeTelephony) Format() media.Format { return media.DefaultTelephonyFormat }

func (t *fakeTelephony) Dropped() int64 { return t.malformed.Load() }

func (t *fakeTelephony) ReadFrame() (media.AudioFrame, error) {
	select {
	case f := <-t.in:
		return f, nil
	case <-t.closed:
		return media.AudioFrame{}, errPeerClosed
	}
}

func (t *fakeTelephony) SendAudio(f media.AudioFrame) error {
	if t.sendDelay > 0 {
		time.Sleep(t.sendDelay)
	}
	select {
	case <-t.closed:
		return errPeerClosed
	default:
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.frames = append(t.frames, f)
	t.writes = append(t.writes, fmt.Sprintf("audio:%d:%d", f.Payload[0], f.Payload[1]))
	return nil
}

func (t *fakeTelephony) StopAudio() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writes = append(t.writes, "stop")
	return nil
}

func (t *fakeTelephony) Close() error {
	t.closes.Add(1)
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

// hangUp simulates the provider closing the socket.
func (t *fakeTelephony) hangUp() {
	t.closeOnce.Do(func() { close(t.closed) })
}

func (t *fakeTelephony) sent() []media.AudioFrame {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]media.AudioFrame(nil), t.frames...)
}

func (t *fakeTelephony) log() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.writes...)
}

// fakeVoice is a Voice-AI leg driven by the test through msgs.
type fakeVoice struct {
	msgs      chan voiceai.Message
	closed    chan struct{}
	closeOnce sync.Once
	closes    atomic.Int32

	panicOnSend bool

	mu         sync.Mutex
	caller     []media.AudioFrame
	callerAt   []time.Time
	greets     []string
	interrupts int
}

func newFakeVoice() *fakeVoice {
	return &fakeVoice{
		msgs:   make(chan voiceai.Message, 1024),
		closed: make(chan struct{}),
	}
}

func (v *fakeVoice) SendCallerAudio(f media.AudioFrame) error {
	if v.panicOnSend {
		panic("voice leg exploded")
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.caller = append(v.caller, f)
	v.callerAt = append(v.callerAt, time.Now())
	return nil
}

func (v *fakeVoice) Greet(instructions string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.greets = append(v.greets, instructions)
	return nil
}

func (v *fakeVoice) Interrupt() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.interrupts++
	return nil
}

func (v *fakeVoice) Receive(ctx context.Context) (voiceai.Message, error) {
	select {
	case m := <-v.msgs:
		return m, nil
	case <-v.closed:
		return voiceai.Message{}, voiceai.ErrClosed
	case <-ctx.Done():
		return voiceai.Message{}, ctx.Err()
	}
}

func (v *fakeVoice) Close() error {
	v.closes.Add(1)
	v.closeOnce.Do(func() { close(v.closed) })
	return nil
}

func (v *fakeVoice) callerFrames() []media.AudioFrame {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]media.AudioFrame(nil), v.caller...)
}

func (v *fakeVoice) counts() (greets, interrupts int) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.greets), v.interrupts
}

func (v *fakeVoice) event(kind media.EventKind) {
	v.msgs <- voiceai.Message{Event: media.ControlEvent{Kind: kind}}
}

func (v *fakeVoice) audio(turn, n int) {
	v.msgs <- voiceai.Message{Frame: media.AudioFrame{
		Payload:    []byte{byte(turn), byte(n)},
		SampleRate: 24000,
		Channels:   1,
		Seq:        uint64(n),
	}}
}

type fakeVoiceOpener struct {
	voice *fakeVoice
	err   error
	hang  bool // block until ctx is done, like an endpoint that never answers
}

func (o *fakeVoiceOpener) Open(ctx context.Context) (VoiceSession, error) {
	if o.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if o.err != nil {
		return nil, o.err
	}
	return o.voice, nil
}

type fakeSink struct {
	mu      sync.Mutex
	pushed  []media.AudioFrame
	closes  atomic.Int32
	onClose func() // runs inside Close, before it returns
}

func (s *fakeSink) Push(f media.AudioFrame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pushed = append(s.pushed, f)
	return true
}

func (s *fakeSink) Close() error {
	if s.closes.Add(1) == 1 && s.onClose != nil {
		s.onClose()
	}
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pushed)
}

type fakeSinkOpener struct {
	sink     TranscriptionSink
	err      error
	observer func(media.ControlEvent)
}

func (o *fakeSinkOpener) Open(ctx context.Context, src media.Format, observer func(media.ControlEvent)) (TranscriptionSink, error) {
	if o.err != nil {
		return nil, o.err
	}
	o.observer = observer
	return o.sink, nil
}

type fakeStarter struct {
	mu    sync.Mutex
	calls []string
}

func (s *fakeStarter) StartTranscription(ctx context.Context, callConnectionID, locale string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, callConnectionID+"/"+locale)
	return nil
}

func (s *fakeStarter) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// transitionLog records every state change a registry reports.
type transitionLog struct {
	mu      sync.Mutex
	entries []string
}

func (l *transitionLog) record(callID string, from, to State, cause error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, fmt.Sprintf("%s:%s->%s", callID, from, to))
}

func (l *transitionLog) list() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.entries...)
}

// fakeRecorder keeps discard counts and warnings by label.
type fakeRecorder struct {
	nopRecorder

	mu        sync.Mutex
	discarded map[string]int
	warnings  []string
}

func newFakeRecorder() *fakeRecorder {
	return &fakeRecorder{discarded: make(map[string]int)}
}

func (r *fakeRecorder) FramesDiscarded(reason string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.discarded[reason] += n
}

func (r *fakeRecorder) Warning(source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.warnings = append(r.warnings, source)
}

func (r *fakeRecorder) discards(reason string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.discarded[reason]
}

func (r *fakeRecorder) warned() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.warnings...)
}

func callerFrame(n int) media.AudioFrame {
	return media.AudioFrame{
		Payload:    []byte{0, byte(n)},
		SampleRate: 24000,
		Channels:   1,
		Seq:        uint64(n),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// runAsync starts s.Run and returns a channel carrying its result.
func runAsync(s *Session, tel TelephonyConn) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background(), tel) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return")
		return nil
	}
}

func voiceMessageError(cause error) voiceai.Message {
	return voiceai.Message{Event: media.NewTransportError(cause)}
}
