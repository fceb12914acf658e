package httpapi

import (
	"context"
	"io"
	"log"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lukasbauer/callbridge/internal/bridge"
	"github.com/lukasbauer/callbridge/internal/callcontrol"
	"github.com/lukasbauer/callbridge/internal/eventlog"
	"github.com/lukasbauer/callbridge/internal/media"
	"github.com/lukasbauer/callbridge/internal/metrics"
	"github.com/lukasbauer/callbridge/internal/voiceai"
)

const testPublicBase = "https://bridge.example.com"

type fakeCallControl struct {
	mu         sync.Mutex
	answerErr  error
	answers    []callcontrol.AnswerRequest
	propsCalls []string
}

func (f *fakeCallControl) AnswerCall(ctx context.Context, req callcontrol.AnswerRequest) (*callcontrol.CallProperties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answerErr != nil {
		return nil, f.answerErr
	}
	f.answers = append(f.answers, req)
	return &callcontrol.CallProperties{CallConnectionID: "conn-1", CallConnectionState: "connecting"}, nil
}

func (f *fakeCallControl) GetCallProperties(ctx context.Context, id string) (*callcontrol.CallProperties, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.propsCalls = append(f.propsCalls, id)
	return &callcontrol.CallProperties{
		CallConnectionID:           id,
		CallConnectionState:        "connected",
		MediaStreamingSubscription: &callcontrol.Subscription{ID: "sub-1", State: "active"},
	}, nil
}

func (f *fakeCallControl) answered() []callcontrol.AnswerRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]callcontrol.AnswerRequest(nil), f.answers...)
}

// fakeVoice is a Voice-AI leg the test drives through msgs.
type fakeVoice struct {
	msgs      chan voiceai.Message
	closed    chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	caller []media.AudioFrame
}

func newFakeVoice() *fakeVoice {
	return &fakeVoice{msgs: make(chan voiceai.Message, 16), closed: make(chan struct{})}
}

func (v *fakeVoice) SendCallerAudio(f media.AudioFrame) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.caller = append(v.caller, f)
	return nil
}

func (v *fakeVoice) Greet(string) error { return nil }
func (v *fakeVoice) Interrupt() error   { return nil }

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
	v.closeOnce.Do(func() { close(v.closed) })
	return nil
}

func (v *fakeVoice) callerFrames() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.caller)
}

type fakeVoiceOpener struct{ voice *fakeVoice }

func (o *fakeVoiceOpener) Open(ctx context.Context) (bridge.VoiceSession, error) {
	return o.voice, nil
}

type testEnv struct {
	router   *Router
	registry *bridge.Registry
	calls    *fakeCallControl
	voice    *fakeVoice
	metrics  *metrics.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := log.New(io.Discard, "", 0)
	voice := newFakeVoice()
	registry := bridge.NewRegistry(bridge.Config{
		Voice:      &fakeVoiceOpener{voice: voice},
		Logger:     logger,
		DrainGrace: 50 * time.Millisecond,
	})
	calls := &fakeCallControl{}
	m := metrics.New()

	r := newRouter(RouterConfig{
		PublicBaseURL:     testPublicBase,
		Locale:            "ja-JP",
		StreamTokenSecret: "test-secret",
		MediaWriteTimeout: time.Second,
	}, logger, calls, registry, eventlog.New(nil, logger), m)

	return &testEnv{router: r, registry: registry, calls: calls, voice: voice, metrics: m}
}

// serve starts the full handler chain and returns its ws:// base URL.
func (e *testEnv) serve(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(withSentryRecovery(e.router.mux))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
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
