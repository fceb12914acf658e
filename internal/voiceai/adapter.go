package voiceai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lukasbauer/callbridge/internal/media"
)

const defaultRealtimeURL = "wss://api.openai.com/v1/realtime"

var (
	// ErrClosed is returned by Receive and the send methods once the adapter
	// has been closed locally or its read loop has ended.
	ErrClosed = errors.New("voiceai: adapter closed")

	// ErrNotReady is returned by Open when the endpoint never confirmed the
	// session configuration.
	ErrNotReady = errors.New("voiceai: session not ready")
)

// Config describes one realtime voice session.
type Config struct {
	URL    string // realtime endpoint; OpenAI public endpoint when empty
	APIKey string
	Azure  bool   // Azure OpenAI: api-key header, deployment carried in URL
	Model  string // OpenAI only, appended as ?model=

	Instructions string
	Voice        string
	Language     string // input transcription hint, e.g. "ja"

	// Server-side turn detection (sensitivity of barge-in detection).
	VADThreshold      float64
	PrefixPaddingMs   int
	SilenceDurationMs int

	Format       media.Format // PCM16 rate the endpoint speaks, 24 kHz
	OpenTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = defaultRealtimeURL
	}
	if c.Model == "" && !c.Azure {
		c.Model = "gpt-4o-realtime-preview"
	}
	if c.Voice == "" {
		c.Voice = "alloy"
	}
	if c.VADThreshold == 0 {
		c.VADThreshold = 0.5
	}
	if c.Format.SampleRate == 0 {
		c.Format = media.DefaultTelephonyFormat
	}
	if c.OpenTimeout == 0 {
		c.OpenTimeout = 10 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 5 * time.Second
	}
	return c
}

func (c Config) endpoint() (string, error) {
	u, err := url.Parse(c.URL)
	if err != nil {
		return "", fmt.Errorf("voiceai: bad endpoint: %w", err)
	}
	if !c.Azure && c.Model != "" {
		q := u.Query()
		q.Set("model", c.Model)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func (c Config) headers() http.Header {
	h := http.Header{}
	if c.Azure {
		h.Set("api-key", c.APIKey)
	} else {
		h.Set("Authorization", "Bearer "+c.APIKey)
	}
	h.Set("OpenAI-Beta", "realtime=v1")
	return h
}

func (c Config) session() *sessionConfig {
	s := &sessionConfig{
		Modalities:        []string{"audio", "text"},
		Instructions:      c.Instructions,
		Voice:             c.Voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection: &turnDetectionConfig{
			Type:              "server_vad",
			Threshold:         c.VADThreshold,
			PrefixPaddingMs:   c.PrefixPaddingMs,
			SilenceDurationMs: c.SilenceDurationMs,
		},
	}
	if c.Language != "" {
		s.InputAudioTranscription = &inputTranscription{Model: defaultInputTranscribe, Language: c.Language}
	}
	return s
}

// Message is one item received from the voice endpoint: either a frame of
// synthesized speech or a control event.
type Message struct {
	Frame media.AudioFrame
	Event media.ControlEvent
}

// IsAudio reports whether the message carries a frame.
func (m Message) IsAudio() bool {
	return m.Event.Kind == 0
}

// Dialer opens realtime sessions.
type Dialer struct {
	Logger *log.Logger
}

// Adapter is an open realtime session. Sending and receiving are
// independent: a write in progress never holds up the read loop, and Receive
// never waits on a write.
type Adapter struct {
	conn   *websocket.Conn
	cfg    Config
	logger *log.Logger

	writeMu sync.Mutex

	msgs      chan Message
	closeCh   chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	sessionID string
	seq       uint64 // owned by readLoop
}

// Open dials the endpoint, waits for the session to be created, sends the
// session configuration exactly once and waits for it to be acknowledged.
func (d *Dialer) Open(ctx context.Context, cfg Config) (*Adapter, error) {
	cfg = cfg.withDefaults()

	endpoint, err := cfg.endpoint()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, cfg.OpenTimeout)
	defer cancel()

	dialer := websocket.Dialer{HandshakeTimeout: cfg.OpenTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, cfg.headers())
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("voiceai: connect: %w (status %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("voiceai: connect: %w", err)
	}

	a := &Adapter{
		conn:    conn,
		cfg:     cfg,
		logger:  d.Logger,
		msgs:    make(chan Message, 256),
		closeCh: make(chan struct{}),
	}

	// Unblock the handshake reads if the caller gives up early.
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	err = a.handshake(ctx)
	stop()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	_ = conn.SetReadDeadline(time.Time{})

	a.msgs <- Message{Event: media.ControlEvent{Kind: media.SessionStarted}}
	a.wg.Add(1)
	go a.readLoop()
	return a, nil
}

func (a *Adapter) handshake(ctx context.Context) error {
	deadline, _ := ctx.Deadline()
	_ = a.conn.SetReadDeadline(deadline)

	if err := a.awaitEvent(eventSessionCreated); err != nil {
		return err
	}
	if err := a.send(clientEvent{Type: eventSessionUpdate, Session: a.cfg.session()}); err != nil {
		return fmt.Errorf("voiceai: configure session: %w", err)
	}
	return a.awaitEvent(eventSessionUpdated)
}

func (a *Adapter) awaitEvent(want string) error {
	for {
		_, raw, err := a.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("%w: waiting for %s: %v", ErrNotReady, want, err)
		}
		var ev serverEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			continue
		}
		switch ev.Type {
		case eventError:
			if ev.Error != nil {
				return fmt.Errorf("%w: %v", ErrNotReady, ev.Error)
			}
			return ErrNotReady
		case want:
			if ev.Session != nil && ev.Session.ID != "" {
				a.sessionID = ev.Session.ID
			}
			return nil
		}
	}
}

// SessionID returns the id the endpoint assigned to this session.
func (a *Adapter) SessionID() string {
	return a.sessionID
}

// SendCallerAudio appends caller PCM to the endpoint's input buffer.
func (a *Adapter) SendCallerAudio(f media.AudioFrame) error {
	return a.send(clientEvent{
		Type:  eventInputAudioAppend,
		Audio: base64.StdEncoding.EncodeToString(f.Payload),
	})
}

// Greet asks the endpoint to speak first, e.g. a welcome line.
func (a *Adapter) Greet(instructions string) error {
	return a.send(clientEvent{
		Type:     eventResponseCreate,
		Response: &responseConfig{Instructions: instructions},
	})
}

// Interrupt cancels the response currently being generated.
func (a *Adapter) Interrupt() error {
	return a.send(clientEvent{Type: eventResponseCancel})
}

// Receive blocks until the next message is available. The first message is
// SessionStarted. After the read loop has reported SessionStopping or a
// TransportError (or the adapter was closed) it returns ErrClosed.
func (a *Adapter) Receive(ctx context.Context) (Message, error) {
	select {
	case <-a.closeCh:
		return Message{}, ErrClosed
	default:
	}
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case m, ok := <-a.msgs:
		if !ok {
			return Message{}, ErrClosed
		}
		return m, nil
	}
}

// Close closes the session. Safe to call more than once.
func (a *Adapter) Close() error {
	var err error
	a.closeOnce.Do(func() {
		close(a.closeCh)

		_ = a.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))

		err = a.conn.Close()
		a.wg.Wait()
	})
	return err
}

func (a *Adapter) send(ev clientEvent) error {
	select {
	case <-a.closeCh:
		return ErrClosed
	default:
	}

	ev.EventID = newEventID()
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("voiceai: encode %s: %w", ev.Type, err)
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	_ = a.conn.SetWriteDeadline(time.Now().Add(a.cfg.WriteTimeout))
	if err := a.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("voiceai: send %s: %w", ev.Type, err)
	}
	return nil
}

// readLoop reads server events and converts them into Messages in the order
// the endpoint produced them.
func (a *Adapter) readLoop() {
	defer a.wg.Done()
	defer close(a.msgs)

	for {
		_, raw, err := a.conn.ReadMessage()
		if err != nil {
			select {
			case <-a.closeCh:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				a.deliver(Message{Event: media.ControlEvent{Kind: media.SessionStopping}})
				return
			}
			a.deliver(Message{Event: media.NewTransportError(fmt.Errorf("voiceai: read: %w", err))})
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			a.logger.Printf("voiceai: failed to parse event: %v", err)
			continue
		}

		m, ok := a.translate(ev)
		if !ok {
			continue
		}
		if !a.deliver(m) {
			return
		}
	}
}

func (a *Adapter) translate(ev serverEvent) (Message, bool) {
	switch ev.Type {
	case eventResponseCreated:
		return Message{Event: media.ControlEvent{Kind: media.VoiceTurnStarted, TurnID: ev.responseID()}}, true

	case eventResponseDone:
		return Message{Event: media.ControlEvent{Kind: media.VoiceTurnEnded, TurnID: ev.responseID()}}, true

	case eventAudioDelta, eventOutputAudioDelta:
		payload, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			a.logger.Printf("voiceai: dropping undecodable audio delta: %v", err)
			return Message{}, false
		}
		a.seq++
		return Message{Frame: media.AudioFrame{
			Payload:    payload,
			SampleRate: a.cfg.Format.SampleRate,
			Channels:   a.cfg.Format.Channels,
			Seq:        a.seq,
		}}, true

	case eventSpeechStarted:
		return Message{Event: media.ControlEvent{Kind: media.CallerSpeechStarted}}, true

	case eventError:
		if ev.Error != nil {
			a.logger.Printf("voiceai: endpoint error: %v", ev.Error)
		}

	case eventAudioTranscript:
		a.logger.Printf("voiceai: agent said: %s", ev.Transcript)

	case eventInputTranscript:
		a.logger.Printf("voiceai: caller said: %s", ev.Transcript)
	}
	return Message{}, false
}

func (a *Adapter) deliver(m Message) bool {
	select {
	case <-a.closeCh:
		return false
	case a.msgs <- m:
		return true
	}
}
