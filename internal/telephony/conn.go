// Package telephony owns the media WebSocket the telephony provider opens for
// one call.
package telephony

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/lukasbauer/callbridge/internal/media"
)

// ErrClosed is returned by ReadFrame once the socket has been closed by
// either side with a normal close, and by the write methods after Close.
var ErrClosed = errors.New("telephony: connection closed")

const defaultWriteTimeout = 5 * time.Second

// Options tune a Conn. Zero values pick the defaults.
type Options struct {
	Format       media.Format  // format assumed until the provider sends metadata
	WriteTimeout time.Duration // per-message write deadline
	ReadTimeout  time.Duration // idle limit between inbound messages; 0 disables
}

// Conn wraps the provider's media socket. One goroutine may call ReadFrame
// while any number of goroutines write; writes are serialized.
type Conn struct {
	ws     *websocket.Conn
	dec    *media.Decoder
	opts   Options
	logger *log.Logger

	writeMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error

	dropped atomic.Int64
}

// NewConn takes ownership of ws.
func NewConn(ws *websocket.Conn, opts Options, logger *log.Logger) *Conn {
	if opts.Format.SampleRate == 0 {
		opts.Format = media.DefaultTelephonyFormat
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Conn{
		ws:     ws,
		dec:    media.NewDecoder(opts.Format),
		opts:   opts,
		logger: logger,
	}
}

// Format returns the audio format currently negotiated with the provider.
func (c *Conn) Format() media.Format {
	return c.dec.Format()
}

// Dropped returns how many inbound messages were discarded as malformed or
// of a kind the bridge does not handle.
func (c *Conn) Dropped() int64 {
	return c.dropped.Load()
}

// ReadFrame blocks until the next caller audio frame arrives. Metadata,
// DTMF and malformed envelopes are consumed and never returned.
func (c *Conn) ReadFrame() (media.AudioFrame, error) {
	for {
		if c.opts.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.opts.ReadTimeout))
		}
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return media.AudioFrame{}, ErrClosed
			}
			return media.AudioFrame{}, fmt.Errorf("telephony: read: %w", err)
		}

		f, err := c.dec.Decode(msg)
		switch {
		case err == nil:
			return f, nil
		case errors.Is(err, media.ErrNoAudio):
			c.logger.Printf("telephony: stream %s negotiated %d Hz, %d channel(s)",
				c.dec.SubscriptionID(), c.dec.Format().SampleRate, c.dec.Format().Channels)
		case media.IsDropped(err):
			if c.dropped.Add(1) == 1 {
				c.logger.Printf("telephony: dropping inbound message: %v", err)
			}
		default:
			return media.AudioFrame{}, err
		}
	}
}

// SendAudio plays one frame to the caller.
func (c *Conn) SendAudio(f media.AudioFrame) error {
	return c.write(media.EncodeAudio(f))
}

// StopAudio tells the provider to discard audio it has buffered for playback.
func (c *Conn) StopAudio() error {
	return c.write(media.EncodeStopAudio())
}

func (c *Conn) write(msg []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
		return fmt.Errorf("telephony: write: %w", err)
	}
	return nil
}

// Close sends a Normal Closure frame and closes the socket. Only the first
// call has any effect.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Normal Closure"),
			time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
