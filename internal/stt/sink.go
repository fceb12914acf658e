package stt

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lukasbauer/callbridge/internal/media"
)

// DefaultQueueSize is the number of caller frames a sink buffers before it
// starts dropping. At 20ms frames this is four seconds of audio.
const DefaultQueueSize = 200

// Observer receives transcript and warning events from a sink. It is called
// from the sink's result goroutine and must not block for long.
type Observer func(media.ControlEvent)

// Sink feeds caller audio to a transcription engine without ever blocking
// the caller. Frames are delivered to the engine in the order they were
// pushed; when the queue is full new frames are dropped.
type Sink struct {
	client    Client
	resampler *media.Resampler
	observer  Observer
	logger    *log.Logger

	queue   chan media.AudioFrame
	dropped atomic.Int64
	broken  atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewSink wraps an open client. Frames pushed in src format are converted to
// dst before being streamed.
func NewSink(client Client, src, dst media.Format, queueSize int, observer Observer, logger *log.Logger) (*Sink, error) {
	rs, err := media.NewResampler(src, dst)
	if err != nil {
		return nil, err
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if observer == nil {
		observer = func(media.ControlEvent) {}
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		client:    client,
		resampler: rs,
		observer:  observer,
		logger:    logger,
		queue:     make(chan media.AudioFrame, queueSize),
		ctx:       ctx,
		cancel:    cancel,
	}

	s.wg.Add(2)
	go s.writeLoop()
	go s.resultLoop()
	return s, nil
}

// Push enqueues a frame for the engine and returns immediately. It reports
// false when the frame was dropped (queue full, sink closed or broken).
func (s *Sink) Push(f media.AudioFrame) bool {
	if s.ctx.Err() != nil || s.broken.Load() {
		return false
	}
	select {
	case s.queue <- f:
		return true
	default:
		s.dropped.Add(1)
		return false
	}
}

// Dropped returns how many frames were discarded because the queue was full.
func (s *Sink) Dropped() int64 {
	return s.dropped.Load()
}

// Close stops delivery and closes the engine connection. Safe to call more
// than once.
func (s *Sink) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.client.Close()
		s.wg.Wait()
	})
	return err
}

func (s *Sink) writeLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case f := <-s.queue:
			out, err := s.resampler.Resample(f)
			if err != nil {
				s.logger.Printf("stt: dropping frame %d: %v", f.Seq, err)
				continue
			}
			if len(out.Payload) == 0 {
				continue
			}
			if err := s.client.StreamAudio(s.ctx, out.Payload); err != nil {
				if s.ctx.Err() != nil {
					return
				}
				// The engine connection is gone; transcription stays off for
				// the rest of the call.
				s.broken.Store(true)
				s.observer(media.NewWarning(fmt.Errorf("stt: stream audio: %w", err)))
				return
			}
		}
	}
}

func (s *Sink) resultLoop() {
	defer s.wg.Done()

	var utterance strings.Builder
	flush := func() {
		if utterance.Len() > 0 {
			s.observer(media.NewTranscript(utterance.String()))
			utterance.Reset()
		}
	}
	add := func(r TranscriptResult) {
		if r.SegmentFinal && r.Text != "" {
			if utterance.Len() > 0 {
				utterance.WriteString(" ")
			}
			utterance.WriteString(strings.TrimSpace(r.Text))
		}
		if r.SpeechFinal || r.UtteranceEnd {
			flush()
		}
	}

	results := s.client.Results()
	errs := s.client.Errors()

	for results != nil || errs != nil {
		select {
		case <-s.ctx.Done():
			// Finalized segments already received still belong to the caller.
		pending:
			for {
				select {
				case r, ok := <-results:
					if !ok {
						break pending
					}
					add(r)
				default:
					break pending
				}
			}
			flush()
			return

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if s.ctx.Err() != nil {
				continue
			}
			s.observer(media.NewWarning(fmt.Errorf("stt: %w", err)))

		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			add(r)
		}
	}
	flush()
}
