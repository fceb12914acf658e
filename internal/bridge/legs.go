package bridge

import (
	"context"
	"time"

	"github.com/lukasbauer/callbridge/internal/media"
	"github.com/lukasbauer/callbridge/internal/voiceai"
)

// TelephonyConn is the caller's media socket.
type TelephonyConn interface {
	Format() media.Format
	ReadFrame() (media.AudioFrame, error)
	SendAudio(media.AudioFrame) error
	StopAudio() error
	Close() error
}

// VoiceSession is an open Voice-AI leg.
type VoiceSession interface {
	SendCallerAudio(media.AudioFrame) error
	Greet(instructions string) error
	Interrupt() error
	Receive(ctx context.Context) (voiceai.Message, error)
	Close() error
}

// VoiceOpener opens the Voice-AI leg for a session.
type VoiceOpener interface {
	Open(ctx context.Context) (VoiceSession, error)
}

// TranscriptionSink accepts caller audio without blocking.
type TranscriptionSink interface {
	Push(media.AudioFrame) bool
	Close() error
}

// TranscriptionOpener opens the transcription leg. observer receives
// finalized transcripts and warnings from the engine.
type TranscriptionOpener interface {
	Open(ctx context.Context, src media.Format, observer func(media.ControlEvent)) (TranscriptionSink, error)
}

// TranscriptionStarter asks call control to start provider-side
// transcription for a connected call.
type TranscriptionStarter interface {
	StartTranscription(ctx context.Context, callConnectionID, locale string) error
}

// dropCounter is implemented by legs that discard input they cannot use.
type dropCounter interface {
	Dropped() int64
}

// Recorder receives session metrics. All methods must be cheap and safe for
// concurrent use.
type Recorder interface {
	SessionTransition(from, to string)
	FrameRelayed(direction string)
	FramesDiscarded(reason string, n int)
	Interruption(reason string)
	SessionDuration(d time.Duration)
	Warning(source string)
}

type nopRecorder struct{}

func (nopRecorder) SessionTransition(string, string) {}
func (nopRecorder) FrameRelayed(string)              {}
func (nopRecorder) FramesDiscarded(string, int)      {}
func (nopRecorder) Interruption(string)              {}
func (nopRecorder) SessionDuration(time.Duration)    {}
func (nopRecorder) Warning(string)                   {}
