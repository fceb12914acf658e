package app

import (
	"context"

	"github.com/lukasbauer/callbridge/internal/bridge"
	"github.com/lukasbauer/callbridge/internal/media"
	"github.com/lukasbauer/callbridge/internal/stt"
	"github.com/lukasbauer/callbridge/internal/voiceai"
)

// voiceOpener dials one realtime session per call.
type voiceOpener struct {
	dialer *voiceai.Dialer
	cfg    voiceai.Config
}

func (o *voiceOpener) Open(ctx context.Context) (bridge.VoiceSession, error) {
	a, err := o.dialer.Open(ctx, o.cfg)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// transcriptionOpener opens one Deepgram sink per call.
type transcriptionOpener struct {
	opener   *stt.Opener
	language string
}

func (o *transcriptionOpener) Open(ctx context.Context, src media.Format, observer func(media.ControlEvent)) (bridge.TranscriptionSink, error) {
	s, err := o.opener.Open(ctx, o.language, src, observer)
	if err != nil {
		return nil, err
	}
	return s, nil
}
