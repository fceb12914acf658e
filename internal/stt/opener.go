package stt

import (
	"context"
	"fmt"
	"log"

	"github.com/lukasbauer/callbridge/internal/media"
)

// Opener opens one Deepgram-backed Sink per call.
type Opener struct {
	Deepgram  DeepgramConfig // APIKey, URL, Model, Endpointing, UtteranceEndMs
	Format    media.Format   // engine input format, see media.TranscriptionFormat
	QueueSize int
	Logger    *log.Logger
}

// Open connects to the engine and returns a running sink. language is a BCP
// 47 hint ("ja-JP"); src is the format frames will be pushed in.
func (o *Opener) Open(ctx context.Context, language string, src media.Format, observer Observer) (*Sink, error) {
	cfg := o.Deepgram
	cfg.Language = language
	cfg.Encoding = "linear16"
	cfg.SampleRate = o.Format.SampleRate
	cfg.Channels = o.Format.Channels
	cfg.Punctuate = true
	if cfg.Model == "" {
		cfg.Model = "nova-3"
	}

	client, err := NewDeepgramClient(ctx, cfg, o.Logger)
	if err != nil {
		return nil, err
	}

	sink, err := NewSink(client, src, o.Format, o.QueueSize, observer, o.Logger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("stt: %w", err)
	}
	return sink, nil
}
