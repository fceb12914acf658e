package media

import (
	"fmt"

	resampling "github.com/tphakala/go-audio-resampling"
)

// Resampler converts a stream of 16-bit PCM frames from one sample rate to
// another. It keeps filter state between calls, so one Resampler must serve
// exactly one ordered stream. Not safe for concurrent use.
type Resampler struct {
	src, dst  Format
	resampler resampling.Resampler
}

// NewResampler creates a Resampler from src to dst. Channel counts must
// match; when the rates are equal frames pass through untouched.
func NewResampler(src, dst Format) (*Resampler, error) {
	if src.Channels != dst.Channels {
		return nil, fmt.Errorf("media: channel conversion %d->%d not supported", src.Channels, dst.Channels)
	}
	r := &Resampler{src: src, dst: dst}
	if src.SampleRate == dst.SampleRate {
		return r, nil
	}
	rs, err := resampling.New(&resampling.Config{
		InputRate:  float64(src.SampleRate),
		OutputRate: float64(dst.SampleRate),
		Channels:   dst.Channels,
		Quality:    resampling.QualitySpec{Preset: resampling.QualityHigh},
	})
	if err != nil {
		return nil, fmt.Errorf("media: create resampler: %w", err)
	}
	r.resampler = rs
	return r, nil
}

// Resample returns f converted to the destination format. The output may be
// shorter or longer than the exact rate ratio while the filter fills up.
func (r *Resampler) Resample(f AudioFrame) (AudioFrame, error) {
	if r.resampler == nil {
		return f, nil
	}

	n := len(f.Payload) / bytesPerSample
	input := make([]float64, n)
	for i := 0; i < n; i++ {
		sample := int16(f.Payload[i*2]) | int16(f.Payload[i*2+1])<<8
		input[i] = float64(sample) / 32768.0
	}

	output, err := r.resampler.Process(input)
	if err != nil {
		return AudioFrame{}, fmt.Errorf("media: resample: %w", err)
	}

	out := make([]byte, len(output)*bytesPerSample)
	for i, s := range output {
		sample := int16(s * 32767.0)
		if s > 1.0 {
			sample = 32767
		} else if s < -1.0 {
			sample = -32768
		}
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}

	f.Payload = out
	f.SampleRate = r.dst.SampleRate
	f.Channels = r.dst.Channels
	return f, nil
}
