package media

import "time"

// Format describes 16-bit signed little-endian PCM.
type Format struct {
	SampleRate int // e.g. 24000 for ACS PCM24K_MONO
	Channels   int // 1 for mono
}

// DefaultTelephonyFormat is what ACS negotiates for bidirectional streaming
// when the call is answered with PCM24K_MONO.
var DefaultTelephonyFormat = Format{SampleRate: 24000, Channels: 1}

// TranscriptionFormat is the input format the transcription engine is fed with.
var TranscriptionFormat = Format{SampleRate: 16000, Channels: 1}

const bytesPerSample = 2

// BytesPerFrame returns the size of one sample across all channels.
func (f Format) BytesPerFrame() int {
	return f.Channels * bytesPerSample
}

// Duration returns the playback duration of n bytes of PCM in this format.
func (f Format) Duration(n int) time.Duration {
	if f.SampleRate == 0 || f.Channels == 0 {
		return 0
	}
	samples := n / f.BytesPerFrame()
	return time.Duration(samples) * time.Second / time.Duration(f.SampleRate)
}

// BytesInDuration returns the number of PCM bytes covering d.
func (f Format) BytesInDuration(d time.Duration) int {
	samples := int(time.Duration(f.SampleRate) * d / time.Second)
	return samples * f.BytesPerFrame()
}

// AudioFrame is one chunk of raw PCM flowing in a single direction of a call.
// Frames are values; the payload must not be modified after construction.
type AudioFrame struct {
	Payload    []byte
	SampleRate int
	Channels   int

	// Seq increases monotonically per direction per session. It is used to
	// verify ordering only, never for retransmission.
	Seq uint64

	// Timestamp and Silent are carried through from the telephony envelope
	// when present.
	Timestamp time.Time
	Silent    bool
}

// Format returns the PCM format of the frame.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Duration returns the playback duration of the frame.
func (f AudioFrame) Duration() time.Duration {
	return f.Format().Duration(len(f.Payload))
}
