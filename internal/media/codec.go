package media

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrMalformedEnvelope is returned for messages that are not a JSON
	// envelope with a kind discriminant, or whose payload cannot be decoded.
	ErrMalformedEnvelope = errors.New("media: malformed envelope")

	// ErrUnknownKind is returned for envelopes of a kind the bridge does not
	// relay. These are dropped, never fatal: the telephony vendor adds event
	// kinds over time.
	ErrUnknownKind = errors.New("media: unknown envelope kind")

	// ErrNoAudio is returned when a recognized envelope was consumed but
	// carries no audio (e.g. AudioMetadata).
	ErrNoAudio = errors.New("media: envelope carries no audio")
)

// ACS media streaming envelope kinds.
const (
	KindAudioData     = "AudioData"
	KindAudioMetadata = "AudioMetadata"
	KindStopAudio     = "StopAudio"
	KindDtmfData      = "DtmfData"
)

// envelope is the ACS media streaming message. encoding/json matches keys
// case-insensitively, so both "kind" and "Kind" are accepted.
type envelope struct {
	Kind          string         `json:"kind"`
	AudioData     *audioData     `json:"audioData,omitempty"`
	AudioMetadata *audioMetadata `json:"audioMetadata,omitempty"`
}

type audioData struct {
	Timestamp        string `json:"timestamp,omitempty"`
	ParticipantRawID string `json:"participantRawID,omitempty"`
	Data             string `json:"data"` // Base64 PCM
	Silent           bool   `json:"silent,omitempty"`
}

type audioMetadata struct {
	SubscriptionID string `json:"subscriptionId"`
	Encoding       string `json:"encoding"`
	SampleRate     int    `json:"sampleRate"`
	Channels       int    `json:"channels"`
	Length         int    `json:"length"`
}

// outboundAudio is the format for sending audio back to ACS.
type outboundAudio struct {
	Kind      string `json:"kind"`
	AudioData struct {
		Data string `json:"data"`
	} `json:"audioData"`
}

// outboundStop tells ACS to stop playing any audio it has buffered (barge-in).
type outboundStop struct {
	Kind      string    `json:"kind"`
	AudioData *struct{} `json:"audioData"`
	StopAudio struct{}  `json:"stopAudio"`
}

// Decoder turns inbound telephony messages into AudioFrames. It tracks the
// negotiated format announced by AudioMetadata and numbers frames in
// arrival order. A Decoder belongs to one session and is not safe for
// concurrent use.
type Decoder struct {
	format         Format
	seq            uint64
	subscriptionID string
}

// NewDecoder creates a Decoder assuming format until the transport
// announces otherwise.
func NewDecoder(format Format) *Decoder {
	return &Decoder{format: format}
}

// Format returns the currently negotiated format.
func (d *Decoder) Format() Format {
	return d.format
}

// SubscriptionID returns the media subscription announced by the transport.
func (d *Decoder) SubscriptionID() string {
	return d.subscriptionID
}

// Decode parses one wire message.
func (d *Decoder) Decode(msg []byte) (AudioFrame, error) {
	var env envelope
	if err := json.Unmarshal(msg, &env); err != nil {
		return AudioFrame{}, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if env.Kind == "" {
		return AudioFrame{}, fmt.Errorf("%w: missing kind", ErrMalformedEnvelope)
	}

	switch {
	case strings.EqualFold(env.Kind, KindAudioData):
		if env.AudioData == nil {
			return AudioFrame{}, fmt.Errorf("%w: AudioData without audioData", ErrMalformedEnvelope)
		}
		payload, err := base64.StdEncoding.DecodeString(env.AudioData.Data)
		if err != nil {
			return AudioFrame{}, fmt.Errorf("%w: bad audio payload: %v", ErrMalformedEnvelope, err)
		}
		d.seq++
		frame := AudioFrame{
			Payload:    payload,
			SampleRate: d.format.SampleRate,
			Channels:   d.format.Channels,
			Seq:        d.seq,
			Silent:     env.AudioData.Silent,
		}
		if env.AudioData.Timestamp != "" {
			if ts, err := time.Parse(time.RFC3339Nano, env.AudioData.Timestamp); err == nil {
				frame.Timestamp = ts
			}
		}
		return frame, nil

	case strings.EqualFold(env.Kind, KindAudioMetadata):
		if md := env.AudioMetadata; md != nil {
			d.subscriptionID = md.SubscriptionID
			if md.SampleRate > 0 {
				d.format.SampleRate = md.SampleRate
			}
			if md.Channels > 0 {
				d.format.Channels = md.Channels
			}
		}
		return AudioFrame{}, ErrNoAudio
	}

	return AudioFrame{}, fmt.Errorf("%w: %q", ErrUnknownKind, env.Kind)
}

// EncodeAudio builds the outbound wire message for a frame. It never fails.
func EncodeAudio(f AudioFrame) []byte {
	msg := outboundAudio{Kind: KindAudioData}
	msg.AudioData.Data = base64.StdEncoding.EncodeToString(f.Payload)
	out, _ := json.Marshal(msg)
	return out
}

// EncodeStopAudio builds the message that flushes audio buffered on the
// telephony side.
func EncodeStopAudio() []byte {
	out, _ := json.Marshal(outboundStop{Kind: KindStopAudio})
	return out
}

// IsDropped reports whether err is a per-message decode failure that should
// be logged and skipped rather than ending the session.
func IsDropped(err error) bool {
	return errors.Is(err, ErrMalformedEnvelope) || errors.Is(err, ErrUnknownKind) || errors.Is(err, ErrNoAudio)
}
