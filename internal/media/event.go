package media

import "fmt"

// EventKind tags a ControlEvent.
type EventKind int

const (
	SessionStarted EventKind = iota + 1
	SessionStopping
	VoiceTurnStarted
	VoiceTurnEnded
	TranscriptAvailable
	TransportError

	// CallerSpeechStarted signals barge-in: the caller started talking while
	// synthesized speech may still be queued for playback.
	CallerSpeechStarted

	// Warning reports a non-fatal degradation, such as the transcription leg
	// going away.
	Warning
)

func (k EventKind) String() string {
	switch k {
	case SessionStarted:
		return "session_started"
	case SessionStopping:
		return "session_stopping"
	case VoiceTurnStarted:
		return "voice_turn_started"
	case VoiceTurnEnded:
		return "voice_turn_ended"
	case TranscriptAvailable:
		return "transcript_available"
	case TransportError:
		return "transport_error"
	case CallerSpeechStarted:
		return "caller_speech_started"
	case Warning:
		return "warning"
	}
	return fmt.Sprintf("event_kind(%d)", int(k))
}

// ControlEvent flows from the adapters and sinks up to the session sequencer.
type ControlEvent struct {
	Kind EventKind

	// Text is set for TranscriptAvailable.
	Text string

	// Cause is set for TransportError and Warning.
	Cause error

	// TurnID identifies the synthesized-speech segment for VoiceTurnStarted
	// and VoiceTurnEnded when the voice endpoint provides one.
	TurnID string
}

// NewTranscript builds a TranscriptAvailable event.
func NewTranscript(text string) ControlEvent {
	return ControlEvent{Kind: TranscriptAvailable, Text: text}
}

// NewTransportError builds a TransportError event.
func NewTransportError(cause error) ControlEvent {
	return ControlEvent{Kind: TransportError, Cause: cause}
}

// NewWarning builds a Warning event.
func NewWarning(cause error) ControlEvent {
	return ControlEvent{Kind: Warning, Cause: cause}
}

func (e ControlEvent) String() string {
	switch {
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
	case e.Text != "":
		return fmt.Sprintf("%s: %q", e.Kind, e.Text)
	case e.TurnID != "":
		return fmt.Sprintf("%s (%s)", e.Kind, e.TurnID)
	}
	return e.Kind.String()
}
