package stt

import "context"

// TranscriptResult represents a speech-to-text transcription result.
type TranscriptResult struct {
	Text         string  // The transcribed text
	Confidence   float64 // Confidence score (0-1)
	SegmentFinal bool    // The text of this segment will not change anymore
	SpeechFinal  bool    // The engine detected the end of the utterance
	UtteranceEnd bool    // Silence timeout closed the utterance; carries no text
}

// Client defines the interface for streaming speech-to-text providers.
type Client interface {
	// StreamAudio sends audio data to the STT service.
	// Audio should be in the format the client was opened with.
	StreamAudio(ctx context.Context, audio []byte) error

	// Results returns a channel that receives transcription results.
	Results() <-chan TranscriptResult

	// Errors returns a channel that receives errors.
	Errors() <-chan error

	// Close closes the connection to the STT service.
	Close() error
}
