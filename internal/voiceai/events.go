package voiceai

import (
	"fmt"

	"github.com/google/uuid"
)

// Realtime API client event types.
const (
	eventSessionUpdate     = "session.update"
	eventInputAudioAppend  = "input_audio_buffer.append"
	eventResponseCreate    = "response.create"
	eventResponseCancel    = "response.cancel"
	eventSessionCreated    = "session.created"
	eventSessionUpdated    = "session.updated"
	eventError             = "error"
	eventSpeechStarted     = "input_audio_buffer.speech_started"
	eventResponseCreated   = "response.created"
	eventResponseDone      = "response.done"
	eventAudioDelta        = "response.audio.delta"
	eventOutputAudioDelta  = "response.output_audio.delta"
	eventAudioTranscript   = "response.audio_transcript.done"
	eventInputTranscript   = "conversation.item.input_audio_transcription.completed"
	defaultInputTranscribe = "whisper-1"
)

type clientEvent struct {
	EventID  string          `json:"event_id"`
	Type     string          `json:"type"`
	Session  *sessionConfig  `json:"session,omitempty"`
	Audio    string          `json:"audio,omitempty"`
	Response *responseConfig `json:"response,omitempty"`
}

type sessionConfig struct {
	Modalities              []string             `json:"modalities"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format"`
	OutputAudioFormat       string               `json:"output_audio_format"`
	InputAudioTranscription *inputTranscription  `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetectionConfig `json:"turn_detection"`
}

type inputTranscription struct {
	Model    string `json:"model"`
	Language string `json:"language,omitempty"`
}

type turnDetectionConfig struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

type responseConfig struct {
	Instructions string `json:"instructions,omitempty"`
}

type serverEvent struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id"`
	ResponseID string `json:"response_id"`
	Delta      string `json:"delta"`
	Transcript string `json:"transcript"`
	Session    *struct {
		ID string `json:"id"`
	} `json:"session"`
	Response *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response"`
	Error *apiError `json:"error"`
}

type apiError struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("voiceai: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("voiceai: %s: %s", e.Type, e.Message)
}

func (e serverEvent) responseID() string {
	if e.Response != nil && e.Response.ID != "" {
		return e.Response.ID
	}
	return e.ResponseID
}

func newEventID() string {
	return "evt_" + uuid.New().String()[:12]
}
