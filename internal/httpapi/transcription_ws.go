package httpapi

import (
	"encoding/json"
	"net/http"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/lukasbauer/callbridge/internal/eventlog"
)

const transcriptionReadLimit = 64 << 10

type transcriptionMetadata struct {
	SubscriptionID   string `json:"subscriptionId"`
	Locale           string `json:"locale"`
	CallConnectionID string `json:"callConnectionId"`
	CorrelationID    string `json:"correlationId"`
}

type transcriptionData struct {
	Text             string  `json:"text"`
	Format           string  `json:"format"`
	Confidence       float64 `json:"confidence"`
	ParticipantRawID string  `json:"participantRawID"`
	ResultStatus     string  `json:"resultStatus"` // "Intermediate" or "Final"
}

// transcriptionMessage is one frame on the provider transcription socket.
type transcriptionMessage struct {
	Kind     string                 `json:"kind"`
	Metadata *transcriptionMetadata `json:"transcriptionMetadata,omitempty"`
	Data     *transcriptionData     `json:"transcriptionData,omitempty"`
}

// handleTranscriptionWS receives provider-side transcription results for a
// call. Results are logged and counted; nothing is sent back.
func (r *Router) handleTranscriptionWS(w http.ResponseWriter, req *http.Request) {
	claims, err := r.tokens.verify(req.URL.Query().Get("token"), audienceTranscription)
	if err != nil {
		r.logger.Printf("transcription_ws: rejected connection: %v", err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	callID := claims.Subject

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Printf("transcription_ws: call %s upgrade failed: %v", callID, err)
		return
	}
	defer func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Normal Closure")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
	}()
	conn.SetReadLimit(transcriptionReadLimit)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				r.logger.Printf("transcription_ws: call %s read: %v", callID, err)
			}
			return
		}

		var msg transcriptionMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			r.logger.Printf("transcription_ws: call %s bad message: %v", callID, err)
			continue
		}
		r.handleTranscriptionMessage(callID, msg)
	}
}

func (r *Router) handleTranscriptionMessage(callID string, msg transcriptionMessage) {
	switch msg.Kind {
	case "TranscriptionMetadata":
		if md := msg.Metadata; md != nil {
			r.logger.Printf("transcription_ws: call %s subscription %s (%s, connection %s)",
				callID, md.SubscriptionID, md.Locale, md.CallConnectionID)
		}

	case "TranscriptionData":
		d := msg.Data
		if d == nil || d.ResultStatus != "Final" || d.Text == "" {
			return
		}
		r.logger.Printf("transcription_ws: call %s caller said: %s", callID, d.Text)
		r.metrics.RecordProviderTranscript()
		r.eventLog.LogAsync(callID, eventlog.EventProviderTranscript, map[string]any{
			"chars":      utf8.RuneCountInString(d.Text),
			"confidence": d.Confidence,
		})
	}
}
