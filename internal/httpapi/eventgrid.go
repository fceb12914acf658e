package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lukasbauer/callbridge/internal/callcontrol"
	"github.com/lukasbauer/callbridge/internal/eventlog"
)

const (
	eventSubscriptionValidation = "Microsoft.EventGrid.SubscriptionValidationEvent"
	eventIncomingCall           = "Microsoft.Communication.IncomingCall"
)

const maxWebhookBody = 1 << 20

// eventGridEvent is one entry of an EventGrid schema delivery.
type eventGridEvent struct {
	ID        string          `json:"id"`
	EventType string          `json:"eventType"`
	Subject   string          `json:"subject"`
	Data      json.RawMessage `json:"data"`
}

type communicationIdentifier struct {
	Kind        string `json:"kind"`
	RawID       string `json:"rawId"`
	PhoneNumber *struct {
		Value string `json:"value"`
	} `json:"phoneNumber,omitempty"`
}

// id returns the E.164 number for phone callers and the raw id otherwise.
func (c communicationIdentifier) id() string {
	if c.Kind == "phoneNumber" && c.PhoneNumber != nil && c.PhoneNumber.Value != "" {
		return c.PhoneNumber.Value
	}
	return c.RawID
}

type incomingCallData struct {
	From                communicationIdentifier `json:"from"`
	To                  communicationIdentifier `json:"to"`
	IncomingCallContext string                  `json:"incomingCallContext"`
	CorrelationID       string                  `json:"correlationId"`
}

func (r *Router) handleIncomingCall(w http.ResponseWriter, req *http.Request) {
	var events []eventGridEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxWebhookBody)).Decode(&events); err != nil {
		http.Error(w, "bad event payload", http.StatusBadRequest)
		return
	}

	for _, ev := range events {
		switch ev.EventType {
		case eventSubscriptionValidation:
			var data struct {
				ValidationCode string `json:"validationCode"`
			}
			if err := json.Unmarshal(ev.Data, &data); err != nil || data.ValidationCode == "" {
				http.Error(w, "bad validation event", http.StatusBadRequest)
				return
			}
			r.logger.Printf("incoming_call: validating event grid subscription")
			writeJSON(w, http.StatusOK, map[string]string{"validationResponse": data.ValidationCode})
			return

		case eventIncomingCall:
			var data incomingCallData
			if err := json.Unmarshal(ev.Data, &data); err != nil || data.IncomingCallContext == "" {
				r.logger.Printf("incoming_call: bad event %s: %v", ev.ID, err)
				continue
			}
			if r.registry.IsDraining() {
				r.logger.Printf("incoming_call: draining, not answering call from %s", data.From.id())
				continue
			}
			if err := r.answer(req.Context(), data); err != nil {
				r.logger.Printf("incoming_call: %v", err)
				captureError(req, err, "incoming_call: answer failed")
				r.metrics.RecordAnswerFailure()
				http.Error(w, "answer failed", http.StatusBadGateway)
				return
			}

		default:
			r.logger.Printf("incoming_call: ignoring event %s", ev.EventType)
		}
	}

	w.WriteHeader(http.StatusOK)
}

// answer accepts the call with bidirectional media streaming to /ws and
// provider transcription to /transcriptionws, both bound to a new call id.
func (r *Router) answer(ctx context.Context, data incomingCallData) error {
	callID := uuid.NewString()
	callerID := data.From.id()

	mediaToken, err := r.tokens.sign(callID, callerID, audienceMedia)
	if err != nil {
		return fmt.Errorf("sign media token: %w", err)
	}
	transcriptionToken, err := r.tokens.sign(callID, callerID, audienceTranscription)
	if err != nil {
		return fmt.Errorf("sign transcription token: %w", err)
	}

	base := strings.TrimSuffix(r.cfg.PublicBaseURL, "/")
	wsBase := wsURLFromPublicBase(base)
	callbackURL := base + "/api/callbacks/" + callID + "?" + url.Values{"callerId": {callerID}}.Encode()
	mediaURL := wsBase + "/ws?" + url.Values{"token": {mediaToken}}.Encode()
	transcriptionURL := wsBase + "/transcriptionws?" + url.Values{"token": {transcriptionToken}}.Encode()

	r.logger.Printf("incoming_call: call %s from %s, callback %s", callID, callerID, callbackURL)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	props, err := r.calls.AnswerCall(ctx, callcontrol.AnswerRequest{
		IncomingCallContext:       data.IncomingCallContext,
		CallbackURL:               callbackURL,
		OperationContext:          "incomingCall",
		CognitiveServicesEndpoint: r.cfg.CognitiveServicesEndpoint,
		MediaStreaming:            callcontrol.NewPCM24kMediaStreaming(mediaURL),
		Transcription: &callcontrol.TranscriptionOptions{
			TransportURL:       transcriptionURL,
			TransportType:      "websocket",
			Locale:             r.cfg.Locale,
			StartTranscription: false,
		},
	})
	if err != nil {
		return fmt.Errorf("call %s: %w", callID, err)
	}

	r.logger.Printf("incoming_call: answered call %s (connection %s)", callID, props.CallConnectionID)
	r.eventLog.LogAsync(callID, eventlog.EventCallAnswered, map[string]any{
		"call_connection_id": props.CallConnectionID,
		"correlation_id":     data.CorrelationID,
	})
	return nil
}
