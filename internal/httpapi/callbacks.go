package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/lukasbauer/callbridge/internal/bridge"
	"github.com/lukasbauer/callbridge/internal/eventlog"
)

const (
	eventCallConnected         = "Microsoft.Communication.CallConnected"
	eventCallDisconnected      = "Microsoft.Communication.CallDisconnected"
	eventMediaStreamingStarted = "Microsoft.Communication.MediaStreamingStarted"
	eventMediaStreamingStopped = "Microsoft.Communication.MediaStreamingStopped"
	eventMediaStreamingFailed  = "Microsoft.Communication.MediaStreamingFailed"
)

// callbackEvent is one CloudEvents entry posted to the per-call callback URL.
type callbackEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type resultInformation struct {
	Code    int    `json:"code"`
	SubCode int    `json:"subCode"`
	Message string `json:"message"`
}

type mediaStreamingUpdate struct {
	ContentType                 string `json:"contentType"`
	MediaStreamingStatus        string `json:"mediaStreamingStatus"`
	MediaStreamingStatusDetails string `json:"mediaStreamingStatusDetails"`
}

type callbackData struct {
	CallConnectionID     string                `json:"callConnectionId"`
	ServerCallID         string                `json:"serverCallId"`
	CorrelationID        string                `json:"correlationId"`
	OperationContext     string                `json:"operationContext"`
	ResultInformation    *resultInformation    `json:"resultInformation,omitempty"`
	MediaStreamingUpdate *mediaStreamingUpdate `json:"mediaStreamingUpdate,omitempty"`
}

func (r *Router) handleCallback(w http.ResponseWriter, req *http.Request) {
	callID := req.PathValue("callId")

	var events []callbackEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxWebhookBody)).Decode(&events); err != nil {
		http.Error(w, "bad event payload", http.StatusBadRequest)
		return
	}

	for _, ev := range events {
		var data callbackData
		if err := json.Unmarshal(ev.Data, &data); err != nil {
			r.logger.Printf("callback: call %s: bad %s event: %v", callID, ev.Type, err)
			continue
		}
		r.metrics.RecordCallbackEvent(strings.TrimPrefix(ev.Type, "Microsoft.Communication."))
		r.logger.Printf("callback: call %s %s (connection %s, correlation %s)",
			callID, ev.Type, data.CallConnectionID, data.CorrelationID)

		switch ev.Type {
		case eventCallConnected:
			r.onCallConnected(req.Context(), callID, data)

		case eventMediaStreamingStarted, eventMediaStreamingStopped:
			if u := data.MediaStreamingUpdate; u != nil {
				r.logger.Printf("callback: call %s media streaming %s (%s, %s)",
					callID, u.MediaStreamingStatus, u.ContentType, u.MediaStreamingStatusDetails)
				r.eventLog.LogAsync(callID, eventlog.EventMediaStreaming, map[string]any{
					"status":  u.MediaStreamingStatus,
					"details": u.MediaStreamingStatusDetails,
				})
			}

		case eventMediaStreamingFailed:
			if ri := data.ResultInformation; ri != nil {
				r.logger.Printf("callback: call %s media streaming failed: code %d/%d: %s",
					callID, ri.Code, ri.SubCode, ri.Message)
				r.eventLog.LogAsync(callID, eventlog.EventMediaStreaming, map[string]any{
					"status":   "mediaStreamingFailed",
					"code":     ri.Code,
					"sub_code": ri.SubCode,
				})
			}

		case eventCallDisconnected:
			r.onCallDisconnected(callID)
		}
	}

	w.WriteHeader(http.StatusOK)
}

func (r *Router) onCallConnected(ctx context.Context, callID string, data callbackData) {
	if data.CallConnectionID == "" {
		return
	}
	r.connections.set(callID, data.CallConnectionID)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	props, err := r.calls.GetCallProperties(ctx, data.CallConnectionID)
	if err != nil {
		r.logger.Printf("callback: call %s get call properties: %v", callID, err)
	} else if sub := props.MediaStreamingSubscription; sub != nil {
		r.logger.Printf("callback: call %s media streaming subscription %s is %s", callID, sub.ID, sub.State)
	}

	if sess, err := r.registry.Get(callID); err == nil {
		sess.CallConnected(data.CallConnectionID)
	}

	r.eventLog.LogAsync(callID, eventlog.EventCallConnected, map[string]any{
		"call_connection_id": data.CallConnectionID,
		"correlation_id":     data.CorrelationID,
	})
}

func (r *Router) onCallDisconnected(callID string) {
	r.connections.forget(callID)

	if err := r.registry.Teardown(callID); err != nil && !errors.Is(err, bridge.ErrNotFound) {
		r.logger.Printf("callback: call %s teardown: %v", callID, err)
	}
	r.eventLog.LogAsync(callID, eventlog.EventCallDisconnected, nil)
}
