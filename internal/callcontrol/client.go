// Package callcontrol is a small client for the Azure Communication Services
// Call Automation REST API: answering calls and managing transcription.
package callcontrol

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultAPIVersion = "2024-09-15"

// ErrBadConnectionString is returned by ParseConnectionString.
var ErrBadConnectionString = errors.New("callcontrol: bad connection string")

// APIError is a non-2xx response from the service.
type APIError struct {
	Status  int
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("callcontrol: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("callcontrol: status %d", e.Status)
}

// Client signs requests with the resource access key.
type Client struct {
	endpoint   *url.URL
	key        []byte
	apiVersion string
	httpClient *http.Client
	now        func() time.Time
}

// ParseConnectionString reads "endpoint=https://...;accesskey=..." as shown
// in the Azure portal.
func ParseConnectionString(cs string) (endpoint string, accessKey string, err error) {
	for _, part := range strings.Split(cs, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch strings.ToLower(k) {
		case "endpoint":
			endpoint = v
		case "accesskey":
			accessKey = v
		}
	}
	if endpoint == "" || accessKey == "" {
		return "", "", fmt.Errorf("%w: need endpoint and accesskey", ErrBadConnectionString)
	}
	return endpoint, accessKey, nil
}

// NewClient creates a Client from an ACS connection string.
func NewClient(connectionString string, httpClient *http.Client) (*Client, error) {
	endpoint, accessKey, err := ParseConnectionString(connectionString)
	if err != nil {
		return nil, err
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("%w: endpoint %q", ErrBadConnectionString, endpoint)
	}
	key, err := base64.StdEncoding.DecodeString(accessKey)
	if err != nil {
		return nil, fmt.Errorf("%w: access key is not base64", ErrBadConnectionString)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		endpoint:   u,
		key:        key,
		apiVersion: defaultAPIVersion,
		httpClient: httpClient,
		now:        time.Now,
	}, nil
}

// MediaStreamingOptions configures the bidirectional media socket.
type MediaStreamingOptions struct {
	TransportURL        string `json:"transportUrl"`
	TransportType       string `json:"transportType"`
	ContentType         string `json:"contentType"`
	AudioChannelType    string `json:"audioChannelType"`
	StartMediaStreaming bool   `json:"startMediaStreaming"`
	EnableBidirectional bool   `json:"enableBidirectional"`
	AudioFormat         string `json:"audioFormat,omitempty"`
}

// TranscriptionOptions configures provider-side transcription.
type TranscriptionOptions struct {
	TransportURL       string `json:"transportUrl"`
	TransportType      string `json:"transportType"`
	Locale             string `json:"locale"`
	StartTranscription bool   `json:"startTranscription"`
}

type callIntelligenceOptions struct {
	CognitiveServicesEndpoint string `json:"cognitiveServicesEndpoint,omitempty"`
}

// AnswerRequest answers an incoming call.
type AnswerRequest struct {
	IncomingCallContext       string
	CallbackURL               string
	OperationContext          string
	CognitiveServicesEndpoint string
	MediaStreaming            *MediaStreamingOptions
	Transcription             *TranscriptionOptions
}

type answerBody struct {
	IncomingCallContext     string                   `json:"incomingCallContext"`
	CallbackURI             string                   `json:"callbackUri"`
	OperationContext        string                   `json:"operationContext,omitempty"`
	CallIntelligenceOptions *callIntelligenceOptions `json:"callIntelligenceOptions,omitempty"`
	MediaStreamingOptions   *MediaStreamingOptions   `json:"mediaStreamingOptions,omitempty"`
	TranscriptionOptions    *TranscriptionOptions    `json:"transcriptionOptions,omitempty"`
}

// Subscription describes a media or transcription subscription on a call.
type Subscription struct {
	ID                     string   `json:"id"`
	State                  string   `json:"state"`
	SubscribedContentTypes []string `json:"subscribedContentTypes,omitempty"`
	Locale                 string   `json:"locale,omitempty"`
}

// CallProperties is the state of a call connection.
type CallProperties struct {
	CallConnectionID           string        `json:"callConnectionId"`
	ServerCallID               string        `json:"serverCallId"`
	CallConnectionState        string        `json:"callConnectionState"`
	CorrelationID              string        `json:"correlationId"`
	MediaStreamingSubscription *Subscription `json:"mediaStreamingSubscription,omitempty"`
	TranscriptionSubscription  *Subscription `json:"transcriptionSubscription,omitempty"`
}

// NewPCM24kMediaStreaming returns the media options for an unmixed,
// bidirectional PCM 24 kHz mono stream to transportURL.
func NewPCM24kMediaStreaming(transportURL string) *MediaStreamingOptions {
	return &MediaStreamingOptions{
		TransportURL:        transportURL,
		TransportType:       "websocket",
		ContentType:         "audio",
		AudioChannelType:    "unmixed",
		StartMediaStreaming: true,
		EnableBidirectional: true,
		AudioFormat:         "pcm24KMono",
	}
}

// AnswerCall answers an incoming call and returns the new connection.
func (c *Client) AnswerCall(ctx context.Context, req AnswerRequest) (*CallProperties, error) {
	body := answerBody{
		IncomingCallContext:   req.IncomingCallContext,
		CallbackURI:           req.CallbackURL,
		OperationContext:      req.OperationContext,
		MediaStreamingOptions: req.MediaStreaming,
		TranscriptionOptions:  req.Transcription,
	}
	if req.CognitiveServicesEndpoint != "" {
		body.CallIntelligenceOptions = &callIntelligenceOptions{CognitiveServicesEndpoint: req.CognitiveServicesEndpoint}
	}

	var props CallProperties
	if err := c.do(ctx, http.MethodPost, "/calling:answer", body, &props); err != nil {
		return nil, fmt.Errorf("answer call: %w", err)
	}
	return &props, nil
}

// StartTranscription starts provider-side transcription on a connected call.
func (c *Client) StartTranscription(ctx context.Context, callConnectionID, locale string) error {
	body := struct {
		Locale           string `json:"locale,omitempty"`
		OperationContext string `json:"operationContext,omitempty"`
	}{Locale: locale, OperationContext: "startTranscription"}

	path := "/calling/callConnections/" + callConnectionID + ":startTranscription"
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("start transcription: %w", err)
	}
	return nil
}

// GetCallProperties fetches the current state of a call connection.
func (c *Client) GetCallProperties(ctx context.Context, callConnectionID string) (*CallProperties, error) {
	var props CallProperties
	path := "/calling/callConnections/" + callConnectionID
	if err := c.do(ctx, http.MethodGet, path, nil, &props); err != nil {
		return nil, fmt.Errorf("get call properties: %w", err)
	}
	return &props, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	u := *c.endpoint
	u.Path = strings.TrimSuffix(u.Path, "/") + path
	u.RawQuery = url.Values{"api-version": {c.apiVersion}}.Encode()

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.sign(req, payload)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode}
		var envelope struct {
			Error *APIError `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(raw, &envelope) == nil && envelope.Error != nil {
			apiErr.Code, apiErr.Message = envelope.Error.Code, envelope.Error.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// sign adds the HMAC-SHA256 authorization headers ACS expects.
func (c *Client) sign(req *http.Request, body []byte) {
	sum := sha256.Sum256(body)
	contentHash := base64.StdEncoding.EncodeToString(sum[:])
	date := c.now().UTC().Format(http.TimeFormat)

	stringToSign := req.Method + "\n" + req.URL.RequestURI() + "\n" + date + ";" + req.URL.Host + ";" + contentHash
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(stringToSign))
	signature := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	req.Header.Set("x-ms-date", date)
	req.Header.Set("x-ms-content-sha256", contentHash)
	req.Header.Set("Authorization", "HMAC-SHA256 SignedHeaders=x-ms-date;host;x-ms-content-sha256&Signature="+signature)
}
