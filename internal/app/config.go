package app

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr      string
	PublicBaseURL string
	DatabaseURL   string // optional, enables the call event log
	SentryDSN     string

	// Azure Communication Services
	ACSConnectionString       string
	CognitiveServicesEndpoint string
	Locale                    string // provider transcription locale

	// Realtime voice AI (OpenAI or Azure OpenAI)
	RealtimeURL          string
	RealtimeAPIKey       string
	RealtimeAzure        bool
	RealtimeModel        string
	RealtimeVoice        string
	RealtimeLanguage     string
	SystemInstructions   string
	GreetingInstructions string

	// Server VAD (barge-in sensitivity)
	VADThreshold       float64
	VADPrefixPaddingMs int
	VADSilenceMs       int

	// Deepgram transcription leg (disabled without an API key)
	DeepgramAPIKey    string
	DeepgramModel     string
	DeepgramLanguage  string
	STTEndpointingMs  int
	STTUtteranceEndMs int
	STTQueueSize      int

	// Bridge
	OpenTimeout       time.Duration
	DrainGrace        time.Duration
	InboundQueue      int
	OutboundQueue     int
	MediaReadTimeout  time.Duration
	MediaWriteTimeout time.Duration
	ShutdownTimeout   time.Duration

	// Stream tokens for the websocket URLs handed to call automation
	JWTSecret      string
	StreamTokenTTL time.Duration
}

func LoadConfigFromEnv() Config {
	return Config{
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", "http://localhost:8080"),
		DatabaseURL:   getenv("DATABASE_URL", ""),
		SentryDSN:     getenv("SENTRY_DSN", ""),

		// Azure Communication Services
		ACSConnectionString:       os.Getenv("ACS_CONNECTION_STRING"),
		CognitiveServicesEndpoint: getenv("COGNITIVE_SERVICES_ENDPOINT", ""),
		Locale:                    getenv("TRANSCRIPTION_LOCALE", "ja-JP"),

		// Realtime voice AI
		RealtimeURL:          getenv("REALTIME_URL", ""),
		RealtimeAPIKey:       os.Getenv("REALTIME_API_KEY"),
		RealtimeAzure:        getenvBool("REALTIME_AZURE", false),
		RealtimeModel:        getenv("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:        getenv("REALTIME_VOICE", "shimmer"),
		RealtimeLanguage:     getenv("REALTIME_LANGUAGE", "ja"),
		SystemInstructions:   getenv("SYSTEM_INSTRUCTIONS", "あなたは電話応対をするAIアシスタントです。日本語で、短く丁寧に話してください。"),
		GreetingInstructions: getenv("GREETING_INSTRUCTIONS", "お電話ありがとうございます、と挨拶して、ご用件を伺ってください。"),

		VADThreshold:       getenvFloatClamped("VAD_THRESHOLD", 0.5, 0.0, 1.0),
		VADPrefixPaddingMs: getenvIntClamped("VAD_PREFIX_PADDING_MS", 300, 0, 2000),
		VADSilenceMs:       getenvIntClamped("VAD_SILENCE_MS", 500, 100, 5000),

		// Deepgram
		DeepgramAPIKey:    getenv("DEEPGRAM_API_KEY", ""),
		DeepgramModel:     getenv("DEEPGRAM_MODEL", "nova-3"),
		DeepgramLanguage:  getenv("DEEPGRAM_LANGUAGE", "ja"),
		STTEndpointingMs:  getenvIntClamped("STT_ENDPOINTING_MS", 800, 100, 5000),
		STTUtteranceEndMs: getenvIntClamped("STT_UTTERANCE_END_MS", 1000, 1000, 5000),
		STTQueueSize:      getenvIntClamped("STT_QUEUE_SIZE", 100, 1, 10000),

		// Bridge
		OpenTimeout:       getenvDuration("OPEN_TIMEOUT", 10*time.Second),
		DrainGrace:        getenvDuration("DRAIN_GRACE", 2*time.Second),
		InboundQueue:      getenvIntClamped("INBOUND_QUEUE", 64, 1, 4096),
		OutboundQueue:     getenvIntClamped("OUTBOUND_QUEUE", 512, 1, 16384),
		MediaReadTimeout:  getenvDuration("MEDIA_READ_TIMEOUT", 30*time.Second),
		MediaWriteTimeout: getenvDuration("MEDIA_WRITE_TIMEOUT", 5*time.Second),
		ShutdownTimeout:   getenvDuration("SHUTDOWN_TIMEOUT", 60*time.Second),

		JWTSecret:      os.Getenv("JWT_SECRET"), // Required - no fallback for security
		StreamTokenTTL: getenvDuration("STREAM_TOKEN_TTL", 5*time.Minute),
	}
}

// Validate reports the settings the server cannot start without.
func (c Config) Validate() error {
	var missing []string
	if c.ACSConnectionString == "" {
		missing = append(missing, "ACS_CONNECTION_STRING")
	}
	if c.RealtimeAPIKey == "" {
		missing = append(missing, "REALTIME_API_KEY")
	}
	if c.RealtimeAzure && c.RealtimeURL == "" {
		missing = append(missing, "REALTIME_URL")
	}
	if c.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return errors.New("missing required config: " + strings.Join(missing, ", "))
	}
	return nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvBool(k string, def bool) bool {
	v, err := strconv.ParseBool(os.Getenv(k))
	if err != nil {
		return def
	}
	return v
}

func getenvIntClamped(k string, def, min, max int) int {
	v, err := strconv.Atoi(os.Getenv(k))
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvFloatClamped(k string, def, min, max float64) float64 {
	v, err := strconv.ParseFloat(os.Getenv(k), 64)
	if err != nil {
		return def
	}
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func getenvDuration(k string, def time.Duration) time.Duration {
	v, err := time.ParseDuration(os.Getenv(k))
	if err != nil || v < 0 {
		return def
	}
	return v
}
