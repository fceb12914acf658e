package app

import (
	"strings"
	"testing"
	"time"
)

func TestGetenv(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		def      string
		want     string
	}{
		{name: "env set", envValue: "custom_value", def: "default", want: "custom_value"},
		{name: "env not set", envValue: "", def: "default", want: "default"},
		{name: "empty default", envValue: "", def: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CALLBRIDGE_TEST_VAR", tt.envValue)
			if got := getenv("CALLBRIDGE_TEST_VAR", tt.def); got != tt.want {
				t.Errorf("getenv() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGetenvBool(t *testing.T) {
	tests := []struct {
		envValue string
		def      bool
		want     bool
	}{
		{envValue: "true", def: false, want: true},
		{envValue: "1", def: false, want: true},
		{envValue: "false", def: true, want: false},
		{envValue: "", def: true, want: true},
		{envValue: "yes please", def: false, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.envValue, func(t *testing.T) {
			t.Setenv("CALLBRIDGE_TEST_BOOL", tt.envValue)
			if got := getenvBool("CALLBRIDGE_TEST_BOOL", tt.def); got != tt.want {
				t.Errorf("getenvBool(%q) = %v, want %v", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestGetenvIntClamped(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     int
	}{
		{name: "within range", envValue: "500", want: 500},
		{name: "below min", envValue: "-100", want: 0},
		{name: "above max", envValue: "5000", want: 1000},
		{name: "at min", envValue: "0", want: 0},
		{name: "at max", envValue: "1000", want: 1000},
		{name: "invalid", envValue: "abc", want: 100},
		{name: "unset", envValue: "", want: 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CALLBRIDGE_TEST_INT", tt.envValue)
			if got := getenvIntClamped("CALLBRIDGE_TEST_INT", 100, 0, 1000); got != tt.want {
				t.Errorf("getenvIntClamped(%q) = %d, want %d", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestGetenvFloatClamped(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     float64
	}{
		{name: "within range", envValue: "0.7", want: 0.7},
		{name: "below min", envValue: "-0.5", want: 0},
		{name: "above max", envValue: "1.5", want: 1},
		{name: "invalid", envValue: "abc", want: 0.5},
		{name: "unset", envValue: "", want: 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("CALLBRIDGE_TEST_FLOAT", tt.envValue)
			if got := getenvFloatClamped("CALLBRIDGE_TEST_FLOAT", 0.5, 0, 1); got != tt.want {
				t.Errorf("getenvFloatClamped(%q) = %v, want %v", tt.envValue, got, tt.want)
			}
		})
	}
}

func TestGetenvDuration(t *testing.T) {
	tests := []struct {
		envValue string
		want     time.Duration
	}{
		{envValue: "250ms", want: 250 * time.Millisecond},
		{envValue: "1m", want: time.Minute},
		{envValue: "0s", want: 0},
		{envValue: "-5s", want: 3 * time.Second},
		{envValue: "10", want: 3 * time.Second},
		{envValue: "", want: 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.envValue, func(t *testing.T) {
			t.Setenv("CALLBRIDGE_TEST_DURATION", tt.envValue)
			if got := getenvDuration("CALLBRIDGE_TEST_DURATION", 3*time.Second); got != tt.want {
				t.Errorf("getenvDuration(%q) = %v, want %v", tt.envValue, got, tt.want)
			}
		})
	}
}

func clearConfigEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"HTTP_ADDR", "PUBLIC_BASE_URL", "DATABASE_URL", "SENTRY_DSN",
		"ACS_CONNECTION_STRING", "COGNITIVE_SERVICES_ENDPOINT", "TRANSCRIPTION_LOCALE",
		"REALTIME_URL", "REALTIME_API_KEY", "REALTIME_AZURE", "REALTIME_MODEL", "REALTIME_VOICE",
		"REALTIME_LANGUAGE", "SYSTEM_INSTRUCTIONS", "GREETING_INSTRUCTIONS",
		"VAD_THRESHOLD", "VAD_PREFIX_PADDING_MS", "VAD_SILENCE_MS",
		"DEEPGRAM_API_KEY", "DEEPGRAM_MODEL", "DEEPGRAM_LANGUAGE",
		"STT_ENDPOINTING_MS", "STT_UTTERANCE_END_MS", "STT_QUEUE_SIZE",
		"OPEN_TIMEOUT", "DRAIN_GRACE", "INBOUND_QUEUE", "OUTBOUND_QUEUE",
		"MEDIA_READ_TIMEOUT", "MEDIA_WRITE_TIMEOUT", "SHUTDOWN_TIMEOUT",
		"JWT_SECRET", "STREAM_TOKEN_TTL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	clearConfigEnv(t)

	cfg := LoadConfigFromEnv()

	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":8080")
	}
	if cfg.Locale != "ja-JP" {
		t.Errorf("Locale = %q, want %q", cfg.Locale, "ja-JP")
	}
	if cfg.RealtimeAzure {
		t.Error("RealtimeAzure = true, want false")
	}
	if cfg.RealtimeVoice != "shimmer" {
		t.Errorf("RealtimeVoice = %q, want %q", cfg.RealtimeVoice, "shimmer")
	}
	if cfg.VADThreshold != 0.5 || cfg.VADPrefixPaddingMs != 300 || cfg.VADSilenceMs != 500 {
		t.Errorf("VAD = %v/%d/%d, want 0.5/300/500", cfg.VADThreshold, cfg.VADPrefixPaddingMs, cfg.VADSilenceMs)
	}
	if cfg.DeepgramAPIKey != "" {
		t.Errorf("DeepgramAPIKey = %q, want empty", cfg.DeepgramAPIKey)
	}
	if cfg.STTUtteranceEndMs != 1000 {
		t.Errorf("STTUtteranceEndMs = %d, want 1000", cfg.STTUtteranceEndMs)
	}
	if cfg.OpenTimeout != 10*time.Second {
		t.Errorf("OpenTimeout = %v, want 10s", cfg.OpenTimeout)
	}
	if cfg.DrainGrace != 2*time.Second {
		t.Errorf("DrainGrace = %v, want 2s", cfg.DrainGrace)
	}
	if cfg.StreamTokenTTL != 5*time.Minute {
		t.Errorf("StreamTokenTTL = %v, want 5m", cfg.StreamTokenTTL)
	}
	if cfg.SystemInstructions == "" || cfg.GreetingInstructions == "" {
		t.Error("default instructions are empty")
	}
}

func TestLoadConfigFromEnvCustomValues(t *testing.T) {
	clearConfigEnv(t)
	t.Setenv("HTTP_ADDR", ":9090")
	t.Setenv("TRANSCRIPTION_LOCALE", "en-US")
	t.Setenv("REALTIME_AZURE", "true")
	t.Setenv("REALTIME_URL", "wss://example.openai.azure.com/openai/realtime?deployment=rt")
	t.Setenv("VAD_THRESHOLD", "0.8")
	t.Setenv("VAD_SILENCE_MS", "50") // below min
	t.Setenv("STT_UTTERANCE_END_MS", "500")
	t.Setenv("DRAIN_GRACE", "750ms")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg := LoadConfigFromEnv()

	if cfg.HTTPAddr != ":9090" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, ":9090")
	}
	if cfg.Locale != "en-US" {
		t.Errorf("Locale = %q, want %q", cfg.Locale, "en-US")
	}
	if !cfg.RealtimeAzure {
		t.Error("RealtimeAzure = false, want true")
	}
	if cfg.VADThreshold != 0.8 {
		t.Errorf("VADThreshold = %v, want 0.8", cfg.VADThreshold)
	}
	if cfg.VADSilenceMs != 100 {
		t.Errorf("VADSilenceMs = %d, want 100 (clamped)", cfg.VADSilenceMs)
	}
	// Deepgram rejects utterance_end_ms below 1000.
	if cfg.STTUtteranceEndMs != 1000 {
		t.Errorf("STTUtteranceEndMs = %d, want 1000 (clamped)", cfg.STTUtteranceEndMs)
	}
	if cfg.DrainGrace != 750*time.Millisecond {
		t.Errorf("DrainGrace = %v, want 750ms", cfg.DrainGrace)
	}
	if cfg.JWTSecret != "s3cret" {
		t.Errorf("JWTSecret = %q, want %q", cfg.JWTSecret, "s3cret")
	}
}

func TestConfigValidate(t *testing.T) {
	valid := Config{
		ACSConnectionString: "endpoint=https://acs.example.com/;accesskey=a2V5",
		RealtimeAPIKey:      "sk-test",
		JWTSecret:           "secret",
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		missing []string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "no acs", mutate: func(c *Config) { c.ACSConnectionString = "" }, missing: []string{"ACS_CONNECTION_STRING"}},
		{name: "no jwt secret", mutate: func(c *Config) { c.JWTSecret = "" }, missing: []string{"JWT_SECRET"}},
		{name: "azure without url", mutate: func(c *Config) { c.RealtimeAzure = true }, missing: []string{"REALTIME_URL"}},
		{
			name:    "several",
			mutate:  func(c *Config) { c.RealtimeAPIKey = ""; c.JWTSecret = "" },
			missing: []string{"REALTIME_API_KEY", "JWT_SECRET"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid
			tt.mutate(&cfg)
			err := cfg.Validate()
			if len(tt.missing) == 0 {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() error = nil")
			}
			for _, k := range tt.missing {
				if !strings.Contains(err.Error(), k) {
					t.Errorf("Validate() error = %q, missing %s", err, k)
				}
			}
		})
	}
}
