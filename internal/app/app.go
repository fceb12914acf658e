package app

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lukasbauer/callbridge/internal/bridge"
	"github.com/lukasbauer/callbridge/internal/callcontrol"
	"github.com/lukasbauer/callbridge/internal/eventlog"
	"github.com/lukasbauer/callbridge/internal/httpapi"
	"github.com/lukasbauer/callbridge/internal/media"
	"github.com/lukasbauer/callbridge/internal/metrics"
	"github.com/lukasbauer/callbridge/internal/stt"
	"github.com/lukasbauer/callbridge/internal/voiceai"
)

type App struct {
	cfg      Config
	logger   *log.Logger
	db       *pgxpool.Pool // nil without DATABASE_URL
	eventLog *eventlog.Logger
	metrics  *metrics.Metrics
	calls    *callcontrol.Client
	registry *bridge.Registry
}

func New(cfg Config, logger *log.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := openDB(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	el := eventlog.New(db, logger)
	if db != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := el.EnsureSchema(ctx)
		cancel()
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("event log schema: %w", err)
		}
	} else {
		logger.Printf("app: DATABASE_URL not set, call event log disabled")
	}

	// Shared HTTP client with connection pooling for call automation.
	httpClient := &http.Client{
		Timeout: 15 * time.Second,
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   5 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   10, // one ACS resource
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   5 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
	calls, err := callcontrol.NewClient(cfg.ACSConnectionString, httpClient)
	if err != nil {
		if db != nil {
			db.Close()
		}
		return nil, err
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		db:       db,
		eventLog: el,
		metrics:  metrics.New(),
		calls:    calls,
	}
	a.registry = bridge.NewRegistry(a.bridgeConfig())
	a.metrics.RegisterActiveSessions(func() int { return int(a.registry.ActiveCount()) })
	return a, nil
}

func openDB(databaseURL string) (*pgxpool.Pool, error) {
	if databaseURL == "" {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	db, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func (a *App) bridgeConfig() bridge.Config {
	cfg := bridge.Config{
		Voice: &voiceOpener{
			dialer: &voiceai.Dialer{Logger: a.logger},
			cfg: voiceai.Config{
				URL:               a.cfg.RealtimeURL,
				APIKey:            a.cfg.RealtimeAPIKey,
				Azure:             a.cfg.RealtimeAzure,
				Model:             a.cfg.RealtimeModel,
				Instructions:      a.cfg.SystemInstructions,
				Voice:             a.cfg.RealtimeVoice,
				Language:          a.cfg.RealtimeLanguage,
				VADThreshold:      a.cfg.VADThreshold,
				PrefixPaddingMs:   a.cfg.VADPrefixPaddingMs,
				SilenceDurationMs: a.cfg.VADSilenceMs,
				Format:            media.DefaultTelephonyFormat,
				OpenTimeout:       a.cfg.OpenTimeout,
				WriteTimeout:      a.cfg.MediaWriteTimeout,
			},
		},
		Starter:       a.calls,
		Recorder:      a.metrics,
		Logger:        a.logger,
		Locale:        a.cfg.Locale,
		Greeting:      a.cfg.GreetingInstructions,
		OpenTimeout:   a.cfg.OpenTimeout,
		DrainGrace:    a.cfg.DrainGrace,
		InboundQueue:  a.cfg.InboundQueue,
		OutboundQueue: a.cfg.OutboundQueue,
		OnTransition:  a.onTransition,
		OnTranscript:  a.onTranscript,
	}

	if a.cfg.DeepgramAPIKey != "" {
		cfg.Transcriber = &transcriptionOpener{
			language: a.cfg.DeepgramLanguage,
			opener: &stt.Opener{
				Deepgram: stt.DeepgramConfig{
					APIKey:         a.cfg.DeepgramAPIKey,
					Model:          a.cfg.DeepgramModel,
					Endpointing:    a.cfg.STTEndpointingMs,
					UtteranceEndMs: a.cfg.STTUtteranceEndMs,
				},
				Format:    media.TranscriptionFormat,
				QueueSize: a.cfg.STTQueueSize,
				Logger:    a.logger,
			},
		}
	} else {
		a.logger.Printf("app: DEEPGRAM_API_KEY not set, transcription leg disabled")
	}
	return cfg
}

// onTransition records session lifecycle events. Idle -> Connecting is
// logged as the session start.
func (a *App) onTransition(callID string, from, to bridge.State, cause error) {
	eventType, ok := eventlog.SessionEvent(to.String())
	if !ok {
		return
	}
	data := map[string]any{"from": from.String()}
	if cause != nil {
		data["cause"] = cause.Error()
	}
	a.eventLog.LogAsync(callID, eventType, data)
}

// onTranscript records that the caller said something. The text itself is
// not persisted.
func (a *App) onTranscript(callID, text string) {
	a.eventLog.LogAsync(callID, eventlog.EventCallerTranscript, map[string]any{
		"chars": len([]rune(text)),
	})
}

func (a *App) Router() http.Handler {
	routerCfg := httpapi.RouterConfig{
		PublicBaseURL:             a.cfg.PublicBaseURL,
		CognitiveServicesEndpoint: a.cfg.CognitiveServicesEndpoint,
		Locale:                    a.cfg.Locale,
		MediaFormat:               media.DefaultTelephonyFormat,
		MediaReadTimeout:          a.cfg.MediaReadTimeout,
		MediaWriteTimeout:         a.cfg.MediaWriteTimeout,
		StreamTokenSecret:         a.cfg.JWTSecret,
		StreamTokenTTL:            a.cfg.StreamTokenTTL,
	}
	return httpapi.NewRouter(routerCfg, a.logger, a.calls, a.registry, a.eventLog, a.metrics)
}

// Registry exposes the session registry for graceful shutdown.
func (a *App) Registry() *bridge.Registry {
	return a.registry
}

// Drain stops admitting calls and waits for the ones in flight to finish.
// It returns ctx.Err() if sessions are still active when ctx is done.
func (a *App) Drain(ctx context.Context) error {
	a.registry.StartDraining()
	a.logger.Printf("draining %d active sessions", a.registry.ActiveCount())

	drained := make(chan struct{})
	go func() {
		a.registry.Wait()
		close(drained)
	}()
	select {
	case <-drained:
		a.logger.Printf("all sessions closed")
		return nil
	case <-ctx.Done():
		a.logger.Printf("shutdown timeout, %d sessions still active", a.registry.ActiveCount())
		return ctx.Err()
	}
}

func (a *App) Close() error {
	a.eventLog.Flush()
	if a.db != nil {
		a.db.Close()
	}
	return nil
}
