package eventlog

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// EventType represents the type of call event
type EventType string

const (
	EventCallAnswered       EventType = "call_answered"
	EventCallConnected      EventType = "call_connected"
	EventCallDisconnected   EventType = "call_disconnected"
	EventMediaStreaming     EventType = "media_streaming"
	EventSessionConnecting  EventType = "session_connecting"
	EventSessionActive      EventType = "session_active"
	EventSessionDraining    EventType = "session_draining"
	EventSessionClosed      EventType = "session_closed"
	EventCallerTranscript   EventType = "caller_transcript"
	EventProviderTranscript EventType = "provider_transcript"
)

// Schema creates the table events are written to.
const Schema = `
CREATE TABLE IF NOT EXISTS call_events (
	id          BIGSERIAL PRIMARY KEY,
	call_id     TEXT        NOT NULL,
	event_type  TEXT        NOT NULL,
	event_data  JSONB       NOT NULL DEFAULT '{}',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS call_events_call_id_idx ON call_events (call_id, created_at);
`

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Logger provides async event logging to the database. A Logger without a
// database drops every event.
type Logger struct {
	db     execer
	logger *log.Logger
	wg     sync.WaitGroup
}

// New creates a new event logger. db may be nil.
func New(db *pgxpool.Pool, logger *log.Logger) *Logger {
	if db == nil {
		return &Logger{logger: logger}
	}
	return &Logger{db: db, logger: logger}
}

// EnsureSchema creates the events table if it does not exist.
func (l *Logger) EnsureSchema(ctx context.Context) error {
	if l.db == nil {
		return nil
	}
	_, err := l.db.Exec(ctx, Schema)
	return err
}

// Log writes an event to the database synchronously
func (l *Logger) Log(ctx context.Context, callID string, eventType EventType, data map[string]any) error {
	if l.db == nil || callID == "" {
		return nil
	}

	dataJSON, err := json.Marshal(data)
	if err != nil {
		dataJSON = []byte("{}")
	}

	_, err = l.db.Exec(ctx, `
		INSERT INTO call_events (call_id, event_type, event_data)
		VALUES ($1, $2, $3)
	`, callID, string(eventType), dataJSON)

	return err
}

// LogAsync logs an event without blocking the caller
func (l *Logger) LogAsync(callID string, eventType EventType, data map[string]any) {
	if l.db == nil || callID == "" {
		return
	}

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := l.Log(ctx, callID, eventType, data); err != nil && l.logger != nil {
			l.logger.Printf("eventlog: %s for call %s: %v", eventType, callID, err)
		}
	}()
}

// Flush waits for pending async writes.
func (l *Logger) Flush() {
	l.wg.Wait()
}

// SessionEvent maps a session state name to its event type.
func SessionEvent(state string) (EventType, bool) {
	switch state {
	case "connecting":
		return EventSessionConnecting, true
	case "active":
		return EventSessionActive, true
	case "draining":
		return EventSessionDraining, true
	case "closed":
		return EventSessionClosed, true
	}
	return "", false
}
