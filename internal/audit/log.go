package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"sitecms.org/internal/auth"
	"sitecms.org/internal/obs"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Sink forwards serialized audit entries to an external system.
type Sink interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

// Entry is the serialized form of an audit event.
type Entry struct {
	Time      time.Time      `json:"ts"`
	Type      string         `json:"type"`
	Event     string         `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	ActorID   int64          `json:"actor_id,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// Logger records audit events as structured log lines and, when a sink is
// configured, publishes them.
type Logger struct {
	log  *zerolog.Logger
	sink Sink
	now  func() time.Time
}

type Option func(*Logger)

func WithSink(s Sink) Option {
	return func(l *Logger) { l.sink = s }
}

func WithLogger(log *zerolog.Logger) Option {
	return func(l *Logger) {
		if log != nil {
			l.log = log
		}
	}
}

func New(opts ...Option) *Logger {
	l := &Logger{log: obs.Logger(), now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

var _ auth.EventRecorder = (*Logger)(nil)

// Record writes an audit entry enriched with request and actor context. The log
// line is always written; a sink failure is returned to the caller.
func (l *Logger) Record(ctx context.Context, event string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	entry := Entry{
		Time:      l.now().UTC(),
		Type:      "audit",
		Event:     event,
		RequestID: RequestIDFromContext(ctx),
		Fields:    make(map[string]any, len(fields)),
	}
	if userID, ok := auth.UserIDFromContext(ctx); ok {
		entry.ActorID = userID
	}
	for k, v := range fields {
		entry.Fields[k] = v
	}

	ev := l.log.Info().Str("type", entry.Type).Str("event", entry.Event).Fields(entry.Fields)
	if entry.RequestID != "" {
		ev = ev.Str("request_id", entry.RequestID)
	}
	if entry.ActorID != 0 {
		ev = ev.Int64("actor_id", entry.ActorID)
	}
	ev.Msg("audit")

	if l.sink == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	return l.sink.Publish(ctx, event, payload)
}
