package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"chat-client/internal/logger"
)

// Audit event types published for a chat session.
const (
	EventSessionOpened     = "session_opened"
	EventSessionOpenFailed = "session_open_failed"
	EventSessionClosed     = "session_closed"
	EventActionFailed      = "action_failed"
)

type Publisher interface {
	Publish(ctx context.Context, routingKey string, event any) error
	Close() error
}

type AuditEmitter struct {
	publisher   Publisher
	routingKey  string
	service     string
	environment string
	timeout     time.Duration
	now         func() time.Time
	log         *zap.Logger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	SessionID     string       `json:"session_id"`
	GroupID       string       `json:"group_id,omitempty"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

// Record is one auditable occurrence in a session.
type Record struct {
	EventType string
	Level     string
	Text      string
	SessionID string
	GroupID   string
	UserID    string
}

func NewAuditEmitter(publisher Publisher, routingKey, service, environment string, log *zap.Logger) *AuditEmitter {
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		timeout:     5 * time.Second,
		now:         time.Now,
		log:         logger.OrNop(log),
	}
}

// Emit publishes rec. Publish errors are logged, never returned.
func (e *AuditEmitter) Emit(ctx context.Context, rec Record) {
	if e == nil || e.publisher == nil {
		return
	}

	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     rec.EventType,
		OccurredAt:    e.now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		SessionID:     rec.SessionID,
		GroupID:       rec.GroupID,
		Payload: AuditPayload{
			Level: rec.Level,
			Text:  rec.Text,
		},
	}
	if rec.UserID != "" {
		userID := rec.UserID
		envelope.UserID = &userID
	}

	e.log.Debug("audit emit",
		zap.String("event_type", rec.EventType),
		zap.String("level", rec.Level),
		zap.String("session_id", rec.SessionID),
		zap.String("text", rec.Text),
	)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.timeout)
	defer cancel()
	if err := e.publisher.Publish(ctx, e.routingKey, envelope); err != nil {
		e.log.Warn("audit publish failed", zap.String("event_type", rec.EventType), zap.Error(err))
	}
}
