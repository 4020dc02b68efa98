package telemetry

import (
	"context"
	"time"

	"go.uber.org/zap"

	"relay-service/internal/observability"
)

// Audit levels.
const (
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// AuditRoutingKey is the default routing key for audit envelopes.
const AuditRoutingKey = "audit.relay"

type AuditEmitter struct {
	publisher   observability.Publisher
	routingKey  string
	service     string
	environment string
	logger      *zap.SugaredLogger
}

type AuditEnvelope struct {
	SchemaVersion int          `json:"schema_version"`
	EventType     string       `json:"event_type"`
	OccurredAt    string       `json:"occurred_at"`
	Service       string       `json:"service"`
	Environment   string       `json:"environment"`
	RequestID     string       `json:"request_id"`
	UserID        *string      `json:"user_id,omitempty"`
	Payload       AuditPayload `json:"payload"`
}

type AuditPayload struct {
	Level string `json:"level"`
	Text  string `json:"text"`
}

func NewAuditEmitter(publisher observability.Publisher, routingKey, service, environment string, logger *zap.SugaredLogger) *AuditEmitter {
	if routingKey == "" {
		routingKey = AuditRoutingKey
	}
	return &AuditEmitter{
		publisher:   publisher,
		routingKey:  routingKey,
		service:     service,
		environment: environment,
		logger:      logger,
	}
}

// Emit publishes an audit envelope. A nil emitter is a no-op.
func (e *AuditEmitter) Emit(ctx context.Context, level, text, requestID string, userID *string) {
	if e == nil || e.publisher == nil {
		return
	}

	e.logger.Debugw("audit emit", "level", level, "request_id", requestID, "user_id", userID, "text", text)
	envelope := AuditEnvelope{
		SchemaVersion: 1,
		EventType:     "audit_log",
		OccurredAt:    time.Now().UTC().Format(time.RFC3339Nano),
		Service:       e.service,
		Environment:   e.environment,
		RequestID:     requestID,
		UserID:        userID,
		Payload: AuditPayload{
			Level: level,
			Text:  text,
		},
	}

	if err := e.publisher.PublishJSON(ctx, e.routingKey, envelope, observability.BuildHeaders(requestID, "")); err != nil {
		observability.IncPublishError()
		e.logger.Warnw("audit publish failed", "error", err)
	}
}
