package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"relay-service/internal/models"
	"relay-service/internal/observability"
)

// Handler upgrades HTTP requests to relay sessions.
type Handler struct {
	hub        *Hub
	supervisor *Supervisor
	limits     Limits
	logger     *zap.SugaredLogger
	upgrader   websocket.Upgrader
}

// NewHandler constructs a Handler.
func NewHandler(hub *Hub, supervisor *Supervisor, limits Limits, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		hub:        hub,
		supervisor: supervisor,
		limits:     limits,
		logger:     logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handle upgrades the connection, runs the handshake and starts the pumps.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("relay-service/ws").Start(c.Request.Context(), "ws.handshake", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	handshake := ParseHandshake(c.Request.URL.Query())
	span.SetAttributes(attribute.String("user.id", handshake.UserID))

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}

	traceID := span.SpanContext().TraceID().String()
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      handshake.UserID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   observability.RequestIDFromRequest(c.Request),
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	client := newClient(conn, info, h.limits, h.logger)
	sess := NewSession(client, handshake)

	// The request context ends when this handler returns; the session
	// outlives it but keeps its trace values.
	sessCtx := context.WithoutCancel(ctx)

	if err := h.supervisor.Connect(sessCtx, sess); err != nil {
		span.RecordError(err)
		if errors.Is(err, models.ErrInvalidIdentity) {
			h.logger.Warnw("invalid user id, closing socket", "socket_id", info.ConnID, "ip", info.IP)
		} else {
			h.logger.Errorw("error connecting session", "socket_id", info.ConnID, "error", err)
		}
		observability.IncWSEvent("connect", "rejected")
		reject(conn, websocket.ClosePolicyViolation, "invalid user id")
		return
	}

	observability.IncWSActive()
	observability.IncWSEvent("connect", "ok")
	h.publishWS(sessCtx, info, "ws_connect", "")

	go client.writePump()
	go func() {
		reason := client.readPump(func(raw []byte) {
			h.supervisor.HandleFrame(sessCtx, sess, raw)
		})
		h.supervisor.Disconnect(sessCtx, sess, reason)
		observability.DecWSActive()
		observability.IncWSEvent("disconnect", "ok")
		h.publishWS(sessCtx, info, "ws_disconnect", reason)
	}()
}

func reject(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
	conn.Close()
}

func (h *Handler) publishWS(ctx context.Context, info ConnInfo, event, reason string) {
	routingKey := observability.RouteWSConnect
	var duration int64
	if event == "ws_disconnect" {
		routingKey = observability.RouteWSDisconnect
		duration = time.Since(info.ConnectedAt).Milliseconds()
	}
	_ = observability.PublishEvent(ctx, routingKey, observability.EventEnvelope{
		EventType: "ws_events",
		EventName: event,
		Payload: map[string]interface{}{
			"ws": map[string]interface{}{
				"event":       event,
				"conn_id":     info.ConnID,
				"duration_ms": duration,
				"reason":      reason,
			},
			"identity": map[string]interface{}{
				"user_id":   info.UserID,
				"device_id": info.DeviceID,
				"ip":        info.IP,
			},
		},
	}, observability.BuildHeaders(info.RequestID, info.TraceID))
}
