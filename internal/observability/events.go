package observability

// Routing keys for domain events.
const (
	RouteWSConnect      = "ws_events.connect"
	RouteWSDisconnect   = "ws_events.disconnect"
	RoutePresenceOnline = "presence.online"
	RoutePresenceOff    = "presence.offline"
	RouteUserUpdated    = "user.updated"
	RouteChatCreated    = "chat.created"
	RouteMessageSent    = "message.sent"
)

type EventEnvelope struct {
	EventType string      `json:"event_type"`
	EventName string      `json:"event_name"`
	Payload   interface{} `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
