package ws

import (
	"time"

	"github.com/google/uuid"
)

// ConnInfo describes one accepted websocket connection.
type ConnInfo struct {
	ConnID      string
	UserID      string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func newConnID() string {
	return uuid.NewString()
}
