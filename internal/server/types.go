// Package server defines the realtime wire envelope and helpers shared by
// client and hub logic.
package server

import (
	"context"
	"strings"

	"github.com/goccy/go-json"

	"github.com/Tyrowin/twis/internal/chat"
)

// Event names carried in Envelope.Event.
const (
	EventChatHistory = "chat history"
	EventChatMessage = "chat message"
)

// Envelope is the JSON text frame exchanged over the realtime connection.
// A frame may hold several envelopes separated by '\n'.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Relay is the message service behind the hub.
type Relay interface {
	Publish(ctx context.Context, in chat.Incoming) (chat.Message, error)
	History(ctx context.Context) ([]chat.Message, error)
}

// encodeEvent builds a single envelope frame.
func encodeEvent(event string, data interface{}) ([]byte, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Event: event, Data: payload})
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
