// Package ws implements the relay's full-duplex event channel: per-session
// rooms, join-time history replay, and append-order fan-out over
// WebSocket connections.
package ws

import (
	"encoding/json"

	"github.com/marmos91/cipherdrop/internal/session"
)

// Client → server events.
const (
	eventJoinRoom    = "joinRoom"
	eventSendMessage = "sendMessage"
)

// Server → client events.
const (
	eventSessionJoined    = "sessionJoined"
	eventReceiveMessage   = "receiveMessage"
	eventUserConnected    = "userConnected"
	eventUserDisconnected = "userDisconnected"
	eventError            = "error"
)

// Envelope frames every message on the channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// JoinRoomRequest asks to enter a session. ClientToken is present on
// reconnects.
type JoinRoomRequest struct {
	Code        string `json:"code"`
	ClientToken string `json:"clientToken,omitempty"`
}

// SendMessageRequest relays a message into the sender's session.
type SendMessageRequest struct {
	MatchCode   string          `json:"matchCode"`
	ClientToken string          `json:"clientToken"`
	Message     session.Message `json:"message"`
}

// SessionJoined is the server's response to a successful joinRoom.
type SessionJoined struct {
	ClientToken string            `json:"clientToken"`
	History     []session.Message `json:"history"`
}

// ErrorEvent reports a validation or admission failure without dropping the
// connection.
type ErrorEvent struct {
	Message string `json:"message"`
}

// encode marshals an event envelope. Marshal errors cannot occur for the
// relay's own payload types, so the error is swallowed into an empty frame
// the client ignores.
func encode(event string, data any) []byte {
	var raw json.RawMessage
	if data != nil {
		raw, _ = json.Marshal(data)
	}
	buf, _ := json.Marshal(Envelope{Event: event, Data: raw})
	return buf
}
