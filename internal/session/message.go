package session

import "encoding/json"

// Message type tags.
const (
	TypeText = "text"
	TypeFile = "file"
)

// Message is one entry in a session's history: either a text message or a
// file announcement. Sender and Timestamp are stamped by the server on
// append; clients deduplicate broadcasts by (timestamp, sender, type,
// identifying field).
//
// File metadata is kept as raw JSON: clients attach their own key material
// to the descriptor before sending, and the relay must pass it through
// without inspecting it.
type Message struct {
	Type      string          `json:"type"`
	Content   string          `json:"content,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	Sender    string          `json:"sender,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Valid reports whether the message is well-formed for its type.
func (m Message) Valid() bool {
	switch m.Type {
	case TypeText:
		return m.Content != ""
	case TypeFile:
		return len(m.Metadata) > 0
	default:
		return false
	}
}
