package events

import "encoding/json"

// Envelope wraps every message exchanged with a client with a type discriminator.
// When marshaling, Payload can be any message struct.
// When unmarshaling, use EnvelopeRaw for type-based dispatch.
type Envelope struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload,omitempty"`
}

// EnvelopeRaw is used for receiving messages where the payload
// needs to be unmarshaled based on the message type.
type EnvelopeRaw struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalEnvelope creates an envelope with the given type and payload
func MarshalEnvelope(msgType string, payload interface{}) ([]byte, error) {
	return json.Marshal(Envelope{Type: msgType, Payload: payload})
}

// Client -> server messages

// ChatMessage submits a build request for the connected project
type ChatMessage struct {
	Prompt string `json:"prompt"`
}

// Server -> client messages

// ErrorMessage reports a rejected request
type ErrorMessage struct {
	Message string `json:"message"`
}

// HistoryMessage is sent when a client attaches
type HistoryMessage struct {
	Runs   []RunSummary `json:"runs"`
	AppURL string       `json:"app_url,omitempty"`
}

// RunSummary is the client view of a past run
type RunSummary struct {
	ID           string `json:"id"`
	Prompt       string `json:"prompt"`
	Status       string `json:"status"`
	Success      bool   `json:"success"`
	ErrorMessage string `json:"error_message,omitempty"`
	StartedAt    string `json:"started_at"`
}

// Message type constants
const (
	TypeChatMessage = "chat_message"
	TypeEvent       = "event"
	TypeError       = "error"
	TypeHistory     = "history"
	TypePing        = "ping"
	TypePong        = "pong"
)
