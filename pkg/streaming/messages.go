// Package streaming defines the spectator protocol spoken by the websocket
// journal sink.
package streaming

import (
	"encoding/json"
)

// Message types.
const (
	TypeHello = "hello"
	TypeEntry = "journal_entry"
	TypeBye   = "bye"
	TypeAck   = "ack"
)

// Envelope wraps all messages sent over the WebSocket.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// AckMessage is the server's acknowledgement response.
type AckMessage struct {
	Type string `json:"type"` // always "ack"
	For  string `json:"for"`  // the message type being acknowledged
}

// HelloPayload opens a session. It is replayed after every reconnect.
type HelloPayload struct {
	PlayerID  string `json:"playerId"`
	Username  string `json:"username"`
	SessionID string `json:"sessionId"`
}

// Marshal builds a JSON-encoded Envelope from a message type and payload.
func Marshal(msgType string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: msgType, Payload: raw})
}
