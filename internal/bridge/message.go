package bridge

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Message is the JSON envelope exchanged over the control socket.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// NewMessage creates an envelope with a fresh ID and timestamp.
func NewMessage(msgType string, data interface{}) *Message {
	var rawData json.RawMessage
	if data != nil {
		if bytes, err := json.Marshal(data); err == nil {
			rawData = bytes
		}
	}

	return &Message{
		Type:      msgType,
		ID:        uuid.New().String(),
		Data:      rawData,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
}

// ParseMessage parses an envelope from raw bytes.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// KeepalivePayload is sent proactively during idle periods. Some transports
// silently drop idle connections without an application-level signal.
type KeepalivePayload struct {
	Timestamp string `json:"timestamp"`
	ClientID  string `json:"clientId"`
}

func newKeepalive(clientID string) *Message {
	return NewMessage("keepalive", KeepalivePayload{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		ClientID:  clientID,
	})
}
