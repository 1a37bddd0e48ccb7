// Package protocol defines the device line grammar and the WebSocket message
// types exchanged between the bridge and its dashboard clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/fanbridge/pkg/state"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Bridge → Client messages
	TypeStateUpdate MessageType = "stateUpdate" // Full state snapshot
	TypeError       MessageType = "error"       // Rejected request, sent to the requester only

	// Client → Bridge messages
	TypeChangeMode   MessageType = "changeMode"   // Operator mode change
	TypeControlFan   MessageType = "controlFan"   // Operator fan control
	TypeVisionUpdate MessageType = "visionUpdate" // Detection signal

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all WebSocket messages
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	return &msg, nil
}

// =============================================================================
// Client → Bridge payloads
// =============================================================================

// ModeRequest asks for a mode change. Also the body of POST /api/mode.
type ModeRequest struct {
	Mode string `json:"mode"`
}

// FanRequest asks for a manual fan action. Also the body of POST /api/fan.
type FanRequest struct {
	Action string `json:"action"`
}

// VisionUpdate is a detection signal from a vision source.
// Also the body of POST /api/vision-update.
type VisionUpdate struct {
	HumanDetected *bool    `json:"humanDetected"`
	Confidence    *float64 `json:"confidence,omitempty"`
	Mode          string   `json:"mode,omitempty"`      // informational, as seen by the sender
	Timestamp     *int64   `json:"timestamp,omitempty"` // Unix milliseconds
}

// =============================================================================
// Bridge → Client payloads
// =============================================================================

// ErrorData reports a rejected client request.
type ErrorData struct {
	Error   string      `json:"error"`
	Request MessageType `json:"request,omitempty"`
}

// =============================================================================
// Bidirectional payloads
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}

// StateData is the payload of a stateUpdate message.
type StateData = state.SystemState
