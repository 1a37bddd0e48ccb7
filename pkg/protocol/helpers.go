package protocol

import (
	"fmt"

	"github.com/teslashibe/fanbridge/pkg/state"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewStateMessage creates a stateUpdate message
func NewStateMessage(s state.SystemState) (*Message, error) {
	return NewMessage(TypeStateUpdate, s)
}

// NewErrorMessage creates an error reply for a rejected request
func NewErrorMessage(request MessageType, err error) (*Message, error) {
	return NewMessage(TypeError, ErrorData{
		Error:   err.Error(),
		Request: request,
	})
}

// NewChangeModeMessage creates a mode change request
func NewChangeModeMessage(mode state.Mode) (*Message, error) {
	return NewMessage(TypeChangeMode, ModeRequest{Mode: string(mode)})
}

// NewControlFanMessage creates a fan control request
func NewControlFanMessage(action state.FanStatus) (*Message, error) {
	return NewMessage(TypeControlFan, FanRequest{Action: string(action)})
}

// NewPongMessage creates a pong response
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// =============================================================================
// Helper functions for parsing message data
// =============================================================================

// GetState extracts the state from a stateUpdate message
func (m *Message) GetState() (*state.SystemState, error) {
	if m.Type != TypeStateUpdate {
		return nil, fmt.Errorf("message type is %s, not %s", m.Type, TypeStateUpdate)
	}
	var s state.SystemState
	if err := m.ParseData(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetModeRequest extracts a changeMode payload
func (m *Message) GetModeRequest() (*ModeRequest, error) {
	if m.Type != TypeChangeMode {
		return nil, fmt.Errorf("message type is %s, not %s", m.Type, TypeChangeMode)
	}
	var req ModeRequest
	if err := m.ParseData(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// GetFanRequest extracts a controlFan payload
func (m *Message) GetFanRequest() (*FanRequest, error) {
	if m.Type != TypeControlFan {
		return nil, fmt.Errorf("message type is %s, not %s", m.Type, TypeControlFan)
	}
	var req FanRequest
	if err := m.ParseData(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// GetVisionUpdate extracts a visionUpdate payload
func (m *Message) GetVisionUpdate() (*VisionUpdate, error) {
	if m.Type != TypeVisionUpdate {
		return nil, fmt.Errorf("message type is %s, not %s", m.Type, TypeVisionUpdate)
	}
	var upd VisionUpdate
	if err := m.ParseData(&upd); err != nil {
		return nil, err
	}
	return &upd, nil
}

// GetErrorData extracts an error payload
func (m *Message) GetErrorData() (*ErrorData, error) {
	if m.Type != TypeError {
		return nil, fmt.Errorf("message type is %s, not %s", m.Type, TypeError)
	}
	var data ErrorData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	if m.Type != TypePing {
		return nil, fmt.Errorf("message type is %s, not %s", m.Type, TypePing)
	}
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
