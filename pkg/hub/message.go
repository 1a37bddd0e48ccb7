// Package hub provides a thread-safe websocket broadcast hub
// using the idiomatic Go channel-based fan-out pattern.
package hub

import (
	"github.com/teslashibe/fanbridge/pkg/protocol"
	"github.com/teslashibe/fanbridge/pkg/state"
)

// Message is a pre-encoded text frame for one or more clients.
type Message struct {
	Data []byte
}

// NewJSONMessage creates a message from pre-encoded JSON.
func NewJSONMessage(data []byte) Message {
	return Message{Data: data}
}

// Encode wraps a protocol envelope as a hub message.
func Encode(msg *protocol.Message) (Message, error) {
	data, err := msg.Bytes()
	if err != nil {
		return Message{}, err
	}
	return NewJSONMessage(data), nil
}

// StateMessage encodes s as a stateUpdate envelope.
func StateMessage(s state.SystemState) (Message, error) {
	msg, err := protocol.NewStateMessage(s)
	if err != nil {
		return Message{}, err
	}
	return Encode(msg)
}
