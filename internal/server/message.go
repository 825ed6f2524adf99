package server

import "github.com/chatremote/host/internal/registry"

// MessageType tags websocket messages.
type MessageType string

const (
	// MessageTypeSnapshot carries the full registry snapshot. It is sent on
	// connect and after every mutation.
	MessageTypeSnapshot MessageType = "snapshot"

	// MessageTypeRefresh is sent by a client to ask for a snapshot now.
	MessageTypeRefresh MessageType = "refresh"

	// MessageTypeError reports a problem with a message the client sent.
	MessageTypeError MessageType = "error"
)

// Message is the websocket envelope.
type Message struct {
	Type     MessageType        `json:"type"`
	Snapshot *registry.Snapshot `json:"snapshot,omitempty"`
	Error    *ErrorResponse     `json:"error,omitempty"`
}

// NewSnapshotMessage wraps snap for the wire.
func NewSnapshotMessage(snap registry.Snapshot) Message {
	return Message{Type: MessageTypeSnapshot, Snapshot: &snap}
}

// NewErrorMessage creates an error message.
func NewErrorMessage(code, message string) Message {
	return Message{Type: MessageTypeError, Error: &ErrorResponse{Code: code, Message: message}}
}
