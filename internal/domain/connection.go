package domain

import (
	"context"

	"github.com/google/uuid"
)

// Conn is a handle to one connected display client.
//
// Send must be safe to call concurrently with the client's own read loop and
// must honour ctx's deadline. ID is stable for the lifetime of the handle.
type Conn interface {
	ID() uuid.UUID
	Send(ctx context.Context, data []byte) error
	Close() error
}

// ConnRegistry is the set of live connections shared by the acceptor and the broadcaster.
type ConnRegistry interface {
	Register(conn Conn)
	Unregister(conn Conn)
	Snapshot() []Conn
	Len() int
}

// UILayoutMessage is pushed once to a freshly connected device.
type UILayoutMessage struct {
	Type  string `json:"type"`
	Mode  string `json:"mode"`
	Macro string `json:"macro"`
}

// MessageTypeUIUpdate tags the UI layout push.
const MessageTypeUIUpdate = "ui_update"
