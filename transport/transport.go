// Package transport implements the network transport layer for the
// whatsandra protocol client.
//
// This package handles frame formatting and duplex communication with the
// relay server over WebSocket or raw stream connections. It carries no
// cryptography; the noise and secure channel layers sit on top of it.
//
// Example:
//
//	ws := transport.NewWebSocket("wss://relay.example.com/ws", nil)
//	if err := ws.Connect(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer ws.Close()
//
//	err := ws.Send([]byte{...})
package transport

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates the transport has been closed locally.
	ErrClosed = errors.New("transport closed")
	// ErrClosedByPeer indicates the remote end closed the connection.
	ErrClosedByPeer = errors.New("connection closed by peer")
	// ErrNotConnected indicates an operation before Connect succeeded.
	ErrNotConnected = errors.New("transport not connected")
)

// Error wraps a connection-level failure. Connection-level failures
// always trigger reconnection unless the client is explicitly
// disconnecting.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transport is an opaque duplex byte-frame stream. Implementations must
// deliver frames reliably and in order within one connection's lifetime.
type Transport interface {
	// Connect establishes the underlying connection, honoring
	// cancellation through ctx.
	Connect(ctx context.Context) error

	// Send transmits one frame. Callers serialize concurrent sends.
	Send(frame []byte) error

	// Receive blocks until the next frame arrives, the transport closes,
	// or ctx is cancelled.
	Receive(ctx context.Context) ([]byte, error)

	// Close shuts the transport down. Safe to call multiple times.
	Close() error
}
