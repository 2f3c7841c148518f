// Package transport supplies ordered, reliable byte delivery per
// connection. The protocol core only depends on the two interfaces below;
// the in-memory switch, TCP, and WebSocket implementations satisfy them.
package transport

import (
	"context"
	"errors"
)

var ErrClosed = errors.New("transport: closed")

// Conn is one bidirectional, ordered, reliable frame stream.
type Conn interface {
	// Send delivers a frame to the peer. Blocks only for transient
	// backpressure; returns an error once the conn is down.
	Send(frame []byte) error

	// Recv blocks until a frame arrives or ctx/conn is done.
	// ok=false means the conn will deliver nothing further.
	Recv(ctx context.Context) (frame []byte, ok bool)

	Close()

	// RemoteAddr describes the peer for logs.
	RemoteAddr() string
}

// Listener yields one Conn per accepted connection.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close()
	Addr() string
}
