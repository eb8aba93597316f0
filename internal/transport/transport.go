// Package transport carries protocol messages between the coordinator and
// the actors it registered, either in memory or over a gRPC stream.
package transport

import (
	"context"
	"errors"

	"github.com/davischen/twopc/internal/message"
)

var (
	// ErrEmpty is returned by TryRecv when no message is ready.
	ErrEmpty = errors.New("transport: no message ready")
	// ErrDisconnected is returned once the peer side is gone.
	ErrDisconnected = errors.New("transport: peer disconnected")
)

// Sender delivers messages to one peer, preserving send order.
type Sender interface {
	Send(m message.ProtocolMessage) error
}

// Receiver yields messages from one peer in the order they were sent.
type Receiver interface {
	// Recv blocks until a message arrives, the peer disconnects or ctx ends.
	Recv(ctx context.Context) (message.ProtocolMessage, error)
	// TryRecv returns ErrEmpty instead of blocking.
	TryRecv() (message.ProtocolMessage, error)
}

// Pair is one side of a bidirectional link: Tx toward the peer, Rx from it.
type Pair struct {
	Tx Sender
	Rx Receiver
}
