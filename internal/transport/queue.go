package transport

import (
	"context"
	"sync"

	"github.com/davischen/twopc/internal/message"
)

// DefaultQueueSize is the buffer used by Pipe and by network receivers.
const DefaultQueueSize = 1024

// Queue is a buffered FIFO that is both a Sender and a Receiver. After Close,
// buffered messages are still delivered before ErrDisconnected.
type Queue struct {
	ch   chan message.ProtocolMessage
	done chan struct{}
	once sync.Once
}

func NewQueue(size int) *Queue {
	return &Queue{
		ch:   make(chan message.ProtocolMessage, size),
		done: make(chan struct{}),
	}
}

func (q *Queue) Send(m message.ProtocolMessage) error {
	select {
	case <-q.done:
		return ErrDisconnected
	default:
	}
	select {
	case q.ch <- m:
		return nil
	case <-q.done:
		return ErrDisconnected
	}
}

func (q *Queue) Recv(ctx context.Context) (message.ProtocolMessage, error) {
	select {
	case m := <-q.ch:
		return m, nil
	default:
	}
	select {
	case m := <-q.ch:
		return m, nil
	case <-q.done:
		return q.TryRecv()
	case <-ctx.Done():
		return message.ProtocolMessage{}, ctx.Err()
	}
}

func (q *Queue) TryRecv() (message.ProtocolMessage, error) {
	select {
	case m := <-q.ch:
		return m, nil
	default:
	}
	select {
	case <-q.done:
		return message.ProtocolMessage{}, ErrDisconnected
	default:
		return message.ProtocolMessage{}, ErrEmpty
	}
}

// Close marks the queue disconnected. It is safe to call more than once.
func (q *Queue) Close() error {
	q.once.Do(func() { close(q.done) })
	return nil
}

// Link is an in-memory connection between the coordinator and one actor.
type Link struct {
	down *Queue // coordinator -> actor
	up   *Queue // actor -> coordinator
}

// Pipe creates a link whose queues buffer size messages each.
func Pipe(size int) *Link {
	return &Link{down: NewQueue(size), up: NewQueue(size)}
}

// Coordinator returns the pair the coordinator registers for this actor.
func (l *Link) Coordinator() Pair {
	return Pair{Tx: l.down, Rx: l.up}
}

// Actor returns the pair handed to the actor itself.
func (l *Link) Actor() Pair {
	return Pair{Tx: l.up, Rx: l.down}
}

// Close disconnects both directions.
func (l *Link) Close() error {
	l.down.Close()
	return l.up.Close()
}
