package transport

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Conn is an actor's connection to the coordinator's rendezvous.
type Conn struct {
	cc     *grpc.ClientConn
	stream grpc.ClientStream
	cancel context.CancelFunc
	in     *Queue
	out    *streamSender
}

// Dial connects to the rendezvous called name and joins as actor.
func Dial(ctx context.Context, name, actor string, log *zap.Logger) (*Conn, error) {
	addr, token, err := ParseName(name)
	if err != nil {
		return nil, err
	}

	cc, err := grpc.DialContext(ctx, addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithBlock())
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}

	// the stream outlives ctx, which only bounds the handshake
	sctx, cancel := context.WithCancel(context.Background())
	stream, err := cc.NewStream(sctx, &exchangeDesc.Streams[0], connectMethod)
	if err != nil {
		cancel()
		cc.Close()
		return nil, errors.Wrap(err, "open exchange stream")
	}
	if err := stream.SendMsg(encodeHello(actor, token)); err != nil {
		cancel()
		cc.Close()
		return nil, errors.Wrap(err, "send hello")
	}

	c := &Conn{
		cc:     cc,
		stream: stream,
		cancel: cancel,
		in:     NewQueue(DefaultQueueSize),
		out:    &streamSender{stream: stream},
	}
	go pump(stream, c.in, log.With(zap.String("actor", actor)))
	return c, nil
}

// Pair returns the actor's channel pair: Tx toward the coordinator, Rx from it.
func (c *Conn) Pair() Pair {
	return Pair{Tx: c.out, Rx: c.in}
}

func (c *Conn) Close() error {
	c.out.close()
	c.out.mu.Lock()
	c.stream.CloseSend()
	c.out.mu.Unlock()
	c.cancel()
	return c.cc.Close()
}
