package transport

import (
	"context"
	"io"
	"net"
	"strings"
	"sync/atomic"

	"github.com/algorand/go-deadlock"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/davischen/twopc/internal/message"
)

// exchangeServer is the handler side of the twopc.Exchange service. The
// service has a single bidirectional stream: the first frame from the actor
// is a hello carrying its name and the rendezvous token, every later frame
// in either direction is a protocol message.
type exchangeServer interface {
	Connect(stream grpc.ServerStream) error
}

const connectMethod = "/twopc.Exchange/Connect"

var exchangeDesc = grpc.ServiceDesc{
	ServiceName: "twopc.Exchange",
	HandlerType: (*exchangeServer)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName: "Connect",
		Handler: func(srv interface{}, stream grpc.ServerStream) error {
			return srv.(exchangeServer).Connect(stream)
		},
		ServerStreams: true,
		ClientStreams: true,
	}},
	Metadata: "twopc/exchange",
}

// Rendezvous is the coordinator end of the process bootstrap. Children find
// it through Name(), which embeds a freshly generated token.
type Rendezvous struct {
	lis   net.Listener
	srv   *grpc.Server
	token string
	log   *zap.Logger

	mu     deadlock.Mutex
	slots  map[string]chan Pair
	joined map[string]bool
}

// Listen starts serving on addr ("127.0.0.1:0" picks a free port).
func Listen(addr string, log *zap.Logger) (*Rendezvous, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	r := &Rendezvous{
		lis:    lis,
		srv:    grpc.NewServer(),
		token:  uuid.NewString(),
		log:    log,
		slots:  make(map[string]chan Pair),
		joined: make(map[string]bool),
	}
	r.srv.RegisterService(&exchangeDesc, r)
	go func() {
		if err := r.srv.Serve(lis); err != nil {
			r.log.Warn("rendezvous server stopped", zap.Error(err))
		}
	}()
	return r, nil
}

// Name is the string a child passes to Dial.
func (r *Rendezvous) Name() string {
	return r.lis.Addr().String() + "/" + r.token
}

func (r *Rendezvous) slot(actor string) chan Pair {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.slots[actor]
	if !ok {
		ch = make(chan Pair, 1)
		r.slots[actor] = ch
	}
	return ch
}

// Accept waits until actor has connected and returns the coordinator's pair
// for it.
func (r *Rendezvous) Accept(ctx context.Context, actor string) (Pair, error) {
	select {
	case p := <-r.slot(actor):
		return p, nil
	case <-ctx.Done():
		return Pair{}, errors.Wrapf(ctx.Err(), "waiting for %s", actor)
	}
}

func (r *Rendezvous) Connect(stream grpc.ServerStream) error {
	hello := new(structpb.Struct)
	if err := stream.RecvMsg(hello); err != nil {
		return err
	}
	actor, token := decodeHello(hello)
	if token != r.token {
		r.log.Warn("rejected actor with bad token", zap.String("actor", actor))
		return status.Error(codes.PermissionDenied, "bad rendezvous token")
	}

	r.mu.Lock()
	dup := r.joined[actor]
	r.joined[actor] = true
	r.mu.Unlock()
	if dup {
		return status.Errorf(codes.AlreadyExists, "%s already joined", actor)
	}

	in := NewQueue(DefaultQueueSize)
	out := &streamSender{stream: stream}
	defer out.close()
	r.slot(actor) <- Pair{Tx: out, Rx: in}
	r.log.Debug("actor joined", zap.String("actor", actor))

	return pump(stream, in, r.log.With(zap.String("actor", actor)))
}

// Close tears down the server and every stream.
func (r *Rendezvous) Close() error {
	r.srv.Stop()
	return nil
}

type msgStream interface {
	SendMsg(m interface{}) error
	RecvMsg(m interface{}) error
}

// streamSender serializes writes to a stream; gRPC streams allow only one
// concurrent SendMsg.
type streamSender struct {
	mu     deadlock.Mutex
	stream msgStream
	closed atomic.Bool
}

func (s *streamSender) Send(m message.ProtocolMessage) error {
	if s.closed.Load() {
		return ErrDisconnected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.stream.SendMsg(encode(m)); err != nil {
		return errors.Wrapf(ErrDisconnected, "send %s: %v", m.Kind, err)
	}
	return nil
}

func (s *streamSender) close() {
	s.closed.Store(true)
}

// pump copies frames from stream into q until the stream ends, then closes q.
func pump(stream msgStream, q *Queue, log *zap.Logger) error {
	defer q.Close()
	for {
		frame := new(structpb.Struct)
		if err := stream.RecvMsg(frame); err != nil {
			if err == io.EOF {
				return nil
			}
			log.Debug("stream ended", zap.Error(err))
			return err
		}
		m, err := decode(frame)
		if err != nil {
			log.Warn("dropping undecodable frame", zap.Error(err))
			continue
		}
		if err := q.Send(m); err != nil {
			return nil
		}
	}
}

// ParseName splits a rendezvous name into its dial address and token.
func ParseName(name string) (addr, token string, err error) {
	i := strings.LastIndex(name, "/")
	if i <= 0 || i == len(name)-1 {
		return "", "", errors.Errorf("malformed rendezvous name %q", name)
	}
	return name[:i], name[i+1:], nil
}
