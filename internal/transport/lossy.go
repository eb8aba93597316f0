package transport

import (
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/davischen/twopc/internal/message"
)

// Lossy drops each message it is asked to send with probability 1-p. A drop
// is silent: Send returns nil and the peer only notices through a timeout.
type Lossy struct {
	next    Sender
	coin    distuv.Bernoulli
	dropped atomic.Uint64
	log     *zap.Logger
}

// NewLossy wraps next so that each message is delivered with probability p.
func NewLossy(next Sender, p float64, src rand.Source, log *zap.Logger) *Lossy {
	if log == nil {
		log = zap.NewNop()
	}
	return &Lossy{
		next: next,
		coin: distuv.Bernoulli{P: p, Src: src},
		log:  log,
	}
}

func (l *Lossy) Send(m message.ProtocolMessage) error {
	if l.coin.Rand() == 0 {
		l.dropped.Add(1)
		l.log.Debug("message dropped", zap.Stringer("kind", m.Kind), zap.String("txid", m.TxID))
		return nil
	}
	return l.next.Send(m)
}

// Dropped counts the messages swallowed so far.
func (l *Lossy) Dropped() uint64 {
	return l.dropped.Load()
}
