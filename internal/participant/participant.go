// Package participant implements the voting side of two-phase commit.
package participant

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/davischen/twopc/internal/backoff"
	"github.com/davischen/twopc/internal/message"
	"github.com/davischen/twopc/internal/stats"
	"github.com/davischen/twopc/internal/transport"
)

type State int

const (
	Quiescent State = iota
	ReceivedP1
	VotedCommit
	VotedAbort
	AwaitingGlobalDecision
)

func (s State) String() string {
	switch s {
	case Quiescent:
		return "Quiescent"
	case ReceivedP1:
		return "ReceivedP1"
	case VotedCommit:
		return "VotedCommit"
	case VotedAbort:
		return "VotedAbort"
	case AwaitingGlobalDecision:
		return "AwaitingGlobalDecision"
	}
	return "State(?)"
}

// Journal records the participant's votes and the decisions it learns.
type Journal interface {
	AppendMessage(m message.ProtocolMessage) error
	AppendMessageAs(m message.ProtocolMessage, kind message.Kind) error
}

type Participant struct {
	id    string
	state State

	journal Journal
	rx      transport.Receiver
	tx      transport.Sender
	out     *transport.Lossy

	totalOps  int
	sendProb  float64
	opProb    float64
	src       rand.Source
	operation distuv.Bernoulli

	exitWait backoff.Config
	grace    time.Duration
	stats    *stats.Counters
	report   io.Writer
	logger   *zap.Logger
}

// New returns a participant that takes part in totalOps rounds. Both
// probabilities default to 1.
func New(id string, pair transport.Pair, journal Journal, totalOps int) *Participant {
	return &Participant{
		id:       id,
		state:    Quiescent,
		journal:  journal,
		rx:       pair.Rx,
		tx:       pair.Tx,
		totalOps: totalOps,
		sendProb: 1,
		opProb:   1,
		src:      rand.NewSource(uint64(time.Now().UnixNano())),
		exitWait: backoff.Exit,
		grace:    transport.DefaultGrace,
		stats:    stats.New(id, nil),
		report:   os.Stdout,
		logger:   zap.NewNop(),
	}
}

func (p *Participant) WithLogger(l *zap.Logger) *Participant {
	p.logger = l
	return p
}

// WithProbabilities sets the chance a vote reaches the coordinator and the
// chance the local operation succeeds. The two draws are independent.
func (p *Participant) WithProbabilities(send, operation float64) *Participant {
	p.sendProb = send
	p.opProb = operation
	return p
}

// WithSource fixes the random source, for reproducible runs.
func (p *Participant) WithSource(src rand.Source) *Participant {
	p.src = src
	return p
}

func (p *Participant) WithExitWait(cfg backoff.Config) *Participant {
	p.exitWait = cfg
	return p
}

// WithGrace sets how long the participant keeps serving the coordinator
// after its context is cancelled.
func (p *Participant) WithGrace(d time.Duration) *Participant {
	p.grace = d
	return p
}

func (p *Participant) WithCounters(s *stats.Counters) *Participant {
	p.stats = s
	return p
}

func (p *Participant) WithReport(w io.Writer) *Participant {
	p.report = w
	return p
}

func (p *Participant) ID() string {
	return p.id
}

func (p *Participant) State() State {
	return p.state
}

func (p *Participant) Stats() stats.Snapshot {
	return p.stats.Snapshot()
}

// Protocol votes on up to totalOps proposals, then waits for the
// coordinator's exit and reports. It returns an error when the coordinator
// link breaks or the journal cannot be written. Once ctx is cancelled the
// participant still serves the coordinator for the grace period, so the
// decision of a round it voted in and the exit are not lost.
func (p *Participant) Protocol(ctx context.Context) error {
	p.operation = distuv.Bernoulli{P: p.opProb, Src: p.src}
	p.out = transport.NewLossy(p.tx, p.sendProb, p.src, p.logger)
	p.logger.Debug("protocol started", zap.Int("rounds", p.totalOps))

	dctx, cancel := transport.Draining(ctx, p.grace)
	defer cancel()

	exited, err := p.rounds(dctx)
	if err != nil {
		return err
	}
	if !exited {
		p.logger.Debug("waiting for exit")
		if err := transport.AwaitExit(dctx, p.rx, p.exitWait, p.logger); err != nil {
			return err
		}
	}
	p.logger.Debug("exiting", zap.Uint64("dropped", p.out.Dropped()))
	return p.stats.Report(p.report)
}

// rounds reports whether the exit message was already consumed.
func (p *Participant) rounds(ctx context.Context) (bool, error) {
	for done := 0; done < p.totalOps && ctx.Err() == nil; {
		req, err := p.rx.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, errors.Wrapf(err, "%s: receive proposal", p.id)
		}
		switch req.Kind {
		case message.CoordinatorPropose:
		case message.CoordinatorExit:
			return true, nil
		default:
			p.logger.Debug("ignoring message while quiescent", zap.Stringer("msg", req))
			continue
		}

		p.state = ReceivedP1
		if err := p.vote(req); err != nil {
			return false, err
		}
		exited, err := p.awaitDecision(ctx)
		if err != nil || exited {
			return exited, err
		}
		done++
	}
	return false, nil
}

// vote performs the local operation, logs the outcome and sends it. The log
// entry is written first so it survives a dropped send.
func (p *Participant) vote(req message.ProtocolMessage) error {
	kind := message.ParticipantVoteAbort
	p.state = VotedAbort
	if p.operation.Rand() == 1 {
		kind = message.ParticipantVoteCommit
		p.state = VotedCommit
	}
	if err := p.journal.AppendMessageAs(req, kind); err != nil {
		return errors.Wrapf(err, "%s: log vote", p.id)
	}
	if err := p.out.Send(message.Generate(kind, req.TxID, p.id, req.OpID)); err != nil {
		return errors.Wrapf(err, "%s: send vote", p.id)
	}
	p.state = AwaitingGlobalDecision
	return nil
}

func (p *Participant) awaitDecision(ctx context.Context) (bool, error) {
	for {
		m, err := p.rx.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return false, nil
			}
			return false, errors.Wrapf(err, "%s: receive decision", p.id)
		}
		switch m.Kind {
		case message.CoordinatorCommit, message.CoordinatorAbort:
			if err := p.journal.AppendMessage(m); err != nil {
				return false, errors.Wrapf(err, "%s: log decision", p.id)
			}
			if m.Kind == message.CoordinatorCommit {
				p.stats.Commit()
			} else {
				p.stats.Abort(false)
			}
			p.state = Quiescent
			return false, nil
		case message.CoordinatorExit:
			return true, nil
		default:
			p.logger.Debug("ignoring message while awaiting decision", zap.Stringer("msg", m))
		}
	}
}
