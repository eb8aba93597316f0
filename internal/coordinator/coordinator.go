// Package coordinator drives two-phase commit rounds on behalf of the
// clients registered with it.
package coordinator

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davischen/twopc/internal/message"
	"github.com/davischen/twopc/internal/stats"
	"github.com/davischen/twopc/internal/transport"
)

// ID is the coordinator's actor name and log file stem.
const ID = "coordinator"

const (
	DefaultVoteTimeout = 100 * time.Millisecond
	DefaultIdleWait    = time.Millisecond
)

// Journal is where the coordinator records proposals and decisions.
type Journal interface {
	AppendMessage(m message.ProtocolMessage) error
}

type member struct {
	name string
	pair transport.Pair
}

type vote int

const (
	voteMissing vote = iota
	voteCommit
	voteAbort
)

type Coordinator struct {
	state   State
	started bool

	journal Journal
	total   int

	clients      []member
	clientIndex  map[string]int
	participants []member
	names        map[string]bool

	voteTimeout time.Duration
	idleWait    time.Duration

	stats  *stats.Counters
	report io.Writer
	logger *zap.Logger
}

// New returns a coordinator that shuts the run down after total requests.
func New(journal Journal, total int) *Coordinator {
	return &Coordinator{
		state:       Quiescent,
		journal:     journal,
		total:       total,
		clientIndex: make(map[string]int),
		names:       make(map[string]bool),
		voteTimeout: DefaultVoteTimeout,
		idleWait:    DefaultIdleWait,
		stats:       stats.New(ID, nil),
		report:      os.Stdout,
		logger:      zap.NewNop(),
	}
}

func (c *Coordinator) WithLogger(l *zap.Logger) *Coordinator {
	c.logger = l
	return c
}

// WithVoteTimeout sets how long each participant's vote is waited for.
func (c *Coordinator) WithVoteTimeout(d time.Duration) *Coordinator {
	c.voteTimeout = d
	return c
}

// WithIdleWait sets the pause after a pass that found no client request.
func (c *Coordinator) WithIdleWait(d time.Duration) *Coordinator {
	c.idleWait = d
	return c
}

func (c *Coordinator) WithCounters(s *stats.Counters) *Coordinator {
	c.stats = s
	return c
}

func (c *Coordinator) WithReport(w io.Writer) *Coordinator {
	c.report = w
	return c
}

func (c *Coordinator) State() State {
	return c.state
}

func (c *Coordinator) Stats() stats.Snapshot {
	return c.stats.Snapshot()
}

// ClientJoin registers a client. Registration is only legal before Protocol
// starts; anything else is a bootstrap bug and panics.
func (c *Coordinator) ClientJoin(name string, pair transport.Pair) {
	c.checkJoin(name)
	c.clientIndex[name] = len(c.clients)
	c.clients = append(c.clients, member{name: name, pair: pair})
	c.logger.Debug("client joined", zap.String("name", name))
}

// ParticipantJoin registers a participant under the same rules as ClientJoin.
func (c *Coordinator) ParticipantJoin(name string, pair transport.Pair) {
	c.checkJoin(name)
	c.participants = append(c.participants, member{name: name, pair: pair})
	c.logger.Debug("participant joined", zap.String("name", name))
}

func (c *Coordinator) checkJoin(name string) {
	if c.started || c.state != Quiescent {
		panic(fmt.Sprintf("coordinator: %s joined in state %s after the protocol started", name, c.state))
	}
	if c.names[name] {
		panic(fmt.Sprintf("coordinator: %s joined twice", name))
	}
	c.names[name] = true
}

// Protocol runs rounds until total requests have been decided or ctx is
// cancelled, then reports. An error means the journal could not be written
// and nothing after the failing record can be trusted.
func (c *Coordinator) Protocol(ctx context.Context) error {
	c.started = true
	c.logger.Info("protocol started",
		zap.Int("clients", len(c.clients)),
		zap.Int("participants", len(c.participants)),
		zap.Int("total", c.total))

	err := c.run(ctx)
	c.state = Shutdown
	if rerr := c.stats.Report(c.report); rerr != nil {
		c.logger.Warn("could not write report", zap.Error(rerr))
	}
	return err
}

// run serves requests until total have been decided or ctx is cancelled.
// Cancellation is only observed between rounds, and the exit goes out
// either way so every actor can stop once it has seen the last decision.
func (c *Coordinator) run(ctx context.Context) error {
	processed := 0
	for processed < c.total && ctx.Err() == nil {
		batch := c.pollClients()
		for _, req := range batch {
			if ctx.Err() != nil {
				break
			}
			if err := c.handleRequest(ctx, req); err != nil {
				return err
			}
			processed++
		}
		c.state = Quiescent

		if len(batch) == 0 {
			c.idle(ctx)
		}
	}
	if ctx.Err() != nil {
		c.logger.Info("protocol interrupted", zap.Int("processed", processed), zap.Error(ctx.Err()))
	}
	c.shutdown()
	return nil
}

func (c *Coordinator) idle(ctx context.Context) {
	t := time.NewTimer(c.idleWait)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// pollClients takes at most one ready request from every client. A client
// with nothing queued is skipped until the next pass.
func (c *Coordinator) pollClients() []message.ProtocolMessage {
	var batch []message.ProtocolMessage
	for _, cl := range c.clients {
		m, err := cl.pair.Rx.TryRecv()
		if err != nil {
			continue
		}
		if m.Kind != message.ClientRequest {
			c.logger.Debug("ignoring non-request from client", zap.String("client", cl.name), zap.Stringer("msg", m))
			continue
		}
		batch = append(batch, m)
	}
	return batch
}

func (c *Coordinator) handleRequest(ctx context.Context, req message.ProtocolMessage) error {
	c.state = ReceivedRequest
	proposal := req.Relabel(message.CoordinatorPropose)
	if err := c.journal.AppendMessage(proposal); err != nil {
		return errors.Wrapf(err, "log proposal %s", proposal.TxID)
	}
	c.broadcast(proposal)
	c.state = ProposalSent

	// a started round runs to completion: only the vote timeout ends it
	commits, unknown := c.collectVotes(context.WithoutCancel(ctx), proposal.TxID)
	if commits == len(c.participants) {
		return c.commit(proposal)
	}
	return c.abort(proposal, unknown)
}

// collectVotes waits on every participant concurrently, each under its own
// deadline. It returns the number of commit votes and whether any
// participant stayed silent.
func (c *Coordinator) collectVotes(ctx context.Context, txid string) (int, bool) {
	votes := make([]vote, len(c.participants))
	var g errgroup.Group
	for i, p := range c.participants {
		i, p := i, p
		g.Go(func() error {
			votes[i] = c.awaitVote(ctx, p, txid)
			return nil
		})
	}
	g.Wait()

	commits, unknown := 0, false
	for _, v := range votes {
		switch v {
		case voteCommit:
			commits++
		case voteMissing:
			unknown = true
		}
	}
	return commits, unknown
}

func (c *Coordinator) awaitVote(ctx context.Context, p member, txid string) vote {
	dctx, cancel := context.WithTimeout(ctx, c.voteTimeout)
	defer cancel()
	for {
		m, err := p.pair.Rx.Recv(dctx)
		if err != nil {
			c.logger.Debug("no vote", zap.String("participant", p.name), zap.String("txid", txid), zap.Error(err))
			return voteMissing
		}
		if m.TxID != txid {
			c.logger.Debug("ignoring stale message", zap.String("participant", p.name), zap.Stringer("msg", m))
			continue
		}
		switch m.Kind {
		case message.ParticipantVoteCommit:
			return voteCommit
		case message.ParticipantVoteAbort:
			return voteAbort
		}
	}
}

func (c *Coordinator) commit(proposal message.ProtocolMessage) error {
	c.state = ReceivedVotesCommit
	decision := proposal.Relabel(message.CoordinatorCommit)
	if err := c.journal.AppendMessage(decision); err != nil {
		return errors.Wrapf(err, "log commit %s", decision.TxID)
	}
	c.broadcast(decision)
	c.sendClient(decision.Relabel(message.ClientResultCommit))
	c.state = SentGlobalDecision
	c.stats.Commit()
	c.logger.Debug("committed", zap.String("txid", decision.TxID))
	return nil
}

func (c *Coordinator) abort(proposal message.ProtocolMessage, unknown bool) error {
	c.state = ReceivedVotesAbort
	decision := proposal.Relabel(message.CoordinatorAbort)
	if unknown {
		decision = decision.MarkUnknown()
	}
	if err := c.journal.AppendMessage(decision); err != nil {
		return errors.Wrapf(err, "log abort %s", decision.TxID)
	}
	c.broadcast(decision)
	c.sendClient(decision.Relabel(message.ClientResultAbort))
	c.state = SentGlobalDecision
	c.stats.Abort(unknown)
	c.logger.Debug("aborted", zap.String("txid", decision.TxID), zap.Bool("unknown", unknown))
	return nil
}

// broadcast sends m to every participant. A failed send is reported and the
// remaining participants are still tried.
func (c *Coordinator) broadcast(m message.ProtocolMessage) {
	for _, p := range c.participants {
		if err := p.pair.Tx.Send(m); err != nil {
			c.logger.Error("could not send to participant",
				zap.String("participant", p.name), zap.Stringer("msg", m), zap.Error(err))
		}
	}
}

// sendClient delivers m to the client named by its sender id.
func (c *Coordinator) sendClient(m message.ProtocolMessage) {
	i, ok := c.clientIndex[m.SenderID]
	if !ok {
		c.logger.Error("no such client", zap.Stringer("msg", m))
		return
	}
	if err := c.clients[i].pair.Tx.Send(m); err != nil {
		c.logger.Error("could not send to client",
			zap.String("client", m.SenderID), zap.Stringer("msg", m), zap.Error(err))
	}
}

func (c *Coordinator) shutdown() {
	exit := message.Instantiate(message.CoordinatorExit, 0, "", "", 0)
	for _, cl := range c.clients {
		c.sendClient(exit.Addressed(cl.name))
	}
	for _, p := range c.participants {
		if err := p.pair.Tx.Send(exit.Addressed(p.name)); err != nil {
			c.logger.Error("could not send exit to participant", zap.String("participant", p.name), zap.Error(err))
		}
	}
	c.logger.Info("sent exit to all actors")
}
