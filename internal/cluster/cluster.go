// Package cluster runs a whole two-phase commit deployment inside one
// process: every actor is a goroutine and every link an in-memory pipe.
package cluster

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/davischen/twopc/internal/backoff"
	"github.com/davischen/twopc/internal/client"
	"github.com/davischen/twopc/internal/config"
	"github.com/davischen/twopc/internal/coordinator"
	"github.com/davischen/twopc/internal/logging"
	"github.com/davischen/twopc/internal/oplog"
	"github.com/davischen/twopc/internal/participant"
	"github.com/davischen/twopc/internal/stats"
	"github.com/davischen/twopc/internal/transport"
)

type Cluster struct {
	opts config.Options

	coordinator  *coordinator.Coordinator
	clients      []*client.Client
	participants []*participant.Participant

	links []*transport.Link
	logs  []*oplog.OpLog
	log   *zap.Logger
}

// Option adjusts a cluster before it is wired.
type Option func(*settings)

type settings struct {
	logger   *zap.Logger
	registry prometheus.Registerer
	report   io.Writer
	exitWait backoff.Config
	idleWait time.Duration
	tune     func(*participant.Participant, int)
}

func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithRegistry mirrors every actor's counters into reg.
func WithRegistry(reg prometheus.Registerer) Option {
	return func(s *settings) { s.registry = reg }
}

func WithReport(w io.Writer) Option {
	return func(s *settings) { s.report = w }
}

// WithExitWait changes how clients and participants poll for the exit.
func WithExitWait(cfg backoff.Config) Option {
	return func(s *settings) { s.exitWait = cfg }
}

// WithIdleWait changes the coordinator's pause after a pass with no request.
func WithIdleWait(d time.Duration) Option {
	return func(s *settings) { s.idleWait = d }
}

// WithParticipantTuning runs fn on the n-th participant after it is built.
func WithParticipantTuning(fn func(p *participant.Participant, n int)) Option {
	return func(s *settings) { s.tune = fn }
}

// New opens the operation logs under opts.LogPath and wires every actor.
// The log directory must exist.
func New(opts config.Options, options ...Option) (*Cluster, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	s := settings{
		logger:   zap.NewNop(),
		report:   os.Stdout,
		exitWait: backoff.Exit,
		idleWait: coordinator.DefaultIdleWait,
	}
	for _, o := range options {
		o(&s)
	}

	var outcomes *prometheus.CounterVec
	if s.registry != nil {
		outcomes = stats.NewOutcomeVec(s.registry)
	}

	c := &Cluster{opts: opts, log: s.logger}
	coordLog, err := oplog.Open(opts.CoordinatorLogPath())
	if err != nil {
		return nil, err
	}
	c.logs = append(c.logs, coordLog)

	c.coordinator = coordinator.New(coordLog, opts.TotalRequests()).
		WithLogger(logging.Node(s.logger, coordinator.ID)).
		WithVoteTimeout(opts.VoteTimeout).
		WithIdleWait(s.idleWait).
		WithCounters(stats.New(coordinator.ID, outcomes)).
		WithReport(s.report)

	for i := 0; i < opts.NumClients; i++ {
		name := config.ClientName(i)
		link := transport.Pipe(transport.DefaultQueueSize)
		c.links = append(c.links, link)
		c.coordinator.ClientJoin(name, link.Coordinator())
		c.clients = append(c.clients, client.New(name, link.Actor(), opts.NumRequests).
			WithLogger(logging.Node(s.logger, name)).
			WithExitWait(s.exitWait).
			WithCounters(stats.New(name, outcomes)).
			WithReport(s.report))
	}

	for i := 0; i < opts.NumParticipants; i++ {
		name := config.ParticipantName(i)
		plog, err := oplog.Open(opts.ParticipantLogPath(i))
		if err != nil {
			c.Close()
			return nil, err
		}
		c.logs = append(c.logs, plog)
		link := transport.Pipe(transport.DefaultQueueSize)
		c.links = append(c.links, link)
		c.coordinator.ParticipantJoin(name, link.Coordinator())
		p := participant.New(name, link.Actor(), plog, opts.TotalRequests()).
			WithLogger(logging.Node(s.logger, name)).
			WithProbabilities(opts.SendSuccessProbability, opts.OperationSuccessProbability).
			WithExitWait(s.exitWait).
			WithCounters(stats.New(name, outcomes)).
			WithReport(s.report)
		if s.tune != nil {
			s.tune(p, i)
		}
		c.participants = append(c.participants, p)
	}
	return c, nil
}

// Run starts every actor and waits for all of them. The first fatal actor
// error cancels the others.
func (c *Cluster) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range c.participants {
		p := p
		g.Go(func() error { return p.Protocol(gctx) })
	}
	for _, cl := range c.clients {
		cl := cl
		g.Go(func() error { return cl.Protocol(gctx) })
	}
	g.Go(func() error { return c.coordinator.Protocol(gctx) })

	err := g.Wait()
	c.log.Info("cluster finished", zap.Error(err))
	return err
}

// Close disconnects every link and releases the operation logs.
func (c *Cluster) Close() error {
	for _, l := range c.links {
		l.Close()
	}
	var first error
	for _, l := range c.logs {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	c.logs = nil
	return errors.Wrap(first, "close operation logs")
}

func (c *Cluster) Coordinator() stats.Snapshot {
	return c.coordinator.Stats()
}

func (c *Cluster) Clients() []stats.Snapshot {
	out := make([]stats.Snapshot, len(c.clients))
	for i, cl := range c.clients {
		out[i] = cl.Stats()
	}
	return out
}

func (c *Cluster) Participants() []stats.Snapshot {
	out := make([]stats.Snapshot, len(c.participants))
	for i, p := range c.participants {
		out[i] = p.Stats()
	}
	return out
}
