// Package client issues requests to the coordinator one at a time.
package client

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/davischen/twopc/internal/backoff"
	"github.com/davischen/twopc/internal/message"
	"github.com/davischen/twopc/internal/stats"
	"github.com/davischen/twopc/internal/transport"
)

type Client struct {
	id       string
	pair     transport.Pair
	requests int
	issued   uint32

	exitWait backoff.Config
	grace    time.Duration
	stats    *stats.Counters
	report   io.Writer
	logger   *zap.Logger
}

// New returns a client that will issue requests requests.
func New(id string, pair transport.Pair, requests int) *Client {
	return &Client{
		id:       id,
		pair:     pair,
		requests: requests,
		exitWait: backoff.Exit,
		grace:    transport.DefaultGrace,
		stats:    stats.New(id, nil),
		report:   os.Stdout,
		logger:   zap.NewNop(),
	}
}

func (c *Client) WithLogger(l *zap.Logger) *Client {
	c.logger = l
	return c
}

func (c *Client) WithExitWait(cfg backoff.Config) *Client {
	c.exitWait = cfg
	return c
}

// WithGrace sets how long the client waits for an outstanding result and
// the exit after its context is cancelled.
func (c *Client) WithGrace(d time.Duration) *Client {
	c.grace = d
	return c
}

func (c *Client) WithCounters(s *stats.Counters) *Client {
	c.stats = s
	return c
}

func (c *Client) WithReport(w io.Writer) *Client {
	c.report = w
	return c
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Stats() stats.Snapshot {
	return c.stats.Snapshot()
}

// Protocol sends each request and blocks for its result, then waits for the
// coordinator's exit and reports. A broken link to the coordinator is fatal.
// Cancelling ctx stops new requests; the outstanding result and the exit are
// still awaited for the grace period.
func (c *Client) Protocol(ctx context.Context) error {
	c.logger.Debug("protocol started", zap.Int("requests", c.requests))
	dctx, cancel := transport.Draining(ctx, c.grace)
	defer cancel()

	exited := false
	for i := 0; i < c.requests && ctx.Err() == nil && !exited; i++ {
		if err := c.sendNext(); err != nil {
			return err
		}
		var err error
		if exited, err = c.recvResult(dctx); err != nil {
			if dctx.Err() != nil {
				break
			}
			return err
		}
	}
	c.logger.Info("client done", zap.Uint32("issued", c.issued))

	if !exited {
		if err := transport.AwaitExit(dctx, c.pair.Rx, c.exitWait, c.logger); err != nil {
			return err
		}
	}
	return c.stats.Report(c.report)
}

func (c *Client) sendNext() error {
	c.issued++
	req := message.Generate(message.ClientRequest, message.TxID(c.id, c.issued), c.id, c.issued)
	c.logger.Debug("sending operation", zap.Uint32("op", c.issued))
	if err := c.pair.Tx.Send(req); err != nil {
		return errors.Wrapf(err, "%s: send operation %d", c.id, c.issued)
	}
	return nil
}

// recvResult reports whether the coordinator's exit came instead of a
// result, which happens when the run was interrupted before the request was
// served.
func (c *Client) recvResult(ctx context.Context) (bool, error) {
	for {
		m, err := c.pair.Rx.Recv(ctx)
		if err != nil {
			return false, errors.Wrapf(err, "%s: receive result %d", c.id, c.issued)
		}
		switch m.Kind {
		case message.ClientResultCommit:
			c.stats.Commit()
			return false, nil
		case message.ClientResultAbort:
			c.stats.Abort(m.Unknown())
			return false, nil
		case message.CoordinatorExit:
			c.logger.Info("exit before result", zap.Uint32("op", c.issued))
			return true, nil
		default:
			c.logger.Debug("ignoring message while awaiting result", zap.Stringer("msg", m))
		}
	}
}
