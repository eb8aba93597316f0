package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/davischen/twopc/internal/checker"
	"github.com/davischen/twopc/internal/cluster"
	"github.com/davischen/twopc/internal/config"
	"github.com/davischen/twopc/internal/coordinator"
	"github.com/davischen/twopc/internal/logging"
	"github.com/davischen/twopc/internal/oplog"
	"github.com/davischen/twopc/internal/stats"
	"github.com/davischen/twopc/internal/transport"
)

const (
	joinTimeout = 30 * time.Second
	// how long an interrupted child may take to finish before it is killed
	childWaitDelay = 10 * time.Second
)

var (
	checkAfterRun bool
	listenAddr    string
)

func init() {
	runCmd.Flags().BoolVar(&checkAfterRun, "check", false, "audit the operation logs once the run is over")
	runCmd.Flags().StringVar(&listenAddr, "listen", "127.0.0.1:0", "address the coordinator accepts its clients and participants on")
	localCmd.Flags().BoolVar(&checkAfterRun, "check", false, "audit the operation logs once the run is over")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the coordinator and spawn one process per client and participant",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := os.MkdirAll(opts.LogPath, 0o755); err != nil {
			return errors.Wrapf(err, "create log directory %s", opts.LogPath)
		}
		reg := prometheus.NewRegistry()
		stopMetrics := serveMetrics(ctx, reg)
		defer stopMetrics()

		if err := runCoordinator(ctx, reg); err != nil {
			return err
		}
		return maybeCheck()
	},
}

var localCmd = &cobra.Command{
	Use:   "local",
	Short: "Run every actor inside this process over in-memory channels",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := os.MkdirAll(opts.LogPath, 0o755); err != nil {
			return errors.Wrapf(err, "create log directory %s", opts.LogPath)
		}
		reg := prometheus.NewRegistry()
		stopMetrics := serveMetrics(ctx, reg)
		defer stopMetrics()

		c, err := cluster.New(opts, cluster.WithLogger(logger), cluster.WithRegistry(reg))
		if err != nil {
			return err
		}
		runErr := c.Run(ctx)
		if err := c.Close(); err != nil && runErr == nil {
			runErr = err
		}
		if runErr != nil {
			return runErr
		}
		return maybeCheck()
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Audit the operation logs left by a run",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return check()
	},
}

func maybeCheck() error {
	if !checkAfterRun {
		return nil
	}
	return check()
}

func check() error {
	r, err := checker.Check(opts.LogPath, opts.NumParticipants, logger.Named("checker"))
	if err != nil {
		return err
	}
	if !r.OK() {
		return errors.Errorf("%d violations in %s", len(r.Violations), opts.LogPath)
	}
	fmt.Printf("logs consistent: %d committed, %d aborted, %d unknown\n", r.Committed, r.Aborted, r.Unknown)
	return nil
}

// serveMetrics exposes reg while the command runs. The returned func stops
// the server.
func serveMetrics(ctx context.Context, reg *prometheus.Registry) func() {
	if opts.MetricsAddr == "" {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		if err := stats.Serve(ctx, opts.MetricsAddr, reg, logger); err != nil {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()
	return cancel
}

// runCoordinator spawns the children, waits for each to join, runs the
// protocol and reaps the children. Interrupting ctx interrupts them too;
// they finish the round in flight, report and exit on their own.
func runCoordinator(ctx context.Context, reg prometheus.Registerer) (err error) {
	rv, err := transport.Listen(listenAddr, logger.Named("rendezvous"))
	if err != nil {
		return err
	}
	defer rv.Close()

	journal, err := oplog.Open(opts.CoordinatorLogPath())
	if err != nil {
		return err
	}
	defer journal.Close()

	outcomes := stats.NewOutcomeVec(reg)
	coord := coordinator.New(journal, opts.TotalRequests()).
		WithLogger(logging.Node(logger, coordinator.ID)).
		WithVoteTimeout(opts.VoteTimeout).
		WithCounters(stats.New(coordinator.ID, outcomes))

	self, err := os.Executable()
	if err != nil {
		return errors.Wrap(err, "locate own executable")
	}
	var children []*exec.Cmd
	defer func() { reap(ctx, children, err != nil) }()

	spawn := func(role, name string, n int) (transport.Pair, error) {
		child := opts
		child.Num = n
		child.IPCPath = rv.Name()
		cmd := childCommand(ctx, self, append([]string{role}, child.ChildArgs()...)...)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Start(); err != nil {
			return transport.Pair{}, errors.Wrapf(err, "start %s", name)
		}
		children = append(children, cmd)
		logger.Info("spawned", zap.String("actor", name), zap.Int("pid", cmd.Process.Pid))

		actx, cancel := context.WithTimeout(ctx, joinTimeout)
		defer cancel()
		return rv.Accept(actx, name)
	}

	for n := 0; n < opts.NumParticipants; n++ {
		name := config.ParticipantName(n)
		pair, serr := spawn("participant", name, n)
		if serr != nil {
			return serr
		}
		coord.ParticipantJoin(name, pair)
	}
	for n := 0; n < opts.NumClients; n++ {
		name := config.ClientName(n)
		pair, serr := spawn("client", name, n)
		if serr != nil {
			return serr
		}
		coord.ClientJoin(name, pair)
	}

	return coord.Protocol(ctx)
}

// childCommand builds a child process that gets os.Interrupt, not a kill,
// when ctx ends. A child still running childWaitDelay later is killed.
func childCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = childWaitDelay
	return cmd
}

// reap waits for every child, killing them first when the coordinator
// failed and will never send the exit. Exit errors are expected after an
// interrupt and only logged.
func reap(ctx context.Context, children []*exec.Cmd, kill bool) {
	for _, cmd := range children {
		if kill {
			cmd.Process.Kill()
		}
	}
	for _, cmd := range children {
		err := cmd.Wait()
		switch {
		case err == nil:
		case ctx.Err() != nil, kill:
			logger.Debug("child stopped", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
		default:
			logger.Error("child failed", zap.Int("pid", cmd.Process.Pid), zap.Error(err))
		}
	}
}
