package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/davischen/twopc/internal/client"
	"github.com/davischen/twopc/internal/config"
	"github.com/davischen/twopc/internal/logging"
	"github.com/davischen/twopc/internal/oplog"
	"github.com/davischen/twopc/internal/participant"
	"github.com/davischen/twopc/internal/transport"
)

func init() {
	opts.BindChildFlags(clientCmd.Flags())
	opts.BindChildFlags(participantCmd.Flags())
}

var clientCmd = &cobra.Command{
	Use:    "client",
	Short:  "Join a coordinator as a client (spawned by run)",
	Args:   cobra.NoArgs,
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := config.ClientName(opts.Num)
		conn, err := dial(cmd.Context(), name)
		if err != nil {
			return err
		}
		defer conn.Close()

		return client.New(name, conn.Pair(), opts.NumRequests).
			WithLogger(logging.Node(logger, name)).
			Protocol(cmd.Context())
	},
}

var participantCmd = &cobra.Command{
	Use:    "participant",
	Short:  "Join a coordinator as a participant (spawned by run)",
	Args:   cobra.NoArgs,
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		name := config.ParticipantName(opts.Num)
		journal, err := oplog.Open(opts.ParticipantLogPath(opts.Num))
		if err != nil {
			return err
		}
		defer journal.Close()

		conn, err := dial(cmd.Context(), name)
		if err != nil {
			return err
		}
		defer conn.Close()

		return participant.New(name, conn.Pair(), journal, opts.TotalRequests()).
			WithLogger(logging.Node(logger, name)).
			WithProbabilities(opts.SendSuccessProbability, opts.OperationSuccessProbability).
			Protocol(cmd.Context())
	},
}

func dial(ctx context.Context, name string) (*transport.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, joinTimeout)
	defer cancel()
	return transport.Dial(ctx, opts.IPCPath, name, logger.Named("transport"))
}
