package participant

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/davischen/twopc/internal/backoff"
	"github.com/davischen/twopc/internal/message"
	"github.com/davischen/twopc/internal/oplog"
	"github.com/davischen/twopc/internal/transport"
)

var fastExit = backoff.Config{Initial: time.Millisecond, Max: 5 * time.Millisecond}

type harness struct {
	p     *Participant
	coord transport.Pair
	link  *transport.Link
	path  string
	done  chan error
}

func start(t *testing.T, rounds int, send, op float64) *harness {
	path := oplog.Path(t.TempDir(), "participant_0")
	l, err := oplog.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	link := transport.Pipe(16)
	p := New("participant_0", link.Actor(), l, rounds).
		WithProbabilities(send, op).
		WithSource(rand.NewSource(7)).
		WithExitWait(fastExit).
		WithGrace(time.Second).
		WithReport(io.Discard)
	return &harness{p: p, coord: link.Coordinator(), link: link, path: path, done: make(chan error, 1)}
}

func (h *harness) run(ctx context.Context) {
	go func() { h.done <- h.p.Protocol(ctx) }()
}

func (h *harness) wait(t *testing.T) error {
	select {
	case err := <-h.done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("participant did not finish")
		return nil
	}
}

func propose(n uint32) message.ProtocolMessage {
	return message.Generate(message.CoordinatorPropose, message.TxID("client_0", n), "client_0", n)
}

func exit() message.ProtocolMessage {
	return message.Instantiate(message.CoordinatorExit, 0, "", "participant_0", 0)
}

func recvVote(t *testing.T, rx transport.Receiver) message.ProtocolMessage {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	m, err := rx.Recv(ctx)
	require.NoError(t, err)
	return m
}

func TestCommitRound(t *testing.T) {
	h := start(t, 1, 1, 1)
	h.run(context.Background())

	require.NoError(t, h.coord.Tx.Send(propose(1)))
	v := recvVote(t, h.coord.Rx)
	assert.Equal(t, message.ParticipantVoteCommit, v.Kind)
	assert.Equal(t, "participant_0", v.SenderID)
	assert.Equal(t, "client_0_op_1", v.TxID)

	require.NoError(t, h.coord.Tx.Send(propose(1).Relabel(message.CoordinatorCommit)))
	require.NoError(t, h.coord.Tx.Send(exit()))
	require.NoError(t, h.wait(t))

	assert.Equal(t, Quiescent, h.p.State())
	assert.Equal(t, uint64(1), h.p.Stats().Committed)

	records, err := oplog.ReadFile(h.path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, message.ParticipantVoteCommit, records[0].Kind)
	assert.Equal(t, "client_0", records[0].SenderID)
	assert.Equal(t, "client_0_op_1", records[0].TxID)
	assert.Equal(t, uint32(1), records[0].OpID)
	assert.Equal(t, message.CoordinatorCommit, records[1].Kind)
}

func TestFailedOperationVotesAbort(t *testing.T) {
	h := start(t, 2, 1, 0)
	h.run(context.Background())

	for n := uint32(1); n <= 2; n++ {
		require.NoError(t, h.coord.Tx.Send(propose(n)))
		assert.Equal(t, message.ParticipantVoteAbort, recvVote(t, h.coord.Rx).Kind)
		require.NoError(t, h.coord.Tx.Send(propose(n).Relabel(message.CoordinatorAbort)))
	}
	require.NoError(t, h.coord.Tx.Send(exit()))
	require.NoError(t, h.wait(t))

	s := h.p.Stats()
	assert.Equal(t, uint64(0), s.Committed)
	assert.Equal(t, uint64(2), s.Aborted)
	assert.Equal(t, uint64(2), s.Rounds())
}

func TestDroppedVoteIsStillLogged(t *testing.T) {
	h := start(t, 1, 0, 1)
	h.run(context.Background())

	require.NoError(t, h.coord.Tx.Send(propose(1)))
	time.Sleep(20 * time.Millisecond)
	_, err := h.coord.Rx.TryRecv()
	assert.ErrorIs(t, err, transport.ErrEmpty)

	require.NoError(t, h.coord.Tx.Send(propose(1).Relabel(message.CoordinatorAbort).MarkUnknown()))
	require.NoError(t, h.coord.Tx.Send(exit()))
	require.NoError(t, h.wait(t))

	records, err := oplog.ReadFile(h.path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, message.ParticipantVoteCommit, records[0].Kind)
	assert.Equal(t, "client_0_op_1_unknown", records[1].TxID)
	assert.Equal(t, uint64(1), h.p.Stats().Aborted)
}

func TestIgnoresNoiseWhileAwaitingDecision(t *testing.T) {
	h := start(t, 1, 1, 1)
	h.run(context.Background())

	require.NoError(t, h.coord.Tx.Send(propose(1)))
	recvVote(t, h.coord.Rx)
	require.NoError(t, h.coord.Tx.Send(propose(1).Relabel(message.ClientResultCommit)))
	require.NoError(t, h.coord.Tx.Send(propose(1).Relabel(message.CoordinatorCommit)))
	require.NoError(t, h.coord.Tx.Send(exit()))
	require.NoError(t, h.wait(t))

	assert.Equal(t, uint64(1), h.p.Stats().Committed)
}

func TestExitStopsReadingProposals(t *testing.T) {
	h := start(t, 3, 1, 1)
	h.run(context.Background())

	require.NoError(t, h.coord.Tx.Send(exit()))
	require.NoError(t, h.wait(t))

	// nothing reads the link any more
	require.NoError(t, h.coord.Tx.Send(propose(1)))
	time.Sleep(20 * time.Millisecond)
	m, err := h.link.Actor().Rx.TryRecv()
	require.NoError(t, err)
	assert.Equal(t, message.CoordinatorPropose, m.Kind)
	_, err = h.coord.Rx.TryRecv()
	assert.ErrorIs(t, err, transport.ErrEmpty)
	assert.Equal(t, uint64(0), h.p.Stats().Rounds())
}

func TestBrokenLinkIsFatal(t *testing.T) {
	h := start(t, 1, 1, 1)
	require.NoError(t, h.link.Close())
	h.run(context.Background())
	assert.Error(t, h.wait(t))
}

func TestCancelEndsExitWait(t *testing.T) {
	h := start(t, 0, 1, 1)
	h.p.WithGrace(20 * time.Millisecond)
	h.p.WithExitWait(backoff.Exit)
	ctx, cancel := context.WithCancel(context.Background())
	h.run(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.NoError(t, h.wait(t))
}

func TestCancelWhileWaitingForProposal(t *testing.T) {
	h := start(t, 5, 1, 1)
	h.p.WithGrace(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	h.run(ctx)
	time.Sleep(10 * time.Millisecond)
	cancel()
	assert.NoError(t, h.wait(t))
	assert.Equal(t, Quiescent, h.p.State())
}

func TestDecisionAfterCancelIsLogged(t *testing.T) {
	h := start(t, 3, 1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	h.run(ctx)

	require.NoError(t, h.coord.Tx.Send(propose(1)))
	recvVote(t, h.coord.Rx)
	cancel()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.coord.Tx.Send(propose(1).Relabel(message.CoordinatorCommit)))
	require.NoError(t, h.coord.Tx.Send(exit()))

	began := time.Now()
	require.NoError(t, h.wait(t))
	assert.Less(t, time.Since(began), 500*time.Millisecond, "exit should end the grace period early")
	assert.Equal(t, uint64(1), h.p.Stats().Committed)

	records, err := oplog.ReadFile(h.path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, message.CoordinatorCommit, records[1].Kind)
}
