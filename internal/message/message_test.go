package message

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAssignsDistinctUIDs(t *testing.T) {
	a := Generate(ClientRequest, "client_0_op_1", "client_0", 1)
	b := Generate(ClientRequest, "client_0_op_2", "client_0", 2)
	assert.NotEqual(t, a.UID, b.UID)
	assert.Equal(t, "client_0", a.SenderID)
	assert.Equal(t, uint32(2), b.OpID)
}

func TestRelabelLeavesOriginalUntouched(t *testing.T) {
	req := Generate(ClientRequest, TxID("client_1", 3), "client_1", 3)
	prop := req.Relabel(CoordinatorPropose)
	abort := prop.Relabel(CoordinatorAbort).MarkUnknown()

	assert.Equal(t, ClientRequest, req.Kind)
	assert.Equal(t, CoordinatorPropose, prop.Kind)
	assert.Equal(t, "client_1_op_3", prop.TxID)
	assert.Equal(t, "client_1_op_3_unknown", abort.TxID)
	assert.Equal(t, req.UID, abort.UID)
	assert.True(t, abort.Unknown())
	assert.False(t, prop.Unknown())
	assert.Equal(t, "client_1_op_3", abort.BaseTxID())
}

func TestMarkUnknownIsIdempotent(t *testing.T) {
	m := Generate(CoordinatorAbort, "t", "c", 1).MarkUnknown().MarkUnknown()
	assert.Equal(t, "t_unknown", m.TxID)
}

func TestInstantiateExitMessage(t *testing.T) {
	exit := Instantiate(CoordinatorExit, 0, "", "", 0)
	assert.Empty(t, exit.TxID)
	assert.Equal(t, "client_2", exit.Addressed("client_2").SenderID)
	assert.Empty(t, exit.SenderID)
}

func TestKindFamilies(t *testing.T) {
	for _, k := range []Kind{ParticipantVoteCommit, CoordinatorCommit, ClientResultCommit} {
		assert.True(t, k.IsCommit(), k.String())
		assert.False(t, k.IsAbort(), k.String())
	}
	for _, k := range []Kind{ParticipantVoteAbort, CoordinatorAbort, ClientResultAbort} {
		assert.True(t, k.IsAbort(), k.String())
		assert.False(t, k.IsCommit(), k.String())
	}
	assert.False(t, CoordinatorExit.IsCommit())
	assert.False(t, CoordinatorExit.IsAbort())
}

func TestKindTextEncoding(t *testing.T) {
	out, err := json.Marshal(Generate(CoordinatorCommit, "x", "coordinator", 4))
	require.NoError(t, err)
	assert.Contains(t, string(out), `"kind":"CoordinatorCommit"`)

	var back ProtocolMessage
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, CoordinatorCommit, back.Kind)

	_, err = ParseKind("Bogus")
	assert.Error(t, err)
	assert.Equal(t, "Kind(42)", Kind(42).String())
	_, err = Kind(42).MarshalText()
	assert.Error(t, err)
}
