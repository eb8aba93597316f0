package stats

import (
	"bytes"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCountersAndReport(t *testing.T) {
	c := New("client_0", nil)
	c.Commit()
	c.Commit()
	c.Abort(false)
	c.Abort(true)

	s := c.Snapshot()
	assert.Equal(t, uint64(2), s.Committed)
	assert.Equal(t, uint64(2), s.Aborted)
	assert.Equal(t, uint64(1), s.Unknown)
	assert.Equal(t, uint64(4), s.Rounds())

	var buf bytes.Buffer
	require.NoError(t, c.Report(&buf))
	assert.Equal(t, "client_0        :\tCommitted:      2\tAborted:      2\tUnknown:      1\n", buf.String())
}

func TestOutcomeVecMirrorsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	vec := NewOutcomeVec(reg)
	c := New("coordinator", vec)
	c.Commit()
	c.Abort(true)
	c.Abort(false)

	assert.Equal(t, 1.0, testutil.ToFloat64(vec.WithLabelValues("coordinator", OutcomeCommitted)))
	assert.Equal(t, 2.0, testutil.ToFloat64(vec.WithLabelValues("coordinator", OutcomeAborted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(vec.WithLabelValues("coordinator", OutcomeUnknown)))

	n, err := testutil.GatherAndCount(reg, "twopc_outcomes_total")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
