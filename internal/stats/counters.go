// Package stats keeps the per-actor outcome totals reported at shutdown.
package stats

import (
	"fmt"
	"io"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome label values.
const (
	OutcomeCommitted = "committed"
	OutcomeAborted   = "aborted"
	OutcomeUnknown   = "unknown"
)

// Snapshot is a point-in-time copy of a Counters.
type Snapshot struct {
	ID        string
	Committed uint64
	Aborted   uint64
	Unknown   uint64
}

// Rounds is the number of rounds that reached a decision.
func (s Snapshot) Rounds() uint64 {
	return s.Committed + s.Aborted
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%-16s:\tCommitted: %6d\tAborted: %6d\tUnknown: %6d", s.ID, s.Committed, s.Aborted, s.Unknown)
}

// Counters is owned by exactly one actor and needs no locking. When built
// with an outcome vector, every increment is mirrored there.
type Counters struct {
	snap     Snapshot
	outcomes *prometheus.CounterVec
}

// New returns zeroed counters for actor id. outcomes may be nil.
func New(id string, outcomes *prometheus.CounterVec) *Counters {
	return &Counters{snap: Snapshot{ID: id}, outcomes: outcomes}
}

func (c *Counters) Commit() {
	c.snap.Committed++
	c.mirror(OutcomeCommitted)
}

// Abort counts a failed round; unknown additionally marks it as caused by a
// vote that was never observed.
func (c *Counters) Abort(unknown bool) {
	c.snap.Aborted++
	c.mirror(OutcomeAborted)
	if unknown {
		c.snap.Unknown++
		c.mirror(OutcomeUnknown)
	}
}

func (c *Counters) Snapshot() Snapshot {
	return c.snap
}

// Report writes the one-line summary.
func (c *Counters) Report(w io.Writer) error {
	_, err := fmt.Fprintln(w, c.snap.String())
	return err
}

func (c *Counters) mirror(outcome string) {
	if c.outcomes != nil {
		c.outcomes.WithLabelValues(c.snap.ID, outcome).Inc()
	}
}
