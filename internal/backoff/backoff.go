// Package backoff turns repeated polling into exponentially growing waits.
package backoff

import (
	"context"
	"time"
)

// Config bounds the wait between two polls.
type Config struct {
	Initial time.Duration // wait after the first unsuccessful poll
	Max     time.Duration // ceiling for the doubling wait
}

// Exit is the schedule actors use while waiting for the coordinator's exit
// message.
var Exit = Config{Initial: 300 * time.Millisecond, Max: 2 * time.Second}

// Poll calls try until it reports done. Between attempts it waits for either
// the backoff timer or ctx to be cancelled, doubling the wait each time up to
// Max. If ctx is already cancelled Poll returns ctx.Err() without calling try.
func (c Config) Poll(ctx context.Context, try func() bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	wait := c.Initial
	if wait <= 0 {
		wait = time.Millisecond
	}
	for {
		if try() {
			return nil
		}

		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}

		wait *= 2
		if c.Max > 0 && wait > c.Max {
			wait = c.Max
		}
	}
}
