package transport

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/davischen/twopc/internal/backoff"
	"github.com/davischen/twopc/internal/message"
)

// AwaitExit polls rx without blocking until a CoordinatorExit arrives or ctx
// is cancelled, backing off between polls according to cfg. Anything else
// read from rx, a disconnect included, counts as no message. Cancellation is
// a normal way out and is not reported as an error.
func AwaitExit(ctx context.Context, rx Receiver, cfg backoff.Config, log *zap.Logger) error {
	err := cfg.Poll(ctx, func() bool {
		m, err := rx.TryRecv()
		if err != nil {
			return false
		}
		if m.Kind != message.CoordinatorExit {
			log.Debug("ignoring message while waiting for exit", zap.Stringer("msg", m))
			return false
		}
		return true
	})
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Debug("stopped waiting for exit", zap.Error(err))
		return nil
	}
	return err
}

// DefaultGrace bounds how long an actor keeps serving the coordinator after
// its own context is cancelled.
const DefaultGrace = 2 * time.Second

// Draining returns a context that stays live for grace after ctx is
// cancelled. An actor receives under it so that a round the coordinator
// already started, and the exit that follows, still reach it after an
// interrupt. The returned cancel must be called.
func Draining(ctx context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	dctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	go func() {
		select {
		case <-dctx.Done():
			return
		case <-ctx.Done():
		}
		t := time.NewTimer(grace)
		defer t.Stop()
		select {
		case <-t.C:
			cancel()
		case <-dctx.Done():
		}
	}()
	return dctx, cancel
}
