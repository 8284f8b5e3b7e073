package main

import (
	"context"

	"go.uber.org/zap"
)

type hanger interface {
	Hangup(ctx context.Context) error
}

// loop is a goroutine started with its own cancel func.
type loop struct {
	stop context.CancelFunc
	done <-chan struct{}
}

func (l loop) halt(ctx context.Context) bool {
	l.stop()
	select {
	case <-l.done:
		return true
	case <-ctx.Done():
		return false
	}
}

// stopCall hangs up while the machine and transport are still running, then
// stops the machine and only afterwards the transport, whose final flush
// carries any endCall the machine queued on the way out.
func stopCall(ctx context.Context, machine hanger, machineLoop, transportLoop loop, log *zap.SugaredLogger) {
	if err := machine.Hangup(ctx); err != nil {
		log.Debugw("nothing to hang up", "error", err)
	}
	if !machineLoop.halt(ctx) {
		log.Warnw("call machine did not stop in time")
	}
	if !transportLoop.halt(ctx) {
		log.Warnw("relay transport did not stop in time")
	}
}
