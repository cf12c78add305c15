// Package supervise respawns a background task immediately whenever it
// returns, until its owner cancels it. Unlike pkg/errors' RetryPolicy
// (used for individual RPC calls with bounded attempts and backoff), a
// supervised task is meant to run forever and is restarted with no delay
// and no attempt limit; only context cancellation stops it.
package supervise

import (
	"context"

	"github.com/earendil-project/overlayd/pkg/logger"
)

// Task is a unit of supervised work. It should return promptly when ctx is
// canceled, and otherwise run until it hits an error worth respawning over.
type Task func(ctx context.Context) error

// Handle controls a supervised task.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Respawn starts fn in a goroutine, immediately restarting it whenever it
// returns, with or without an error, until the returned Handle is stopped
// or ctx is canceled. log receives a warning each time fn dies with an
// error and is respawned.
func Respawn(ctx context.Context, log *logger.Logger, name string, fn Task) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			err := fn(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				log.Warn("supervised task died, respawning", "task", name, "error", err)
				continue
			}
			// fn returned nil without ctx being canceled: still respawn,
			// since a supervised task is expected to run forever.
			log.Debug("supervised task exited cleanly, respawning", "task", name)
		}
	}()

	return &Handle{cancel: cancel, done: done}
}

// Cancel stops future respawns without waiting for the goroutine to
// exit. Use it before closing whatever resource the task blocks on, then
// Stop to wait.
func (h *Handle) Cancel() {
	h.cancel()
}

// Stop cancels the task and waits for its goroutine to exit.
func (h *Handle) Stop() {
	h.cancel()
	<-h.done
}
