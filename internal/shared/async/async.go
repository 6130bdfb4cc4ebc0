// Package async holds the concurrency helpers the queue's long-running
// loops share: panic-guarded goroutines for fire-and-forget work, and
// interruptible sleeps for poll loops.
package async

import (
	"context"
	"runtime/debug"
	"time"
)

// PanicLogger captures panic reports from background goroutines.
type PanicLogger interface {
	Error(format string, args ...any)
}

// Go runs fn in a goroutine guarded by panic recovery. Detached result
// delivery and other background work use it so a panic surfaces in the log
// instead of taking the orchestrator process down.
func Go(logger PanicLogger, name string, fn func()) {
	go func() {
		defer Recover(logger, name)
		fn()
	}()
}

// Recover logs panic details without crashing the process.
func Recover(logger PanicLogger, name string) {
	if r := recover(); r != nil {
		if logger == nil {
			return
		}
		if name == "" {
			logger.Error("goroutine panic: %v, stack: %s", r, debug.Stack())
			return
		}
		logger.Error("goroutine panic [%s]: %v, stack: %s", name, r, debug.Stack())
	}
}

// Sleep blocks for d or until ctx is done, whichever comes first. It reports
// true when the full duration elapsed. Poll loops use it so shutdown signals
// interrupt the idle wait instead of the next store round-trip.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
