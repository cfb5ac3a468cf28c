// Package signals turns process shutdown signals into context cancellation.
package signals

import (
	"context"
	"os"
	"os/signal"
	"slices"
)

// ShutdownSignals returns the signals that trigger graceful shutdown.
func ShutdownSignals() []os.Signal {
	return slices.Clone(shutdownSignals)
}

// NotifyContext returns a copy of parent that is cancelled on the first
// shutdown signal. Calling stop releases the signal handler; a second
// signal after that terminates the process as usual.
func NotifyContext(parent context.Context) (ctx context.Context, stop context.CancelFunc) {
	return signal.NotifyContext(parent, shutdownSignals...)
}
