//go:build unix

package signals

import (
	"os"
	"syscall"
)

// SIGTERM comes from Docker and process managers.
var shutdownSignals = []os.Signal{os.Interrupt, syscall.SIGTERM}
