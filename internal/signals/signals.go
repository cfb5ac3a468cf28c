//go:build !unix

package signals

import "os"

// On non-Unix platforms (e.g. Windows) only Interrupt is available.
var shutdownSignals = []os.Signal{os.Interrupt}
