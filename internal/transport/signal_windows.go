//go:build windows

package transport

import "os"

// interruptSignal is the graceful-stop signal sent to external transports.
// Windows has no SIGTERM delivery; Kill is the escalation path anyway.
var interruptSignal = os.Interrupt
