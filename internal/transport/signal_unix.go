//go:build !windows

package transport

import "syscall"

// interruptSignal is the graceful-stop signal sent to external transports.
var interruptSignal = syscall.SIGTERM
