package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"tunnelcore/internal/core"
)

// pollStep is the delay between reachability probes.
const pollStep = 250 * time.Millisecond

// PollPort dials addr repeatedly until it accepts a TCP connection or the
// timeout expires. Every startup step validates its predecessor this way
// before the next component layers on top.
func PollPort(ctx context.Context, addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	var lastErr error

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := net.DialTimeout("tcp", addr, pollStep)
		if err == nil {
			conn.Close()
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollStep):
		}
	}
	return fmt.Errorf("port %s not reachable within %s: %w", addr, timeout, lastErr)
}

// PollReady waits for the handle's secondary readiness signal. Transports
// that must be ready before anything layers on top (secure channel
// establishment) get a much longer budget than plain port reachability.
func PollReady(ctx context.Context, h Handle, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !h.IsAlive() {
			return fmt.Errorf("transport %s died while waiting for readiness", h.Kind())
		}
		if h.IsReady() {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollStep):
		}
	}
	core.Log.Warnf("Transport", "%s readiness signal not seen within %s", h.Kind(), timeout)
	return fmt.Errorf("transport %s not ready within %s", h.Kind(), timeout)
}
