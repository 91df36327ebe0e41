package orchestrator

import (
	"context"
	"time"

	"tunnelcore/internal/core"
	"tunnelcore/internal/platform"
)

// staleCheckThreshold is how many consecutive zero-delta byte samples are
// logged as a stale-traffic advisory. Advisory only, never a teardown
// trigger: an idle phone legitimately moves no bytes.
const staleCheckThreshold = 3

// healthLoop supervises the active session: liveness of transport and SSH
// layers on a fixed interval after a grace delay, plus byte-counter
// sampling from the traffic splitter.
func (o *Orchestrator) healthLoop(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(o.settings.HealthGrace):
	}

	ticker := time.NewTicker(o.settings.HealthInterval)
	defer ticker.Stop()

	var lastTx, lastRx int64
	staleChecks := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		o.mu.Lock()
		state := o.state
		sess := o.sess
		var plane *dataPlane
		if sess != nil {
			plane = sess.plane
		}
		o.mu.Unlock()
		if state != core.StateConnected || sess == nil {
			return
		}

		if plane == nil || !plane.alive() {
			core.Log.Warnf("Orchestrator", "Health check failed: transport layer down")
			o.handleSupervisionFailure(ctx, "transport layer down")
			return
		}

		if sess.tun != nil {
			tx, rx := sess.tun.Stats()
			if tx == lastTx && rx == lastRx {
				staleChecks++
				if staleChecks == staleCheckThreshold {
					core.Log.Warnf("Orchestrator", "No traffic for %d checks (advisory)", staleChecks)
				}
			} else {
				staleChecks = 0
			}
			lastTx, lastRx = tx, rx
		}
	}
}

// handleSupervisionFailure applies the kill-switch-or-teardown policy after
// a failed health check.
func (o *Orchestrator) handleSupervisionFailure(ctx context.Context, reason string) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	// A connect/disconnect or a network-change reconnection may have raced
	// us to the lock; re-verify the failure still stands.
	if ctx.Err() != nil {
		return
	}
	o.mu.Lock()
	state := o.state
	sess := o.sess
	var plane *dataPlane
	if sess != nil {
		plane = sess.plane
	}
	o.mu.Unlock()
	if state != core.StateConnected || sess == nil {
		return
	}
	if plane != nil && plane.alive() {
		return
	}

	if o.settings.KillSwitch {
		core.Log.Warnf("Orchestrator", "Kill switch engaged: %s", reason)
		o.transition(core.StateKillSwitchActive, sess.profile.Name, "")

		// Interface stays up so default routes keep pointing into it,
		// blocking all egress while the transport is down.
		if plane != nil {
			plane.stop()
		}
		o.mu.Lock()
		sess.plane = nil
		o.mu.Unlock()
		sess.tun.DetachSplitter()

		o.supWG.Add(1)
		go func() {
			defer o.supWG.Done()
			o.killSwitchLoop(ctx, sess)
		}()
		return
	}

	core.Log.Errorf("Orchestrator", "Supervision failure, tearing down: %s", reason)
	o.transition(core.StateError, sess.profile.Name, reason)
	sess.teardown(false)
	o.mu.Lock()
	o.sess = nil
	o.mu.Unlock()
	o.transition(core.StateDisconnected, "", "")
}

// killSwitchLoop schedules timed reconnection attempts while the interface
// blocks all egress. Only explicit disconnect or retry exhaustion removes
// the interface.
func (o *Orchestrator) killSwitchLoop(ctx context.Context, sess *session) {
	retries := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.settings.ReconnectInterval):
		}

		retries++
		core.Log.Infof("Orchestrator", "Kill-switch reconnect attempt %d", retries)

		if o.tryRestoreDataPlane(ctx, sess) {
			return
		}

		if o.settings.ReconnectMaxRetries > 0 && retries >= o.settings.ReconnectMaxRetries {
			o.exhaustReconnects(ctx, sess)
			return
		}
	}
}

// tryRestoreDataPlane rebuilds the data plane onto the kept interface and,
// on success, transitions back to Connected and restarts the health loop.
func (o *Orchestrator) tryRestoreDataPlane(ctx context.Context, sess *session) bool {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if ctx.Err() != nil {
		return true // supervision cancelled, stop retrying
	}
	if o.State() != core.StateKillSwitchActive {
		return true
	}

	plane, err := o.startDataPlane(ctx, sess.profile)
	if err != nil {
		core.Log.Warnf("Orchestrator", "Reconnect attempt failed: %v", err)
		return false
	}
	if err := sess.tun.AttachSplitter(plane.brd.Addr()); err != nil {
		core.Log.Warnf("Orchestrator", "Reattach splitter failed: %v", err)
		plane.stop()
		return false
	}

	o.mu.Lock()
	sess.plane = plane
	o.sess = sess
	o.mu.Unlock()
	o.transition(core.StateConnected, sess.profile.Name, "")
	core.Log.Infof("Orchestrator", "Reconnected after kill switch")

	o.supWG.Add(1)
	go func() {
		defer o.supWG.Done()
		o.healthLoop(ctx)
	}()
	return true
}

// exhaustReconnects gives up on the kill-switch session: the interface comes
// down and the failure surfaces as Error.
func (o *Orchestrator) exhaustReconnects(ctx context.Context, sess *session) {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	if ctx.Err() != nil || o.State() != core.StateKillSwitchActive {
		return
	}

	core.Log.Errorf("Orchestrator", "Reconnection exhausted after %d attempts", o.settings.ReconnectMaxRetries)
	o.transition(core.StateError, sess.profile.Name, "reconnection attempts exhausted")
	sess.teardown(false)
	o.mu.Lock()
	o.sess = nil
	o.mu.Unlock()
	o.transition(core.StateDisconnected, "", "")
}

// reconnectAfterNetworkChange restarts transport and bridge after a
// (debounced) link change. The virtual interface is left attached; only the
// data plane is replaced, then the splitter is pointed at the new bridge.
func (o *Orchestrator) reconnectAfterNetworkChange() {
	o.opMu.Lock()
	defer o.opMu.Unlock()

	now := platform.CaptureSnapshot()

	o.mu.Lock()
	state := o.state
	sess := o.sess
	supCtx := o.supCtx
	addrsMoved := !now.Equal(o.lastNet)
	o.lastNet = now
	var plane *dataPlane
	if state == core.StateConnected && sess != nil {
		plane = sess.plane
		sess.plane = nil
	}
	o.mu.Unlock()
	if state != core.StateConnected || sess == nil || supCtx == nil {
		return
	}

	if addrsMoved {
		core.Log.Infof("Orchestrator", "Network changed (local addresses moved), restarting transport (interface kept)")
	} else {
		core.Log.Infof("Orchestrator", "Network changed (route/link event), restarting transport (interface kept)")
	}

	sess.tun.DetachSplitter()
	if plane != nil {
		plane.stop()
	}

	plane, err := o.startDataPlane(supCtx, sess.profile)
	if err == nil {
		err = sess.tun.AttachSplitter(plane.brd.Addr())
		if err != nil {
			plane.stop()
		}
	}
	if err != nil {
		if supCtx.Err() != nil {
			return
		}
		core.Log.Errorf("Orchestrator", "Reconnection after network change failed: %v", err)
		if o.settings.KillSwitch {
			o.transition(core.StateKillSwitchActive, sess.profile.Name, "")
			o.supWG.Add(1)
			go func() {
				defer o.supWG.Done()
				o.killSwitchLoop(supCtx, sess)
			}()
		} else {
			o.transition(core.StateError, sess.profile.Name, err.Error())
			sess.teardown(false)
			o.mu.Lock()
			o.sess = nil
			o.mu.Unlock()
			o.transition(core.StateDisconnected, "", "")
		}
		return
	}

	o.mu.Lock()
	sess.plane = plane
	o.mu.Unlock()
	core.Log.Infof("Orchestrator", "Transport restarted after network change (bridge=%s)", plane.brd.Addr())
}
