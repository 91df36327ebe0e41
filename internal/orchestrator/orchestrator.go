// Package orchestrator owns the connection lifecycle: the state machine, the
// tunnel-kind-specific startup sequencing, and the supervision (health loop,
// network-change reconnection, kill switch) that runs while connected.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/bep/debounce"
	"github.com/google/uuid"

	"tunnelcore/internal/core"
	"tunnelcore/internal/platform"
)

// Deps are the collaborators handed to the orchestrator at construction. All
// of them are owned by the host; the orchestrator only calls them.
type Deps struct {
	Host      platform.VPNHost
	Native    platform.NativeTransport
	Protector platform.SocketProtector
	Notifier  platform.NetworkNotifier
	Bus       *core.EventBus
	Settings  core.Settings
}

// Orchestrator drives one connection at a time through the state machine.
// There is a single authoritative ConnectionState per instance; the UI
// collaborator observes it through the event bus.
type Orchestrator struct {
	deps     Deps
	settings core.Settings
	stats    *StatsCollector

	// opMu serializes whole connect/disconnect sequences. A disconnect that
	// arrives during a connect blocks here until the connect has released its
	// listening ports.
	opMu sync.Mutex

	// mu guards the fields below.
	mu            sync.Mutex
	state         core.ConnectionState
	status        core.ConnectionStatus
	sess          *session
	lastNet       platform.NetworkSnapshot
	attemptCancel context.CancelFunc
	supCtx        context.Context
	supCancel     context.CancelFunc

	supWG sync.WaitGroup

	debounced       func(func())
	notifierStarted bool
}

// New creates an orchestrator in the Disconnected state.
func New(deps Deps) *Orchestrator {
	settings := deps.Settings.Defaults()
	return &Orchestrator{
		deps:      deps,
		settings:  settings,
		stats:     NewStatsCollector(deps.Bus),
		state:     core.StateDisconnected,
		status:    core.ConnectionStatus{State: core.StateDisconnected},
		debounced: debounce.New(settings.NetworkDebounce),
	}
}

// Start begins stats collection and network-change monitoring. Connect works
// without Start, but no reconnection supervision runs until it is called.
func (o *Orchestrator) Start() error {
	o.stats.Start()

	if o.deps.Notifier != nil {
		if err := o.deps.Notifier.Start(o.onNetworkEvent); err != nil {
			return fmt.Errorf("[Orchestrator] start network notifier: %w", err)
		}
		o.mu.Lock()
		o.notifierStarted = true
		o.mu.Unlock()
	}
	core.Log.Infof("Orchestrator", "Started (killswitch=%v, health=%s, debounce=%s)",
		o.settings.KillSwitch, o.settings.HealthInterval, o.settings.NetworkDebounce)
	return nil
}

// Stop disconnects if needed and releases the orchestrator's own resources.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	started := o.notifierStarted
	o.notifierStarted = false
	o.mu.Unlock()

	err := o.Disconnect()

	if started {
		o.deps.Notifier.Stop()
	}
	o.stats.Stop()
	return err
}

// State returns the current connection state.
func (o *Orchestrator) State() core.ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Status returns the full observable status.
func (o *Orchestrator) Status() core.ConnectionStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.status
}

// Connect establishes a tunnel for the profile. A connect while another
// connect is in flight cancels the earlier one and waits for its ports to be
// released before binding. A connect while connected rolls the existing
// session down first.
func (o *Orchestrator) Connect(ctx context.Context, profile core.TunnelProfile) error {
	if err := profile.Validate(); err != nil {
		return err
	}

	// Cancel any in-flight attempt and supervision before queueing behind
	// opMu; the in-flight sequence unwinds and releases its ports under the
	// lock we are about to take.
	o.cancelSupervision()
	o.cancelAttempt()

	o.opMu.Lock()
	defer o.opMu.Unlock()

	attemptCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.mu.Lock()
	o.attemptCancel = cancel
	o.mu.Unlock()

	attempt := uuid.NewString()[:8]
	core.Log.Infof("Orchestrator", "[%s] Connect: profile=%s kind=%s", attempt, profile.Name, profile.Kind)

	o.releaseCurrentLocked(attempt)

	if !o.transition(core.StateConnecting, profile.Name, "") {
		return fmt.Errorf("[Orchestrator] cannot connect from state %s", o.State())
	}

	sess, err := o.startSequence(attemptCtx, profile)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			core.Log.Infof("Orchestrator", "[%s] Connect cancelled", attempt)
			o.transition(core.StateDisconnecting, profile.Name, "")
			o.transition(core.StateDisconnected, "", "")
			return err
		}
		core.Log.Errorf("Orchestrator", "[%s] Connect failed: %v", attempt, err)
		o.transition(core.StateError, profile.Name, err.Error())
		o.transition(core.StateDisconnected, "", "")
		return err
	}

	o.mu.Lock()
	o.sess = sess
	o.lastNet = platform.CaptureSnapshot()
	o.mu.Unlock()
	o.stats.Reset()

	o.transition(core.StateConnected, profile.Name, "")
	core.Log.Infof("Orchestrator", "[%s] Connected: bridge=%s", attempt, sess.plane.brd.Addr())

	o.startSupervision()
	return nil
}

// Disconnect tears the active session down. It waits for any in-flight
// connect to fully release its resources first.
func (o *Orchestrator) Disconnect() error {
	o.cancelSupervision()
	o.cancelAttempt()

	o.opMu.Lock()
	defer o.opMu.Unlock()

	o.mu.Lock()
	state := o.state
	sess := o.sess
	o.mu.Unlock()

	switch state {
	case core.StateDisconnected:
		return nil
	case core.StateError:
		o.transition(core.StateDisconnected, "", "")
		return nil
	}

	core.Log.Infof("Orchestrator", "Disconnect requested (state=%s)", state)
	o.transition(core.StateDisconnecting, o.Status().Profile, "")
	if sess != nil {
		sess.teardown(false)
		o.mu.Lock()
		o.sess = nil
		o.mu.Unlock()
	}
	o.transition(core.StateDisconnected, "", "")
	return nil
}

// releaseCurrentLocked rolls down whatever session state is left over before
// a new connect. Caller holds opMu.
func (o *Orchestrator) releaseCurrentLocked(attempt string) {
	o.mu.Lock()
	state := o.state
	sess := o.sess
	o.mu.Unlock()

	switch state {
	case core.StateConnected, core.StateKillSwitchActive:
		core.Log.Infof("Orchestrator", "[%s] Rolling down previous session first", attempt)
		o.transition(core.StateDisconnecting, o.Status().Profile, "")
		if sess != nil {
			sess.teardown(false)
		}
		o.mu.Lock()
		o.sess = nil
		o.mu.Unlock()
		o.transition(core.StateDisconnected, "", "")
	case core.StateError:
		o.transition(core.StateDisconnected, "", "")
	}
}

// transition moves the state machine along a validated edge and publishes the
// change. Invalid edges are refused and logged.
func (o *Orchestrator) transition(to core.ConnectionState, profileName, message string) bool {
	o.mu.Lock()
	from := o.state
	if from == to {
		o.mu.Unlock()
		return true
	}
	if !core.CanTransition(from, to) {
		o.mu.Unlock()
		core.Log.Errorf("Orchestrator", "Refusing invalid transition %s -> %s", from, to)
		return false
	}
	o.state = to
	o.status = core.ConnectionStatus{State: to, Profile: profileName, Message: message}
	status := o.status
	o.mu.Unlock()

	core.Log.Infof("Orchestrator", "State %s -> %s", from, to)
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(core.Event{
			Type:    core.EventConnectionStateChanged,
			Payload: core.ConnectionStatePayload{Old: from, Status: status},
		})
	}
	return true
}

func (o *Orchestrator) cancelAttempt() {
	o.mu.Lock()
	cancel := o.attemptCancel
	o.attemptCancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// startSupervision launches the health loop under a fresh supervision
// context. Caller holds opMu.
func (o *Orchestrator) startSupervision() {
	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.supCtx = ctx
	o.supCancel = cancel
	o.mu.Unlock()

	o.supWG.Add(1)
	go func() {
		defer o.supWG.Done()
		o.healthLoop(ctx)
	}()
}

// cancelSupervision stops the health loop and any scheduled reconnection and
// waits for them to exit.
func (o *Orchestrator) cancelSupervision() {
	o.mu.Lock()
	cancel := o.supCancel
	o.supCancel = nil
	o.supCtx = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	o.supWG.Wait()
}

// onNetworkEvent is the raw notifier callback. Bursts are collapsed into a
// single reconnection trigger by the debouncer.
func (o *Orchestrator) onNetworkEvent() {
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(core.Event{Type: core.EventNetworkChanged})
	}
	o.debounced(o.reconnectAfterNetworkChange)
}
