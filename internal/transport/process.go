package transport

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os/exec"
	"sync"
	"time"

	"tunnelcore/internal/core"
)

// ProcessSpec describes an external pluggable-transport client to launch
// (Tor with optional Snowflake bridges). The binary must expose a SOCKS5
// proxy at ProxyAddr once up.
type ProcessSpec struct {
	Kind      core.TunnelKind
	Binary    string
	Args      []string
	Env       []string
	ProxyAddr string
}

// processHandle supervises one external transport process.
type processHandle struct {
	spec ProcessSpec
	cmd  *exec.Cmd

	mu     sync.Mutex
	exited bool

	stopOnce sync.Once
	waitDone chan struct{}
}

// StartProcess launches the external transport and begins collecting its
// output. The caller polls ProxyAddr for reachability; liveness here only
// means the process has not exited.
func StartProcess(spec ProcessSpec) (Handle, error) {
	if spec.Binary == "" {
		return nil, fmt.Errorf("[Transport] no binary configured for %s", spec.Kind)
	}

	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Env = spec.Env

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("[Transport] stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("[Transport] start %s: %w", spec.Binary, err)
	}

	h := &processHandle{
		spec:     spec,
		cmd:      cmd,
		waitDone: make(chan struct{}),
	}

	go h.drainOutput(stdout)
	go func() {
		cmd.Wait()
		h.mu.Lock()
		h.exited = true
		h.mu.Unlock()
		close(h.waitDone)
	}()

	core.Log.Infof("Transport", "Started %s (pid=%d, proxy=%s)", spec.Kind, cmd.Process.Pid, spec.ProxyAddr)
	return h, nil
}

func (h *processHandle) Kind() core.TunnelKind { return h.spec.Kind }
func (h *processHandle) ProxyAddr() string     { return h.spec.ProxyAddr }

func (h *processHandle) IsAlive() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.exited
}

// IsReady probes the process's SOCKS port. Tor-family transports take a
// while to bootstrap after the process is up; port acceptance is the only
// readiness signal they give us.
func (h *processHandle) IsReady() bool {
	if !h.IsAlive() {
		return false
	}
	conn, err := net.DialTimeout("tcp", h.spec.ProxyAddr, time.Second)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Stop asks the process to exit, escalating to SIGKILL after a grace period.
func (h *processHandle) Stop() error {
	h.stopOnce.Do(func() {
		if h.cmd.Process == nil {
			return
		}
		h.cmd.Process.Signal(interruptSignal)

		select {
		case <-h.waitDone:
		case <-time.After(5 * time.Second):
			core.Log.Warnf("Transport", "%s did not exit, killing", h.spec.Kind)
			h.cmd.Process.Kill()
			<-h.waitDone
		}
		core.Log.Infof("Transport", "%s stopped", h.spec.Kind)
	})
	return nil
}

// drainOutput forwards process output to the debug log line by line.
func (h *processHandle) drainOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		core.Log.Debugf("Transport", "%s: %s", h.spec.Kind, scanner.Text())
	}
}
