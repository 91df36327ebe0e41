package endpoint

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"tunnelcore/internal/core"
)

// InnerDial opens the carrier connection the SSH session runs over: a plain
// (protected) TCP dial for the direct SSH kind, or a dial through the inner
// raw tunnel for composite kinds.
type InnerDial func(ctx context.Context, addr string) (net.Conn, error)

// SSHEndpoint runs an SSH client session and opens direct-tcpip channels for
// every bridge CONNECT. One instance exists per connection attempt; the
// orchestrator connects it after the inner transport is ready and closes it
// during teardown.
type SSHEndpoint struct {
	name      string
	addr      string // SSH server host:port
	creds     core.SSHCredentials
	keepAlive time.Duration
	innerDial InnerDial

	mu       sync.Mutex
	client   *ssh.Client
	done     chan struct{}
	doneOnce *sync.Once
}

// NewSSHEndpoint creates an unconnected SSH endpoint.
func NewSSHEndpoint(name, addr string, creds core.SSHCredentials, keepAlive time.Duration, innerDial InnerDial) *SSHEndpoint {
	return &SSHEndpoint{
		name:      name,
		addr:      addr,
		creds:     creds,
		keepAlive: keepAlive,
		innerDial: innerDial,
	}
}

// Name returns the endpoint identifier for logging.
func (e *SSHEndpoint) Name() string { return e.name }

// Connect dials the carrier, runs the SSH handshake, and starts the
// keep-alive loop. Must be called before DialContext.
func (e *SSHEndpoint) Connect(ctx context.Context) error {
	auth, err := e.authMethods()
	if err != nil {
		return err
	}

	carrier, err := e.innerDial(ctx, e.addr)
	if err != nil {
		return fmt.Errorf("[%s] dial carrier %s: %w", e.name, e.addr, err)
	}

	cfg := &ssh.ClientConfig{
		User: e.creds.Username,
		Auth: auth,
		// The profile store pins servers by address, not host key; accepting
		// the presented key matches the consumed contract.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         15 * time.Second,
	}

	if deadline, ok := ctx.Deadline(); ok {
		carrier.SetDeadline(deadline)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(carrier, e.addr, cfg)
	if err != nil {
		carrier.Close()
		return fmt.Errorf("[%s] SSH handshake: %w", e.name, err)
	}
	carrier.SetDeadline(time.Time{})

	client := ssh.NewClient(sshConn, chans, reqs)

	e.mu.Lock()
	e.client = client
	e.done = make(chan struct{})
	e.doneOnce = &sync.Once{}
	done, once := e.done, e.doneOnce
	e.mu.Unlock()

	if e.keepAlive > 0 {
		go e.keepAliveLoop(client, done, once)
	}

	core.Log.Infof("Transport", "SSH session established to %s (user=%s)", e.addr, e.creds.Username)
	return nil
}

func (e *SSHEndpoint) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if e.creds.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if e.creds.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(e.creds.PrivateKey), []byte(e.creds.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(e.creds.PrivateKey))
		}
		if err != nil {
			return nil, fmt.Errorf("[%s] parse private key: %w", e.name, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if e.creds.Password != "" {
		methods = append(methods, ssh.Password(e.creds.Password))
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("[%s] no SSH auth method available", e.name)
	}
	return methods, nil
}

// DialContext opens a direct-tcpip channel to addr.
func (e *SSHEndpoint) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	e.mu.Lock()
	client := e.client
	e.mu.Unlock()
	if client == nil {
		return nil, fmt.Errorf("[%s] SSH session not connected", e.name)
	}

	conn, err := dialDetached(ctx, func() (net.Conn, error) {
		return client.Dial(network, addr)
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("[%s] open channel to %s: %w", e.name, addr, err)
	}
	return conn, nil
}

// dialDetached runs dial in its own goroutine so the caller can give up on
// ctx expiry without blocking. A dial that completes after the caller has
// gone is closed rather than leaked against the server's channel limit.
func dialDetached(ctx context.Context, dial func() (net.Conn, error)) (net.Conn, error) {
	type dialResult struct {
		conn net.Conn
		err  error
	}
	ch := make(chan dialResult, 1)
	go func() {
		conn, err := dial()
		ch <- dialResult{conn, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if res := <-ch; res.conn != nil {
				res.conn.Close()
			}
		}()
		return nil, ctx.Err()
	case res := <-ch:
		return res.conn, res.err
	}
}

// Alive reports whether the SSH session is still up.
func (e *SSHEndpoint) Alive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.client == nil {
		return false
	}
	select {
	case <-e.done:
		return false
	default:
		return true
	}
}

// Close tears down the SSH session and stops the keep-alive loop.
func (e *SSHEndpoint) Close() error {
	e.mu.Lock()
	client := e.client
	done, once := e.done, e.doneOnce
	e.client = nil
	e.mu.Unlock()

	if done != nil {
		once.Do(func() { close(done) })
	}
	if client != nil {
		return client.Close()
	}
	return nil
}

// keepAliveLoop sends periodic keepalive requests; two consecutive failures
// close the session so supervision notices.
func (e *SSHEndpoint) keepAliveLoop(client *ssh.Client, done chan struct{}, once *sync.Once) {
	ticker := time.NewTicker(e.keepAlive)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
			if err != nil {
				failures++
				core.Log.Warnf("Transport", "SSH keepalive failed (%d): %v", failures, err)
				if failures >= 2 {
					client.Close()
					once.Do(func() { close(done) })
					return
				}
				continue
			}
			failures = 0
		}
	}
}
