package transport

import (
	"context"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"tunnelcore/internal/core"
)

func TestPollPortSucceedsOnceListening(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	if err := PollPort(context.Background(), ln.Addr().String(), 2*time.Second); err != nil {
		t.Fatalf("poll of live port: %v", err)
	}
}

func TestPollPortTimesOut(t *testing.T) {
	// Reserve a port and close it so nothing listens there.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	start := time.Now()
	if err := PollPort(context.Background(), addr, 600*time.Millisecond); err == nil {
		t.Fatal("expected timeout on dead port")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("poll overshot its budget: %s", elapsed)
	}
}

func TestPollPortHonorsCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err = PollPort(ctx, addr, 10*time.Second)
	if err == nil {
		t.Fatal("expected error after cancel")
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("cancel not observed promptly: %s", elapsed)
	}
}

// pollHandle fakes a transport handle whose readiness flips after a delay.
type pollHandle struct {
	alive atomic.Bool
	ready atomic.Bool
}

func (h *pollHandle) Kind() core.TunnelKind { return core.KindDNSQuic }
func (h *pollHandle) ProxyAddr() string     { return "127.0.0.1:0" }
func (h *pollHandle) IsAlive() bool         { return h.alive.Load() }
func (h *pollHandle) IsReady() bool         { return h.ready.Load() }
func (h *pollHandle) Stop() error           { return nil }

func TestPollReadyWaitsForSignal(t *testing.T) {
	h := &pollHandle{}
	h.alive.Store(true)
	go func() {
		time.Sleep(150 * time.Millisecond)
		h.ready.Store(true)
	}()

	if err := PollReady(context.Background(), h, 3*time.Second); err != nil {
		t.Fatalf("poll ready: %v", err)
	}
}

func TestPollReadyFailsFastOnDeadTransport(t *testing.T) {
	h := &pollHandle{} // never alive

	start := time.Now()
	if err := PollReady(context.Background(), h, 10*time.Second); err == nil {
		t.Fatal("expected failure for dead transport")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("dead transport not detected fast: %s", elapsed)
	}
}
