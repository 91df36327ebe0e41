package dnspool

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/miekg/dns"

	"tunnelcore/internal/core"
)

// testEndpoint routes DialContext through a test-supplied function and
// records every dialed address.
type testEndpoint struct {
	mu     sync.Mutex
	dials  []string
	dialFn func(addr string) (net.Conn, error)
}

func (e *testEndpoint) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	e.mu.Lock()
	e.dials = append(e.dials, addr)
	e.mu.Unlock()
	return e.dialFn(addr)
}

func (e *testEndpoint) Name() string { return "test" }
func (e *testEndpoint) Close() error { return nil }

func (e *testEndpoint) dialCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.dials)
}

// startDNSServer runs a DNS-over-TCP responder that answers every query with
// an A record for the given IPv4 address.
func startDNSServer(t *testing.T, answer net.IP) (string, func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("dns server listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go serveDNSConn(conn, answer)
		}
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func serveDNSConn(conn net.Conn, answer net.IP) {
	defer conn.Close()
	for {
		lenBuf := make([]byte, 2)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return
		}
		query := make([]byte, int(lenBuf[0])<<8|int(lenBuf[1]))
		if _, err := io.ReadFull(conn, query); err != nil {
			return
		}

		var q dns.Msg
		if err := q.Unpack(query); err != nil {
			return
		}
		resp := new(dns.Msg)
		resp.SetReply(&q)
		if len(q.Question) > 0 {
			resp.Answer = append(resp.Answer, &dns.A{
				Hdr: dns.RR_Header{
					Name:   q.Question[0].Name,
					Rrtype: dns.TypeA,
					Class:  dns.ClassINET,
					Ttl:    60,
				},
				A: answer,
			})
		}
		packed, err := resp.Pack()
		if err != nil {
			return
		}
		framed := append([]byte{byte(len(packed) >> 8), byte(len(packed))}, packed...)
		if _, err := conn.Write(framed); err != nil {
			return
		}
	}
}

func testQuery(t *testing.T, name string) []byte {
	t.Helper()
	m := new(dns.Msg)
	m.SetQuestion(name, dns.TypeA)
	query, err := m.Pack()
	if err != nil {
		t.Fatalf("pack query: %v", err)
	}
	return query
}

func answeredIP(t *testing.T, resp []byte) net.IP {
	t.Helper()
	var m dns.Msg
	if err := m.Unpack(resp); err != nil {
		t.Fatalf("unpack response: %v", err)
	}
	if len(m.Answer) == 0 {
		t.Fatalf("response has no answers")
	}
	a, ok := m.Answer[0].(*dns.A)
	if !ok {
		t.Fatalf("answer is %T, want A", m.Answer[0])
	}
	return a.A
}

func resolverList(addr string) []core.DNSServer {
	host, port, _ := net.SplitHostPort(addr)
	var p int
	fmt.Sscanf(port, "%d", &p)
	return []core.DNSServer{{Host: host, Port: p}}
}

// fillSlots dials one worker per slot up front, bypassing the keepalive task.
func fillSlots(t *testing.T, p *Pool) {
	t.Helper()
	for i, s := range p.slots {
		conn, err := p.dialWorker(context.Background())
		if err != nil {
			t.Fatalf("fill slot %d: %v", i, err)
		}
		s.conn = conn
	}
}

func TestResolvePhase1UsesPooledWorker(t *testing.T) {
	addr, stop := startDNSServer(t, net.IPv4(10, 1, 2, 3))
	defer stop()

	ep := &testEndpoint{dialFn: func(a string) (net.Conn, error) { return net.Dial("tcp", a) }}
	p := newPool(ep, resolverList(addr), "", 3)
	defer p.Stop()
	fillSlots(t, p)

	dialsBefore := ep.dialCount()
	resp, err := p.Resolve(context.Background(), testQuery(t, "phase1.test."))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := answeredIP(t, resp); !got.Equal(net.IPv4(10, 1, 2, 3)) {
		t.Errorf("answer %v, want 10.1.2.3", got)
	}
	if ep.dialCount() != dialsBefore {
		t.Errorf("phase 1 with alive workers must not dial, saw %d new dials", ep.dialCount()-dialsBefore)
	}
}

func TestAllSlotsDeadTriggersSingleRecreation(t *testing.T) {
	addr, stop := startDNSServer(t, net.IPv4(10, 0, 0, 9))
	defer stop()

	ep := &testEndpoint{dialFn: func(a string) (net.Conn, error) { return net.Dial("tcp", a) }}
	p := newPool(ep, resolverList(addr), "", 10)
	defer p.Stop()
	// All ten slots empty: the worst case the recreation lock exists for.

	resp, err := p.Resolve(context.Background(), testQuery(t, "dead-pool.test."))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	answeredIP(t, resp)

	if got := ep.dialCount(); got != 1 {
		t.Errorf("expected exactly 1 recreation dial, got %d", got)
	}
}

func TestRoundRobinStartIndexIncrements(t *testing.T) {
	addr, stop := startDNSServer(t, net.IPv4(10, 0, 0, 1))
	defer stop()

	ep := &testEndpoint{dialFn: func(a string) (net.Conn, error) { return net.Dial("tcp", a) }}
	p := newPool(ep, resolverList(addr), "", 10)
	defer p.Stop()
	fillSlots(t, p)

	for k := 0; k < 23; k++ {
		before := p.next.Load()
		if _, err := p.Resolve(context.Background(), testQuery(t, "rr.test.")); err != nil {
			t.Fatalf("resolve %d: %v", k, err)
		}
		start := int(before) % p.size
		wantStart := k % p.size
		if start != wantStart {
			t.Fatalf("call %d: start index %d, want %d", k, start, wantStart)
		}
	}
}

func TestFirstCreationFailoverToSecondary(t *testing.T) {
	addr, stop := startDNSServer(t, net.IPv4(10, 0, 0, 2))
	defer stop()

	primary := "192.0.2.1:53" // TEST-NET, never dialed for real
	ep := &testEndpoint{dialFn: func(a string) (net.Conn, error) {
		if a == primary {
			return nil, fmt.Errorf("host unreachable")
		}
		return net.Dial("tcp", a)
	}}

	host, portStr, _ := net.SplitHostPort(addr)
	var port int
	fmt.Sscanf(portStr, "%d", &port)
	resolvers := []core.DNSServer{
		{Host: "192.0.2.1", Port: 53},
		{Host: host, Port: port},
	}

	p := newPool(ep, resolvers, "", 3)
	defer p.Stop()

	resp, err := p.Resolve(context.Background(), testQuery(t, "failover.test."))
	if err != nil {
		t.Fatalf("resolve after failover: %v", err)
	}
	answeredIP(t, resp)

	if p.resolverIdx.Load() != 1 {
		t.Errorf("expected permanent failover to secondary resolver")
	}

	// Subsequent workers must go straight to the secondary.
	dialsBefore := ep.dialCount()
	if _, err := p.dialWorker(context.Background()); err != nil {
		t.Fatalf("dial after failover: %v", err)
	}
	e := ep.dials[dialsBefore:]
	if len(e) != 1 || e[0] == primary {
		t.Errorf("post-failover dials went to %v, want only the secondary", e)
	}
}

func TestDeadWorkerMarkedAndScanContinues(t *testing.T) {
	addr, stop := startDNSServer(t, net.IPv4(10, 0, 0, 7))
	defer stop()

	ep := &testEndpoint{dialFn: func(a string) (net.Conn, error) { return net.Dial("tcp", a) }}
	p := newPool(ep, resolverList(addr), "", 3)
	defer p.Stop()
	fillSlots(t, p)

	// Kill slot 0's connection server-side view by closing it locally; the
	// next exchange through it fails and the scan moves on.
	p.slots[0].conn.Close()

	resp, err := p.Resolve(context.Background(), testQuery(t, "deadslot.test."))
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	answeredIP(t, resp)

	if p.slots[0].conn != nil {
		t.Errorf("failed slot must be marked dead (nil conn)")
	}
}

func TestConcurrentRecreationsUseDistinctSlots(t *testing.T) {
	addr, stop := startDNSServer(t, net.IPv4(10, 0, 0, 5))
	defer stop()

	// Slow dials keep both callers inside phase 2 at the same time; each must
	// recreate its own slot rather than contend on a pool-wide lock.
	ep := &testEndpoint{dialFn: func(a string) (net.Conn, error) {
		time.Sleep(50 * time.Millisecond)
		return net.Dial("tcp", a)
	}}
	p := newPool(ep, resolverList(addr), "", 2)
	defer p.Stop()

	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func(i int) {
			_, err := p.resolveViaRecreate(context.Background(), testQuery(t, fmt.Sprintf("concurrent%d.test.", i)), i)
			errs <- err
		}(i)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("concurrent recreation: %v", err)
		}
	}

	if got := ep.dialCount(); got != 2 {
		t.Errorf("expected one recreation per caller (2 dials), got %d", got)
	}
	for i, s := range p.slots {
		s.mu.Lock()
		alive := s.conn != nil
		s.mu.Unlock()
		if !alive {
			t.Errorf("slot %d not recreated", i)
		}
	}
}

func TestKeepAliveRefillsEmptySlots(t *testing.T) {
	addr, stop := startDNSServer(t, net.IPv4(10, 0, 0, 4))
	defer stop()

	ep := &testEndpoint{dialFn: func(a string) (net.Conn, error) { return net.Dial("tcp", a) }}
	p := newPool(ep, resolverList(addr), "", 2)
	defer p.Stop()

	p.refill()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		alive := 0
		for _, s := range p.slots {
			s.mu.Lock()
			if s.conn != nil {
				alive++
			}
			s.mu.Unlock()
		}
		if alive == p.size {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("refill did not fill all empty slots")
}
