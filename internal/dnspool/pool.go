// Package dnspool keeps a fixed set of persistent DNS-over-TCP connections
// open through the active tunnel so that resolution does not pay a fresh
// tunnel round-trip per query. Resolution escalates through four phases:
// pooled workers, a single worker recreation, a one-shot connection, and
// finally DNS-over-HTTPS.
package dnspool

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miekg/dns"

	"tunnelcore/internal/core"
	"tunnelcore/internal/endpoint"
)

const (
	defaultPoolSize   = 10
	keepAliveInterval = 30 * time.Second
	exchangeTimeout   = 10 * time.Second

	// probeName is resolved to verify a freshly created worker actually
	// reaches a resolver before the slot is considered alive.
	probeName = "example.com."
)

// slot holds one pooled worker connection. A nil conn means the slot is dead
// or was never filled. createMu serializes recreation of this slot so two
// callers landing on it trigger one recreation, not two; distinct slots
// recreate independently.
type slot struct {
	mu       sync.Mutex
	createMu sync.Mutex
	conn     net.Conn
}

// Pool is the DNS resolution worker pool. It dials resolvers exclusively
// through the supplied endpoint; it never touches the physical network.
type Pool struct {
	ep        endpoint.Endpoint
	resolvers []core.DNSServer
	doh       *dohClient
	size      int

	slots []*slot
	next  atomic.Uint32

	// resolverIdx switches from the primary to the secondary resolver at
	// most once, and only if no worker was ever created on the primary.
	resolverIdx atomic.Int32
	everCreated atomic.Bool
	failedOver  atomic.Bool

	wg       sync.WaitGroup
	stop     chan struct{}
	stopOnce sync.Once
}

// New creates a pool of the default size. dohURL may be empty, which
// disables the phase-4 fallback.
func New(ep endpoint.Endpoint, resolvers []core.DNSServer, dohURL string) *Pool {
	return newPool(ep, resolvers, dohURL, defaultPoolSize)
}

func newPool(ep endpoint.Endpoint, resolvers []core.DNSServer, dohURL string, size int) *Pool {
	p := &Pool{
		ep:        ep,
		resolvers: resolvers,
		size:      size,
		slots:     make([]*slot, size),
		stop:      make(chan struct{}),
	}
	for i := range p.slots {
		p.slots[i] = &slot{}
	}
	if dohURL != "" {
		p.doh = newDoHClient(dohURL, ep.DialContext)
	}
	return p
}

// Start launches the keepalive task, which also performs the initial warm
// fill. Resolve works before warm-up completes; it just escalates sooner.
func (p *Pool) Start() {
	p.wg.Add(1)
	go p.keepAliveLoop()
}

// Stop shuts the keepalive task down and closes every worker connection.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()

	for _, s := range p.slots {
		s.mu.Lock()
		if s.conn != nil {
			s.conn.Close()
			s.conn = nil
		}
		s.mu.Unlock()
	}
	core.Log.Infof("DNSPool", "Stopped")
}

// Resolve answers one DNS query, escalating through the four phases. The
// returned bytes are a complete DNS response message.
func (p *Pool) Resolve(ctx context.Context, query []byte) ([]byte, error) {
	p.logQueryName(query)

	start := int(p.next.Add(1)-1) % p.size

	// Phase 1: scan the pool from the round-robin start index. Busy slots
	// are skipped, dead ones are marked and skipped.
	for i := 0; i < p.size; i++ {
		s := p.slots[(start+i)%p.size]
		if !s.mu.TryLock() {
			continue
		}
		if s.conn == nil {
			s.mu.Unlock()
			continue
		}
		resp, err := exchange(ctx, s.conn, query)
		if err != nil {
			core.Log.Debugf("DNSPool", "Worker %d failed, marking dead: %v", (start+i)%p.size, err)
			s.conn.Close()
			s.conn = nil
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()
		return resp, nil
	}

	// Phase 2: recreate exactly one worker and retry through it.
	if resp, err := p.resolveViaRecreate(ctx, query, start); err == nil {
		return resp, nil
	} else {
		core.Log.Debugf("DNSPool", "Phase 2 failed: %v", err)
	}

	// Phase 3: one-shot connection, closed after the exchange.
	if resp, err := p.resolveOneShot(ctx, query); err == nil {
		return resp, nil
	} else {
		core.Log.Debugf("DNSPool", "Phase 3 failed: %v", err)
	}

	// Phase 4: DoH.
	if p.doh != nil {
		resp, err := p.doh.Exchange(ctx, query)
		if err == nil {
			return resp, nil
		}
		core.Log.Warnf("DNSPool", "Phase 4 (DoH) failed: %v", err)
		return nil, fmt.Errorf("[DNSPool] all resolution phases failed, last: %w", err)
	}
	return nil, fmt.Errorf("[DNSPool] all resolution phases failed")
}

func (p *Pool) resolveViaRecreate(ctx context.Context, query []byte, start int) ([]byte, error) {
	s := p.slots[start]
	s.createMu.Lock()
	defer s.createMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	// Another resolve may have refilled the slot while we waited for the
	// creation lock.
	if s.conn == nil {
		conn, err := p.dialWorker(ctx)
		if err != nil {
			return nil, fmt.Errorf("recreate worker %d: %w", start, err)
		}
		s.conn = conn
		core.Log.Debugf("DNSPool", "Recreated worker %d", start)
	}

	resp, err := exchange(ctx, s.conn, query)
	if err != nil {
		s.conn.Close()
		s.conn = nil
		return nil, err
	}
	return resp, nil
}

func (p *Pool) resolveOneShot(ctx context.Context, query []byte) ([]byte, error) {
	conn, err := p.dialWorker(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return exchange(ctx, conn, query)
}

// dialWorker opens a DNS-over-TCP connection to the current resolver through
// the tunnel. If the very first worker creation fails on the primary
// resolver, the pool fails over to the secondary once, permanently.
func (p *Pool) dialWorker(ctx context.Context) (net.Conn, error) {
	resolver := p.resolvers[p.resolverIdx.Load()]
	conn, err := p.ep.DialContext(ctx, "tcp", resolver.Addr())
	if err == nil {
		p.everCreated.Store(true)
		return conn, nil
	}

	if !p.everCreated.Load() && len(p.resolvers) > 1 &&
		p.failedOver.CompareAndSwap(false, true) {
		p.resolverIdx.Store(1)
		secondary := p.resolvers[1]
		core.Log.Warnf("DNSPool", "Primary resolver %s never reachable (%v), failing over to %s",
			resolver.Addr(), err, secondary.Addr())
		conn, err = p.ep.DialContext(ctx, "tcp", secondary.Addr())
		if err == nil {
			p.everCreated.Store(true)
			return conn, nil
		}
	}
	return nil, fmt.Errorf("dial resolver %s: %w", p.resolvers[p.resolverIdx.Load()].Addr(), err)
}

// keepAliveLoop refills dead slots on a fixed interval. New connections are
// probed with a real query before the slot is published.
func (p *Pool) keepAliveLoop() {
	defer p.wg.Done()

	p.refill()

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
			p.refill()
		}
	}
}

func (p *Pool) refill() {
	for i, s := range p.slots {
		select {
		case <-p.stop:
			return
		default:
		}

		if !s.mu.TryLock() {
			continue
		}
		if s.conn != nil {
			s.mu.Unlock()
			continue
		}
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), exchangeTimeout)
		conn, err := p.dialWorker(ctx)
		if err == nil {
			err = probe(ctx, conn)
			if err != nil {
				conn.Close()
			}
		}
		cancel()
		if err != nil {
			core.Log.Debugf("DNSPool", "Refill worker %d failed: %v", i, err)
			continue
		}

		s.mu.Lock()
		if s.conn == nil {
			s.conn = conn
		} else {
			conn.Close()
		}
		s.mu.Unlock()
	}
}

// probe sends a minimal A query and waits for any well-formed answer.
func probe(ctx context.Context, conn net.Conn) error {
	m := new(dns.Msg)
	m.SetQuestion(probeName, dns.TypeA)
	query, err := m.Pack()
	if err != nil {
		return err
	}
	resp, err := exchange(ctx, conn, query)
	if err != nil {
		return err
	}
	var r dns.Msg
	if err := r.Unpack(resp); err != nil {
		return fmt.Errorf("probe response unpack: %w", err)
	}
	return nil
}

// exchange performs one RFC 7766 framed request/response on conn.
func exchange(ctx context.Context, conn net.Conn, query []byte) ([]byte, error) {
	if len(query) > 0xFFFF {
		return nil, fmt.Errorf("query too large: %d", len(query))
	}

	deadline := time.Now().Add(exchangeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)
	defer conn.SetDeadline(time.Time{})

	framed := make([]byte, 2+len(query))
	framed[0] = byte(len(query) >> 8)
	framed[1] = byte(len(query))
	copy(framed[2:], query)
	if _, err := conn.Write(framed); err != nil {
		return nil, fmt.Errorf("write query: %w", err)
	}

	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, lenBuf); err != nil {
		return nil, fmt.Errorf("read response length: %w", err)
	}
	resp := make([]byte, int(lenBuf[0])<<8|int(lenBuf[1]))
	if _, err := io.ReadFull(conn, resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return resp, nil
}

func (p *Pool) logQueryName(query []byte) {
	var m dns.Msg
	if err := m.Unpack(query); err != nil || len(m.Question) == 0 {
		return
	}
	core.Log.Debugf("DNSPool", "Resolving %s", m.Question[0].Name)
}
