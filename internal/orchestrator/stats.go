package orchestrator

import (
	"sync"
	"sync/atomic"
	"time"

	"tunnelcore/internal/core"
)

const statsInterval = time.Second

// StatsCollector accumulates traffic counters fed by the bridge's splice
// path and publishes periodic snapshots with computed speeds.
type StatsCollector struct {
	bus *core.EventBus

	bytesTx atomic.Int64
	bytesRx atomic.Int64

	mu        sync.RWMutex
	latest    core.StatsPayload
	listeners []chan core.StatsPayload

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewStatsCollector creates a collector publishing on bus.
func NewStatsCollector(bus *core.EventBus) *StatsCollector {
	return &StatsCollector{
		bus:  bus,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start begins the periodic snapshot loop.
func (sc *StatsCollector) Start() {
	go sc.loop()
}

// Stop halts collection and closes all listener channels.
func (sc *StatsCollector) Stop() {
	sc.stopOnce.Do(func() { close(sc.stop) })
	<-sc.done

	sc.mu.Lock()
	defer sc.mu.Unlock()
	for _, ch := range sc.listeners {
		close(ch)
	}
	sc.listeners = nil
}

// AddBytes records bytes spliced through the bridge. Usable as the bridge's
// counter callback.
func (sc *StatsCollector) AddBytes(tx, rx int64) {
	if tx > 0 {
		sc.bytesTx.Add(tx)
	}
	if rx > 0 {
		sc.bytesRx.Add(rx)
	}
}

// Reset zeroes the counters. Called on each new connection.
func (sc *StatsCollector) Reset() {
	sc.bytesTx.Store(0)
	sc.bytesRx.Store(0)
}

// Subscribe returns a channel receiving a snapshot per interval.
func (sc *StatsCollector) Subscribe() chan core.StatsPayload {
	ch := make(chan core.StatsPayload, 4)
	sc.mu.Lock()
	sc.listeners = append(sc.listeners, ch)
	sc.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (sc *StatsCollector) Unsubscribe(ch chan core.StatsPayload) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for i, l := range sc.listeners {
		if l == ch {
			close(l)
			sc.listeners = append(sc.listeners[:i], sc.listeners[i+1:]...)
			return
		}
	}
}

// Latest returns the most recent snapshot.
func (sc *StatsCollector) Latest() core.StatsPayload {
	sc.mu.RLock()
	defer sc.mu.RUnlock()
	return sc.latest
}

func (sc *StatsCollector) loop() {
	defer close(sc.done)

	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	var prevTx, prevRx int64
	prevTime := time.Now()

	for {
		select {
		case <-sc.stop:
			return
		case now := <-ticker.C:
			tx := sc.bytesTx.Load()
			rx := sc.bytesRx.Load()

			elapsed := now.Sub(prevTime).Seconds()
			if elapsed <= 0 {
				elapsed = statsInterval.Seconds()
			}
			snap := core.StatsPayload{
				BytesTx: tx,
				BytesRx: rx,
				SpeedTx: int64(float64(tx-prevTx) / elapsed),
				SpeedRx: int64(float64(rx-prevRx) / elapsed),
			}
			prevTx, prevRx, prevTime = tx, rx, now

			sc.mu.Lock()
			sc.latest = snap
			listeners := make([]chan core.StatsPayload, len(sc.listeners))
			copy(listeners, sc.listeners)
			sc.mu.Unlock()

			for _, ch := range listeners {
				select {
				case ch <- snap:
				default: // slow listener, drop
				}
			}
			if sc.bus != nil {
				sc.bus.Publish(core.Event{Type: core.EventStatsUpdated, Payload: snap})
			}
		}
	}
}
