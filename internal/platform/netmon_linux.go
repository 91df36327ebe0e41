//go:build linux

package platform

import (
	"fmt"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"

	"tunnelcore/internal/core"
)

// NetlinkMonitor watches rtnetlink for address and route changes and invokes
// the callback for every relevant message. Used on hosts where the platform
// does not push its own connectivity callbacks.
type NetlinkMonitor struct {
	mu      sync.Mutex
	fd      int
	done    chan struct{}
	stopped chan struct{}
}

// NewNetlinkMonitor creates an unstarted monitor.
func NewNetlinkMonitor() *NetlinkMonitor {
	return &NetlinkMonitor{}
}

// NewMonitor returns the platform's network-change notifier.
func NewMonitor() NetworkNotifier {
	return NewNetlinkMonitor()
}

// Start opens an AF_NETLINK route socket subscribed to IPv4/IPv6 address and
// route multicast groups and begins reading in a goroutine.
func (nm *NetlinkMonitor) Start(onChange func()) error {
	nm.mu.Lock()
	defer nm.mu.Unlock()

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW, unix.NETLINK_ROUTE)
	if err != nil {
		return fmt.Errorf("[NetMon] netlink socket: %w", err)
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: unix.RTMGRP_IPV4_IFADDR | unix.RTMGRP_IPV6_IFADDR |
			unix.RTMGRP_IPV4_ROUTE | unix.RTMGRP_IPV6_ROUTE | unix.RTMGRP_LINK,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return fmt.Errorf("[NetMon] netlink bind: %w", err)
	}

	nm.fd = fd
	nm.done = make(chan struct{})
	nm.stopped = make(chan struct{})
	go nm.loop(onChange)

	core.Log.Infof("NetMon", "Network monitor started (rtnetlink)")
	return nil
}

// Stop closes the netlink socket, which unblocks the read loop.
func (nm *NetlinkMonitor) Stop() error {
	nm.mu.Lock()
	defer nm.mu.Unlock()
	if nm.done == nil {
		return nil
	}
	close(nm.done)
	err := unix.Close(nm.fd)
	<-nm.stopped
	nm.done = nil
	core.Log.Infof("NetMon", "Network monitor stopped")
	return err
}

func (nm *NetlinkMonitor) loop(onChange func()) {
	defer close(nm.stopped)

	buf := make([]byte, 8192)
	for {
		n, err := unix.Read(nm.fd, buf)
		if err != nil {
			select {
			case <-nm.done:
				return // expected: fd closed during shutdown
			default:
				core.Log.Warnf("NetMon", "Netlink read error: %v", err)
				return
			}
		}

		// x/sys/unix provides the socket and constants but not the message
		// parser; that still lives in syscall on Linux.
		msgs, err := syscall.ParseNetlinkMessage(buf[:n])
		if err != nil {
			continue
		}
		for _, msg := range msgs {
			if isRelevant(msg.Header.Type) {
				onChange()
				break
			}
		}
	}
}

// isRelevant returns true for message types that indicate the default route
// or local addresses may have changed.
func isRelevant(t uint16) bool {
	switch t {
	case unix.RTM_NEWADDR, unix.RTM_DELADDR,
		unix.RTM_NEWROUTE, unix.RTM_DELROUTE,
		unix.RTM_NEWLINK, unix.RTM_DELLINK:
		return true
	default:
		return false
	}
}
