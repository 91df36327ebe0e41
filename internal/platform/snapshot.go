package platform

import (
	"net"
	"slices"
)

// NetworkSnapshot is the last-seen set of local IP addresses for the active
// network, replaced wholesale on each network callback. Comparing consecutive
// snapshots distinguishes address moves (which invalidate open transport
// sockets) from route or link churn.
type NetworkSnapshot struct {
	Addrs []string
}

// CaptureSnapshot records the current local address set. Capture failures
// yield an empty snapshot, which compares unequal to any populated one.
func CaptureSnapshot() NetworkSnapshot {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return NetworkSnapshot{}
	}
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		out = append(out, a.String())
	}
	slices.Sort(out)
	return NetworkSnapshot{Addrs: out}
}

// Equal reports whether both snapshots hold the same address set.
func (s NetworkSnapshot) Equal(other NetworkSnapshot) bool {
	return slices.Equal(s.Addrs, other.Addrs)
}
