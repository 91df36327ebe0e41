//go:build !linux

package platform

// noopMonitor is used on hosts without a native change feed wired in; mobile
// hosts deliver connectivity callbacks through their own notifier instead.
type noopMonitor struct{}

func (noopMonitor) Start(onChange func()) error { return nil }
func (noopMonitor) Stop() error                 { return nil }

// NewMonitor returns the platform's network-change notifier.
func NewMonitor() NetworkNotifier {
	return noopMonitor{}
}
