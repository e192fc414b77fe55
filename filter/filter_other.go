//go:build !linux && !darwin

package filter

import "net/netip"

type noOpFilter struct {
	udpServerFilter
}

// NewFilter returns a filter that only manages dummy UDP sockets; no
// firewall is driven on this platform.
func NewFilter(identifier string) (Filter, error) {
	log.Warn("packet filtering is not supported on this platform; kernel resets are not suppressed")
	return &noOpFilter{}, nil
}

func (n *noOpFilter) AddTcpClientFiltering(dst netip.AddrPort) error    { return nil }
func (n *noOpFilter) RemoveTcpClientFiltering(dst netip.AddrPort) error { return nil }
func (n *noOpFilter) AddTcpServerFiltering(src netip.AddrPort) error    { return nil }
func (n *noOpFilter) RemoveTcpServerFiltering(src netip.AddrPort) error { return nil }

func (n *noOpFilter) FinishFiltering() error {
	n.closeAll()
	return nil
}
