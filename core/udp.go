package core

import (
	"net/netip"

	"github.com/pkg/errors"

	"github.com/Clouded-Sabre/Polled-TCP/lib"
)

// UDPConn is a blocking view of one UDP endpoint.
type UDPConn struct {
	core *Core
	id   int
	addr netip.AddrPort
}

// ListenUDP takes UDP endpoint id for exclusive use. With filtering on, a
// dummy kernel socket keeps the host from answering the port with ICMP
// unreachables.
func (c *Core) ListenUDP(id int) (*UDPConn, error) {
	if id < 1 || id > len(c.config.UDPEndpoints) {
		return nil, errors.Errorf("udp endpoint %d does not exist", id)
	}
	ep := c.config.UDPEndpoints[id-1]
	addr := netip.AddrPortFrom(c.channelAddr(ep.Channel), ep.Port)

	c.mu.Lock()
	if c.udpBusy[id] {
		c.mu.Unlock()
		return nil, errors.Errorf("udp endpoint %d is in use", id)
	}
	c.udpBusy[id] = true
	c.mu.Unlock()

	if c.filter != nil {
		if err := c.filter.AddUdpServerFiltering(addr); err != nil {
			c.mu.Lock()
			delete(c.udpBusy, id)
			c.mu.Unlock()
			return nil, errors.Wrap(err, "filter")
		}
	}
	return &UDPConn{core: c, id: id, addr: addr}, nil
}

// ReadFrom waits for the next datagram.
func (u *UDPConn) ReadFrom(b []byte) (int, netip.AddrPort, error) {
	if u.core.isClosed() {
		return 0, netip.AddrPort{}, errCoreClosed
	}
	return u.core.stack.UDPReceive(u.id, b, lib.TmoForever)
}

// WriteTo sends b as one datagram to dst.
func (u *UDPConn) WriteTo(b []byte, dst netip.AddrPort) (int, error) {
	if u.core.isClosed() {
		return 0, errCoreClosed
	}
	return u.core.stack.UDPSend(u.id, dst, b, lib.TmoForever)
}

func (u *UDPConn) LocalAddr() netip.AddrPort {
	return u.addr
}

// Close releases a pending read or write and returns the endpoint.
func (u *UDPConn) Close() error {
	c := u.core
	c.stack.UDPCancel(u.id, lib.OpAll)
	c.mu.Lock()
	delete(c.udpBusy, u.id)
	c.mu.Unlock()
	if c.filter != nil {
		return c.filter.RemoveUdpServerFiltering(u.addr)
	}
	return nil
}
