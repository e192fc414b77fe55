package filter

import (
	"net"
	"net/netip"
	"os/exec"
	"strconv"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Filter keeps the host kernel from interfering with connections the stack
// terminates over raw sockets. The kernel sees the same segments and, having
// no socket for them, answers with resets and ICMP port unreachables.
type Filter interface {
	AddTcpClientFiltering(dst netip.AddrPort) error    // drops RSTs the kernel sends to a remote server.
	RemoveTcpClientFiltering(dst netip.AddrPort) error // undoes AddTcpClientFiltering.
	AddTcpServerFiltering(src netip.AddrPort) error    // drops RSTs the kernel sends from a local listening port.
	RemoveTcpServerFiltering(src netip.AddrPort) error // undoes AddTcpServerFiltering.
	AddUdpServerFiltering(src netip.AddrPort) error    // binds a dummy socket so the kernel stays quiet about a local UDP port.
	RemoveUdpServerFiltering(src netip.AddrPort) error // undoes AddUdpServerFiltering.
	FinishFiltering() error                            // removes every rule and dummy socket.
}

var log = logrus.WithField("component", "filter")

// runCommand executes a firewall command and returns its combined output.
var runCommand = func(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// tcpRSTRule returns the iptables arguments matching outbound RSTs toward
// (client side) or from (server side) addr for the given chain operation.
func tcpRSTRule(op string, server bool, addr netip.AddrPort, comment string) []string {
	addrFlag, portFlag := "-d", "--dport"
	if server {
		addrFlag, portFlag = "-s", "--sport"
	}
	return []string{
		op, "OUTPUT", "-p", "tcp", "--tcp-flags", "RST", "RST",
		addrFlag, addr.Addr().String(), portFlag, strconv.Itoa(int(addr.Port())),
		"-m", "comment", "--comment", comment, "-j", "DROP",
	}
}

// udpServerFilter holds the dummy UDP sockets, keyed by address.
type udpServerFilter struct {
	udpSrcMap sync.Map
}

func (u *udpServerFilter) AddUdpServerFiltering(src netip.AddrPort) error {
	key := src.String()
	if _, exists := u.udpSrcMap.Load(key); exists {
		return nil
	}
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(src))
	if err != nil {
		return errors.Wrap(err, "failed to start dummy UDP socket")
	}
	u.udpSrcMap.Store(key, conn)
	log.Infof("Started the dummy UDP socket at %s", key)
	return nil
}

func (u *udpServerFilter) RemoveUdpServerFiltering(src netip.AddrPort) error {
	key := src.String()
	if conn, exists := u.udpSrcMap.LoadAndDelete(key); exists {
		log.Infof("Stopped the dummy UDP socket at %s", key)
		return conn.(*net.UDPConn).Close()
	}
	return nil
}

func (u *udpServerFilter) closeAll() {
	u.udpSrcMap.Range(func(key, conn any) bool {
		conn.(*net.UDPConn).Close()
		u.udpSrcMap.Delete(key)
		return true
	})
}
