package link

import (
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/pkg/errors"
)

// capturedDatagram extracts the IPv4 datagram from a frame captured on a
// link of type lt, dropping any link header and trailing padding.
func capturedDatagram(frame []byte, lt layers.LinkType) ([]byte, bool) {
	pkt := gopacket.NewPacket(frame, lt, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	ip, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return nil, false
	}
	d := make([]byte, 0, len(ip.Contents)+len(ip.Payload))
	d = append(d, ip.Contents...)
	return append(d, ip.Payload...), true
}

// interfaceFor names the interface that carries local.
func interfaceFor(local netip.Addr) (string, error) {
	ifs, err := net.Interfaces()
	if err != nil {
		return "", errors.Wrap(err, "list interfaces")
	}
	for _, ifi := range ifs {
		addrs, err := ifi.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			if addr, ok := netip.AddrFromSlice(ipn.IP); ok && addr.Unmap() == local {
				return ifi.Name, nil
			}
		}
	}
	return "", errors.Errorf("no interface carries %s", local)
}
