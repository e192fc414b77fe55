package lib

import (
	"net/netip"

	"github.com/google/netstack/tcpip"
	"github.com/google/netstack/tcpip/header"
)

// datagram is a validated inbound IPv4 datagram.
type datagram struct {
	ch        int
	src, dst  netip.Addr
	protocol  uint8
	payload   []byte // transport header and data, trimmed to the declared length
	broadcast bool   // limited, directed or multicast destination
}

// ipReceive validates the IPv4 header of b. A rejected datagram is counted
// under the kind of the first check it failed; the caller drops it.
func (s *Stack) ipReceive(ch int, b []byte) (datagram, bool) {
	c := s.channels[ch]
	s.stats.IPInReceives++

	if len(b) < IpHeaderLength {
		s.stats.IPLengthErrors++
		return datagram{}, false
	}
	h := header.IPv4(b)
	if b[0]>>4 != 4 {
		s.stats.IPVersionErrors++
		return datagram{}, false
	}
	if int(h.HeaderLength()) != IpHeaderLength {
		s.stats.IPHeaderLenErrors++
		return datagram{}, false
	}
	var sum Checksum
	sum.Add(b[:IpHeaderLength])
	if !sum.Valid() {
		s.stats.IPChecksumErrors++
		return datagram{}, false
	}
	total := int(h.TotalLength())
	if total < IpHeaderLength || total > len(b) {
		s.stats.IPLengthErrors++
		return datagram{}, false
	}
	if h.Flags()&header.IPv4FlagMoreFragments != 0 || h.FragmentOffset() != 0 {
		s.stats.IPFragmentErrors++
		return datagram{}, false
	}

	src := addrFrom([]byte(h.SourceAddress()))
	dst := addrFrom([]byte(h.DestinationAddress()))
	d := datagram{ch: ch, src: src, dst: dst, protocol: h.Protocol(), payload: b[IpHeaderLength:total]}

	switch {
	case dst == c.addr:
	case isLimitedBroadcast(dst), dst == c.broadcast:
		d.broadcast = true
	case dst.IsMulticast() && c.joined(dst):
		d.broadcast = true
	default:
		s.stats.IPDstErrors++
		return datagram{}, false
	}

	if isLimitedBroadcast(src) || src.IsMulticast() || isLoopback(src) ||
		src == c.network || src == c.broadcast {
		s.stats.IPSrcErrors++
		return datagram{}, false
	}
	return d, true
}

// ipSend prepends an IPv4 header to transport (the transport header) and
// hands the datagram to the link. The identification counter only advances
// when the link accepted or definitively lost the datagram.
func (s *Stack) ipSend(ch int, dst netip.Addr, protocol uint8, transport, payload []byte) SendStatus {
	c := s.channels[ch]
	hdr := s.txHeader[:IpHeaderLength+len(transport)]
	copy(hdr[IpHeaderLength:], transport)

	ttl := c.cfg.TTL
	if dst.IsMulticast() {
		ttl = c.cfg.MulticastTTL
	}
	ip := header.IPv4(hdr)
	ip.Encode(&header.IPv4Fields{
		IHL:         IpHeaderLength,
		TotalLength: uint16(len(hdr) + len(payload)),
		ID:          c.ipID,
		TTL:         ttl,
		Protocol:    protocol,
		SrcAddr:     tcpip.Address(c.addr.AsSlice()),
		DstAddr:     tcpip.Address(dst.AsSlice()),
	})
	ip.SetChecksum(InternetChecksum(hdr[:IpHeaderLength]))

	st := s.link.Send(ch, hdr, payload)
	switch st {
	case SendOK:
		s.stats.IPOutRequests++
		c.nextID()
	case SendPending:
		s.stats.IPOutPending++
	default:
		s.stats.IPOutFailures++
		c.nextID()
		s.log.WithField("channel", ch).Debugf("link send to %s failed", dst)
	}
	return st
}
