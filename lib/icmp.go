package lib

import "github.com/google/netstack/tcpip/header"

// icmpReplyMax bounds the echo payload the responder reflects.
const icmpReplyMax = 1480

// icmpInput answers echo requests addressed to the channel itself. The reply
// is parked on the channel and emitted by the send stage.
func (s *Stack) icmpInput(d datagram) {
	c := s.channels[d.ch]
	b := d.payload
	if len(b) < IcmpEchoHeaderLength {
		s.stats.ICMPFormatErrors++
		return
	}
	var sum Checksum
	sum.Add(b)
	if !sum.Valid() {
		s.stats.ICMPFormatErrors++
		return
	}
	m := header.ICMPv4(b)
	if m.Type() != header.ICMPv4Echo || d.broadcast {
		return
	}
	s.stats.ICMPInEchos++
	if len(b) > len(c.icmpReply) {
		s.stats.ICMPFormatErrors++
		return
	}

	// A newer request replaces a reply the link has not taken yet.
	n := copy(c.icmpReply, b)
	r := header.ICMPv4(c.icmpReply[:n])
	r.SetType(header.ICMPv4EchoReply)
	r.SetChecksum(0)
	r.SetChecksum(InternetChecksum(c.icmpReply[:n]))
	c.icmpLen = n
	c.icmpDst = d.src
	c.icmpPending = true
}

func (s *Stack) icmpOutput(ch int) {
	c := s.channels[ch]
	if !c.icmpPending {
		return
	}
	switch s.ipSend(ch, c.icmpDst, ProtocolICMP, nil, c.icmpReply[:c.icmpLen]) {
	case SendPending:
		return
	case SendOK:
		s.stats.ICMPOutReplies++
	}
	c.icmpPending = false
}
