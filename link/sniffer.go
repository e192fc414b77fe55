package link

import (
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Polled-TCP/lib"
)

// Sniffer wraps a link and logs a one-line summary of every datagram that
// crosses it, decoded independently of the stack.
type Sniffer struct {
	lib.Link
	log *logrus.Entry
}

func NewSniffer(l lib.Link, log *logrus.Entry) *Sniffer {
	if log == nil {
		log = logrus.WithField("component", "sniffer")
	}
	return &Sniffer{Link: l, log: log}
}

func (s *Sniffer) Receive(ch int) (lib.RxBuffer, bool) {
	rx, ok := s.Link.Receive(ch)
	if ok && rx.Recognized {
		s.trace("in", ch, rx.Data)
	}
	return rx, ok
}

func (s *Sniffer) Send(ch int, hdr, payload []byte) lib.SendStatus {
	st := s.Link.Send(ch, hdr, payload)
	if s.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		datagram := make([]byte, 0, len(hdr)+len(payload))
		datagram = append(append(datagram, hdr...), payload...)
		s.trace("out", ch, datagram)
	}
	return st
}

// Notify forwards the wrapped link's notifications, if it has any.
func (s *Sniffer) Notify() <-chan struct{} {
	if n, ok := s.Link.(lib.Notifier); ok {
		return n.Notify()
	}
	return nil
}

func (s *Sniffer) trace(direction string, ch int, data []byte) {
	if !s.log.Logger.IsLevelEnabled(logrus.DebugLevel) {
		return
	}
	log := s.log.WithFields(logrus.Fields{"dir": direction, "ch": ch, "len": len(data)})
	fields, err := Describe(data)
	if err != nil {
		log.Debugf("undecodable datagram: %v", err)
		return
	}
	log.WithFields(fields).Debug("datagram")
}

// Describe decodes an IPv4 datagram into log fields.
func Describe(data []byte) (logrus.Fields, error) {
	packet := gopacket.NewPacket(data, layers.LayerTypeIPv4, gopacket.DecodeOptions{Lazy: true, NoCopy: true})
	if el := packet.ErrorLayer(); el != nil {
		return nil, el.Error()
	}
	ipv4Layer := packet.Layer(layers.LayerTypeIPv4)
	if ipv4Layer == nil {
		return nil, errNotIPv4
	}
	ip := ipv4Layer.(*layers.IPv4)
	fields := logrus.Fields{
		"src":   ip.SrcIP.String(),
		"dst":   ip.DstIP.String(),
		"proto": ip.Protocol.String(),
		"id":    ip.Id,
	}
	switch {
	case packet.Layer(layers.LayerTypeTCP) != nil:
		tcp := packet.Layer(layers.LayerTypeTCP).(*layers.TCP)
		fields["sport"] = uint16(tcp.SrcPort)
		fields["dport"] = uint16(tcp.DstPort)
		fields["seq"] = tcp.Seq
		fields["ack"] = tcp.Ack
		fields["win"] = tcp.Window
		fields["flags"] = tcpFlags(tcp)
		fields["payload"] = len(tcp.Payload)
	case packet.Layer(layers.LayerTypeUDP) != nil:
		udp := packet.Layer(layers.LayerTypeUDP).(*layers.UDP)
		fields["sport"] = uint16(udp.SrcPort)
		fields["dport"] = uint16(udp.DstPort)
		fields["payload"] = len(udp.Payload)
	case packet.Layer(layers.LayerTypeICMPv4) != nil:
		icmp := packet.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		fields["icmp"] = icmp.TypeCode.String()
	}
	return fields, nil
}

func tcpFlags(tcp *layers.TCP) string {
	var b []byte
	for _, f := range []struct {
		set bool
		c   byte
	}{
		{tcp.SYN, 'S'}, {tcp.FIN, 'F'}, {tcp.RST, 'R'}, {tcp.PSH, 'P'}, {tcp.ACK, '.'}, {tcp.URG, 'U'},
	} {
		if f.set {
			b = append(b, f.c)
		}
	}
	return string(b)
}
