package lib

import (
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/stretchr/testify/require"
)

var (
	localAddr = netip.MustParseAddr("10.0.0.1")
	peerAddr  = netip.MustParseAddr("10.0.0.2")
)

const (
	repPort  = 80
	peerPort = 40000
	udpPort  = 53
	localISS = 1000
	peerISS  = 5000
)

// fakeLink is a single-channel link driven by the test. Inbound frames are
// queued with inject; outbound datagrams are recorded whole.
type fakeLink struct {
	rx     []RxBuffer
	held   bool
	sent   [][]byte
	status []SendStatus // scripted results of the next Send calls, SendOK once used up
}

func (l *fakeLink) Receive(ch int) (RxBuffer, bool) {
	if ch != 0 || l.held || len(l.rx) == 0 {
		return RxBuffer{}, false
	}
	l.held = true
	return l.rx[0], true
}

func (l *fakeLink) Release(ch int) {
	l.held = false
	l.rx = l.rx[1:]
}

func (l *fakeLink) Send(ch int, hdr, payload []byte) SendStatus {
	st := SendOK
	if len(l.status) > 0 {
		st, l.status = l.status[0], l.status[1:]
	}
	if st == SendOK {
		d := append([]byte(nil), hdr...)
		l.sent = append(l.sent, append(d, payload...))
	}
	return st
}

type event struct {
	id  int
	op  OpCode
	res Result
}

type harness struct {
	t      *testing.T
	s      *Stack
	l      *fakeLink
	events []event

	lport, rport uint16 // ports of the connection under test
}

func testStackConfig() *StackConfig {
	ep := DefaultTCPEndpointConfig()
	ep.InitialSeq = localISS
	ep.RetransmitTimeout = 100 * time.Millisecond
	ep.MaxRetransmitInterval = 800 * time.Millisecond
	ep.TwoMSL = 50 * time.Millisecond
	ep.GiveUpTimeout = time.Minute

	ch := DefaultChannelConfig()
	ch.Addr = netip.MustParsePrefix("10.0.0.1/24")

	cfg := DefaultStackConfig()
	cfg.Channels = []ChannelConfig{ch}
	cfg.TCPEndpoints = []TCPEndpointConfig{ep, ep}
	cfg.Reps = []RepConfig{{Port: repPort}}
	cfg.UDPEndpoints = []UDPEndpointConfig{{Port: udpPort, HoldBufferSize: 512}}
	cfg.EphemeralLow = 49152
	cfg.EphemeralHigh = 49160
	return cfg
}

// newHarness builds a stack over a fakeLink. Every TCP endpoint records its
// completions into h.events.
func newHarness(t *testing.T, mutate func(*StackConfig)) *harness {
	cfg := testStackConfig()
	if mutate != nil {
		mutate(cfg)
	}
	h := &harness{t: t, l: &fakeLink{}, lport: repPort, rport: peerPort}
	s, err := NewStack(cfg, h.l)
	require.NoError(t, err)
	h.s = s
	for cep := range cfg.TCPEndpoints {
		require.NoError(t, s.SetTCPCallback(cep+1, h.record))
	}
	return h
}

func (h *harness) record(id int, op OpCode, res *Result) {
	h.events = append(h.events, event{id: id, op: op, res: *res})
}

// takeEvents returns and clears the recorded completions.
func (h *harness) takeEvents() []event {
	ev := h.events
	h.events = nil
	return ev
}

func (h *harness) process() {
	h.s.Process()
}

// tick advances the time base n ticks, running a pass after each.
func (h *harness) tick(n int) {
	for i := 0; i < n; i++ {
		h.s.Tick()
		h.s.Process()
	}
}

func (h *harness) inject(datagram []byte) {
	h.l.rx = append(h.l.rx, RxBuffer{Data: datagram, Recognized: true})
}

// ipv4 returns the IPv4 layer of a datagram from the peer.
func ipv4(proto layers.IPProtocol, src, dst netip.Addr) *layers.IPv4 {
	return &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: proto,
		SrcIP:    net.IP(src.AsSlice()),
		DstIP:    net.IP(dst.AsSlice()),
	}
}

func serialize(t *testing.T, l ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, l...))
	return append([]byte(nil), buf.Bytes()...)
}

// tcpFrom builds a segment from the peer to the connection under test.
func (h *harness) tcpFrom(tcp *layers.TCP, payload []byte) []byte {
	ip := ipv4(layers.IPProtocolTCP, peerAddr, localAddr)
	tcp.SrcPort = layers.TCPPort(h.rport)
	tcp.DstPort = layers.TCPPort(h.lport)
	require.NoError(h.t, tcp.SetNetworkLayerForChecksum(ip))
	return serialize(h.t, ip, tcp, gopacket.Payload(payload))
}

// peer injects a segment from the peer with the given sequence numbers and
// an 8 KiB window.
func (h *harness) peer(seq, ack uint32, flags uint8, payload []byte) {
	h.inject(h.tcpFrom(&layers.TCP{
		Seq:    seq,
		Ack:    ack,
		Window: 8192,
		SYN:    flags&SYNFlag != 0,
		ACK:    flags&ACKFlag != 0,
		FIN:    flags&FINFlag != 0,
		RST:    flags&RSTFlag != 0,
		PSH:    flags&PSHFlag != 0,
	}, payload))
}

func mssOption(mss uint16) layers.TCPOption {
	return layers.TCPOption{OptionType: layers.TCPOptionKindMSS, OptionData: []byte{byte(mss >> 8), byte(mss)}}
}

func udpFrom(t *testing.T, src, dst netip.AddrPort, payload []byte) []byte {
	ip := ipv4(layers.IPProtocolUDP, src.Addr(), dst.Addr())
	udp := &layers.UDP{SrcPort: layers.UDPPort(src.Port()), DstPort: layers.UDPPort(dst.Port())}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))
	return serialize(t, ip, udp, gopacket.Payload(payload))
}

// sentPacket is a decoded datagram the stack handed to the link.
type sentPacket struct {
	raw  []byte
	ip   *layers.IPv4
	tcp  *layers.TCP
	udp  *layers.UDP
	icmp *layers.ICMPv4
}

// drain decodes and clears everything the stack sent.
func (h *harness) drain() []sentPacket {
	var out []sentPacket
	for _, b := range h.l.sent {
		pkt := gopacket.NewPacket(b, layers.LayerTypeIPv4, gopacket.Default)
		require.Nil(h.t, pkt.ErrorLayer(), "undecodable datagram %x", b)
		p := sentPacket{raw: b}
		p.ip, _ = pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		p.tcp, _ = pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		p.udp, _ = pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		p.icmp, _ = pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		require.NotNil(h.t, p.ip)
		if p.tcp != nil {
			require.True(h.t, verifyTCPChecksum(localAddr, peerAddr, b[IpHeaderLength:]), "bad tcp checksum")
		}
		out = append(out, p)
	}
	h.l.sent = nil
	return out
}

// drainTCP is drain for tests that only expect TCP segments.
func (h *harness) drainTCP() []*layers.TCP {
	var out []*layers.TCP
	for _, p := range h.drain() {
		require.NotNil(h.t, p.tcp, "not a tcp segment")
		out = append(out, p.tcp)
	}
	return out
}

// flags renders the control bits of a decoded segment in flagString order.
func flags(tcp *layers.TCP) string {
	var f uint8
	for _, b := range []struct {
		set bool
		bit uint8
	}{{tcp.SYN, SYNFlag}, {tcp.ACK, ACKFlag}, {tcp.FIN, FINFlag}, {tcp.RST, RSTFlag}, {tcp.PSH, PSHFlag}, {tcp.URG, URGFlag}} {
		if b.set {
			f |= b.bit
		}
	}
	return flagString(f)
}

// establish runs a passive open on endpoint 1, leaving it ESTABLISHED with
// the local side at localISS+1 and the peer at peerISS+1. win is the window
// the peer advertises in its final ACK.
func (h *harness) establish(win uint16) {
	t := h.t
	_, err := h.s.Accept(1, 1, TmoNonBlocking)
	require.Equal(t, ErrWouldBlock, err)
	h.process()
	require.Equal(t, StateListen, h.s.State(1))

	h.inject(h.tcpFrom(&layers.TCP{Seq: peerISS, SYN: true, Window: 8192, Options: []layers.TCPOption{mssOption(536)}}, nil))
	h.process()
	segs := h.drainTCP()
	require.Len(t, segs, 1)
	require.Equal(t, "SA", flags(segs[0]))

	h.inject(h.tcpFrom(&layers.TCP{Seq: peerISS + 1, Ack: localISS + 1, ACK: true, Window: win}, nil))
	h.process()
	require.Equal(t, StateEstablished, h.s.State(1))
	ev := h.takeEvents()
	require.Len(t, ev, 1)
	require.Equal(t, OpAccept, ev[0].op)
	require.NoError(t, ev[0].res.Err)
}

// await keeps the time base moving until a blocked call reports back.
func (h *harness) await(errc <-chan error) error {
	for i := 0; i < 2000; i++ {
		select {
		case err := <-errc:
			return err
		default:
			h.tick(1)
			time.Sleep(time.Millisecond)
		}
	}
	h.t.Fatal("blocked call never returned")
	return nil
}
