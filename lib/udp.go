package lib

import (
	"net/netip"

	"github.com/google/netstack/tcpip/header"
	"github.com/sirupsen/logrus"
)

// maxUDPPayload is the largest datagram that fits an unfragmented IPv4 packet.
const maxUDPPayload = 0xffff - IpHeaderLength - UdpHeaderLength

// ucb is a UDP control block. Send and receive share its single request
// slot. Datagrams nobody is waiting for are kept in a one-deep hold slot,
// the newest replacing the older one.
type ucb struct {
	id       int
	cfg      UDPEndpointConfig
	ch       int
	log      *logrus.Entry
	callback Callback // non-nil puts the endpoint in callback mode

	req request

	holdBuf  []byte
	holdLen  int
	holdFrom netip.AddrPort
	held     bool
}

func newUCB(id int, cfg UDPEndpointConfig, log *logrus.Entry) *ucb {
	return &ucb{
		id:      id,
		cfg:     cfg,
		ch:      cfg.Channel,
		log:     log.WithField("ucb", id),
		holdBuf: make([]byte, cfg.HoldBufferSize),
	}
}

func (u *ucb) hold(data []byte, from netip.AddrPort) {
	u.holdLen = copy(u.holdBuf, data)
	u.holdFrom = from
	u.held = true
}

// take moves the held datagram into buf.
func (u *ucb) take(buf []byte) (int, netip.AddrPort) {
	n := copy(buf, u.holdBuf[:u.holdLen])
	u.held = false
	return n, u.holdFrom
}

func (s *Stack) ucb(id int) *ucb {
	if id < 1 || id > len(s.ucbs) {
		return nil
	}
	return s.ucbs[id-1]
}

// SetUDPCallback puts endpoint id in callback mode, or takes it out with a
// nil cb. In callback mode arriving datagrams are announced with
// OpUDPArrival instead of being held for a later poll; the callback may
// fetch the datagram with a TmoPoll UDPReceive before it returns.
func (s *Stack) SetUDPCallback(id int, cb Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.ucb(id)
	if u == nil {
		return ErrParameter
	}
	u.callback = cb
	return nil
}

func (s *Stack) udpRequest(id int, tmo Timeout) (*ucb, error) {
	if !tmo.valid() || !s.blockingAllowed(tmo) {
		return nil, ErrParameter
	}
	u := s.ucb(id)
	if u == nil {
		return nil, ErrParameter
	}
	if tmo == TmoNonBlocking && u.callback == nil {
		return nil, ErrParameter
	}
	if u.req.active {
		return nil, ErrQueueOverflow
	}
	return u, nil
}

// UDPSend sends one datagram to dst from endpoint id and returns the number
// of bytes sent.
func (s *Stack) UDPSend(id int, dst netip.AddrPort, data []byte, tmo Timeout) (int, error) {
	s.mu.Lock()
	u, err := s.udpRequest(id, tmo)
	if err == nil && (tmo == TmoPoll || !dst.Addr().Is4() || dst.Port() == 0 || len(data) > maxUDPPayload) {
		err = ErrParameter
	}
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	u.req.install(OpUDPSend, tmo)
	u.req.buf = data
	u.req.remote = dst
	wake := u.req.wake
	s.mu.Unlock()

	res, err := await(wake)
	return res.N, err
}

// UDPReceive copies the next datagram for endpoint id into buf and returns
// its length and source. A datagram longer than buf is truncated.
func (s *Stack) UDPReceive(id int, buf []byte, tmo Timeout) (int, netip.AddrPort, error) {
	s.mu.Lock()
	u, err := s.udpRequest(id, tmo)
	if err == nil && len(buf) == 0 {
		err = ErrParameter
	}
	if err != nil {
		s.mu.Unlock()
		return 0, netip.AddrPort{}, err
	}
	if tmo != TmoNonBlocking {
		switch {
		case u.held:
			n, from := u.take(buf)
			s.mu.Unlock()
			return n, from, nil
		case tmo == TmoPoll:
			s.mu.Unlock()
			return 0, netip.AddrPort{}, ErrTimeout
		}
	}
	u.req.install(OpUDPReceive, tmo)
	u.req.buf = buf
	wake := u.req.wake
	s.mu.Unlock()

	res, err := await(wake)
	return res.N, res.Remote, err
}

// UDPCancel forcibly releases the pending request of endpoint id if it
// matches op.
func (s *Stack) UDPCancel(id int, op OpCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.ucb(id)
	if u == nil || (op != OpAll && op != OpUDPSend && op != OpUDPReceive) {
		return ErrParameter
	}
	r := &u.req
	if !r.active || (op != OpAll && r.op != op) {
		return ErrObjectState
	}
	r.cancel = true
	return nil
}

func (s *Stack) completeUDP(u *ucb, res Result) {
	s.finish(&u.req, u.id, u.callback, res)
}

func (s *Stack) udpDispatch(u *ucb) {
	r := &u.req
	if !r.active {
		return
	}
	if r.cancel {
		u.log.Debugf("%s request released", r.op)
		s.completeUDP(u, Result{Err: ErrReleased})
		return
	}
	if !r.untreated {
		return
	}
	r.untreated = false
	if r.op == OpUDPReceive && u.held {
		n, from := u.take(r.buf)
		s.completeUDP(u, Result{N: n, Remote: from})
	}
}

func (s *Stack) udpTimer(u *ucb) {
	if r := &u.req; r.active && r.tmo.countdown() {
		r.tmo--
		if r.tmo == 0 {
			s.completeUDP(u, Result{Err: ErrTimeout})
		}
	}
}

func (s *Stack) udpInput(d datagram) {
	b := d.payload
	if len(b) < UdpHeaderLength {
		s.stats.UDPFormatErrors++
		return
	}
	h := header.UDP(b)
	length := int(h.Length())
	if length < UdpHeaderLength || length > len(b) {
		s.stats.UDPFormatErrors++
		return
	}
	b = b[:length]

	if h.Checksum() == 0 {
		if !s.channels[d.ch].cfg.AllowZeroUDPSum {
			s.stats.UDPChecksumErrors++
			return
		}
	} else {
		sum := pseudoHeaderChecksum(d.src, d.dst, ProtocolUDP, length)
		sum.Add(b)
		if !sum.Valid() {
			s.stats.UDPChecksumErrors++
			return
		}
	}

	u := s.udpLookup(d.ch, h.DestinationPort())
	if u == nil {
		s.stats.UDPNoEndpoint++
		return
	}
	s.stats.UDPInDatagrams++
	from := netip.AddrPortFrom(d.src, h.SourcePort())
	data := b[UdpHeaderLength:]

	r := &u.req
	switch {
	case r.active && r.op == OpUDPReceive && !r.untreated && !r.cancel:
		n := copy(r.buf, data)
		s.completeUDP(u, Result{N: n, Remote: from})
	case u.callback != nil:
		s.pending = append(s.pending, completion{
			cb:   u.callback,
			u:    u,
			id:   u.id,
			op:   OpUDPArrival,
			res:  Result{N: len(data), Remote: from},
			data: append([]byte(nil), data...),
		})
	default:
		u.hold(data, from)
	}
}

func (s *Stack) udpLookup(ch int, port uint16) *ucb {
	for _, u := range s.ucbs {
		if u.ch == ch && u.cfg.Port == port {
			return u
		}
	}
	return nil
}

// udpOutput emits the pending send of u. A busy link leaves it for the next
// pass; a hard link failure fails the request.
func (s *Stack) udpOutput(u *ucb) {
	r := &u.req
	if !r.active || r.op != OpUDPSend || r.untreated {
		return
	}
	c := s.channels[u.ch]
	var hdr [UdpHeaderLength]byte
	uh := header.UDP(hdr[:])
	uh.Encode(&header.UDPFields{
		SrcPort: u.cfg.Port,
		DstPort: r.remote.Port(),
		Length:  uint16(UdpHeaderLength + len(r.buf)),
	})
	if !c.cfg.DisableUDPSum {
		sum := pseudoHeaderChecksum(c.addr, r.remote.Addr(), ProtocolUDP, UdpHeaderLength+len(r.buf))
		sum.Add(hdr[:])
		sum.Add(r.buf)
		v := sum.Final()
		if v == 0 {
			v = 0xffff
		}
		uh.SetChecksum(v)
	}

	switch s.ipSend(u.ch, r.remote.Addr(), ProtocolUDP, hdr[:], r.buf) {
	case SendPending:
		return
	case SendOK:
		s.stats.UDPOutDatagrams++
		s.completeUDP(u, Result{N: len(r.buf)})
	default:
		s.completeUDP(u, Result{Err: ErrReset})
	}
}
