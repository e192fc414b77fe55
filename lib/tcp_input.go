package lib

import (
	"net/netip"

	"github.com/google/netstack/tcpip/header"
)

// tcpInput runs the receive pipeline for one TCP segment: endpoint lookup,
// checksum, options, then the state machine. Any stage may drop the segment.
func (s *Stack) tcpInput(d datagram) {
	s.stats.TCPInSegs++
	if len(d.payload) < TcpHeaderLength {
		s.stats.TCPFormatErrors++
		return
	}
	h := header.TCP(d.payload)
	t := s.lookup(d.ch, d.src, h.SourcePort(), h.DestinationPort())
	if t == nil || d.broadcast {
		s.stats.TCPNoEndpoint++
		return
	}
	if !verifyTCPChecksum(d.src, d.dst, d.payload) {
		s.stats.TCPChecksumErrors++
		return
	}
	var seg Segment
	if err := seg.Unmarshal(d.payload); err != nil {
		if err == errSegmentOptions {
			s.stats.TCPOptionErrors++
		} else {
			s.stats.TCPFormatErrors++
		}
		return
	}
	if t.tx&txRST != 0 {
		// the connection is being torn down
		return
	}
	t.log.Debugf("in %s seq=%d ack=%d win=%d len=%d", flagString(seg.Flags),
		seg.SequenceNumber, seg.AcknowledgmentNum, seg.WindowSize, len(seg.Payload))

	switch t.status {
	case StateListen:
		s.listenInput(t, d.src, &seg)
	case StateSynSent:
		s.synSentInput(t, &seg)
	default:
		s.segmentArrives(t, &seg)
	}
}

// lookup finds the endpoint of a segment: a connection matching the full
// address tuple first, then a listener on the local port.
func (s *Stack) lookup(ch int, src netip.Addr, srcPort, dstPort uint16) *tcb {
	for _, t := range s.tcbs {
		if t.ch == ch && t.status != StateClosed && t.status != StateListen &&
			t.localPort == dstPort && t.remote.Port() == srcPort && t.remote.Addr() == src {
			return t
		}
	}
	for _, t := range s.tcbs {
		if t.ch == ch && t.status == StateListen && t.localPort == dstPort {
			return t
		}
	}
	return nil
}

// negotiateMSS clamps the peer's offer to the local segment size.
func (t *tcb) negotiateMSS(offered uint16) int {
	if offered == 0 {
		return t.cfg.MSS
	}
	return min(int(offered), t.cfg.MSS)
}

func (s *Stack) listenInput(t *tcb, src netip.Addr, seg *Segment) {
	if seg.has(RSTFlag) {
		return
	}
	if seg.has(FINFlag) && !seg.has(SYNFlag) {
		s.refuseFromListen(t, src, seg)
		return
	}
	if seg.has(ACKFlag) || !seg.has(SYNFlag) {
		s.stats.TCPOutOfWindow++
		return
	}

	t.remote = netip.AddrPortFrom(src, seg.SourcePort)
	t.irs = seg.SequenceNumber
	t.rnxt = SeqIncrement(t.irs)
	t.iss = s.initialSeq(t)
	t.suna, t.snxt = t.iss, t.iss
	t.mss = t.negotiateMSS(seg.MSS)
	t.peerWin = int(seg.WindowSize)
	t.swin = t.peerWin
	t.tx = txSYN | txACK
	t.setStatus(StateSynReceived)
	t.log.Debugf("connection request from %s", t.remote)
}

// refuseFromListen answers a FIN that reached a listener with a reset. The
// RST takes its sequence from the segment's acknowledgement, or acknowledges
// the segment when it carries none. The endpoint keeps listening afterwards.
func (s *Stack) refuseFromListen(t *tcb, src netip.Addr, seg *Segment) {
	t.log.Debugf("FIN from %s:%d while listening, resetting", src, seg.SourcePort)
	t.remote = netip.AddrPortFrom(src, seg.SourcePort)
	t.armRST(StateListen)
	if seg.has(ACKFlag) {
		t.rstSeq = seg.AcknowledgmentNum
		t.rstAck = false
	} else {
		t.rstSeq = 0
		t.rstAck = true
		t.rnxt = SeqIncrementBy(seg.SequenceNumber, seg.seqLen())
	}
}

func (s *Stack) synSentInput(t *tcb, seg *Segment) {
	ack := seg.AcknowledgmentNum
	if seg.has(ACKFlag) && ack != SeqIncrement(t.iss) {
		switch {
		case seg.has(RSTFlag):
		case seg.has(SYNFlag):
			t.log.Info("SYN+ACK acknowledges an unsent sequence number, connection refused")
			s.stats.TCPAborts++
			s.failTCP(t, ErrReset)
			t.armRST(StateClosed)
			t.rstSeq = ack
			t.rstAck = false
			return
		}
		s.stats.TCPOutOfWindow++
		return
	}
	if seg.has(RSTFlag) {
		if seg.has(ACKFlag) {
			t.log.Info("connection refused by peer")
			s.abort(t, ErrReset)
		}
		return
	}
	if seg.has(FINFlag) && !seg.has(SYNFlag) {
		s.dropConnection(t)
		return
	}
	if !seg.has(SYNFlag) || !seg.has(ACKFlag) {
		// simultaneous open is not supported
		s.stats.TCPOutOfWindow++
		return
	}

	t.irs = seg.SequenceNumber
	t.rnxt = SeqIncrement(t.irs)
	t.suna = ack
	t.rtx = retransmission{}
	t.rto = t.initialRTO()
	t.mss = t.negotiateMSS(seg.MSS)
	t.peerWin = int(seg.WindowSize)
	t.swin = t.peerWin
	t.tx |= txACK
	t.nextStatus = StateEstablished
}

// segmentArrives handles a segment for a connection past the SYN_SENT stage.
func (s *Stack) segmentArrives(t *tcb, seg *Segment) {
	if seg.has(RSTFlag) {
		if !seqInWindow(seg.SequenceNumber, t.rnxt, max(t.free(), 1)) {
			s.stats.TCPOutOfWindow++
			return
		}
		s.resetByPeer(t)
		return
	}

	if seg.has(SYNFlag) {
		if seg.SequenceNumber == t.irs {
			// retransmitted handshake segment from the peer
			if t.status == StateSynReceived {
				t.rtx.resend = t.rtx.armed
			} else {
				t.tx |= txACK
			}
			return
		}
		t.log.Infof("SYN with sequence %d does not match %d", seg.SequenceNumber, t.irs)
		s.dropConnection(t)
		return
	}

	if !seg.has(ACKFlag) {
		s.stats.TCPFormatErrors++
		return
	}
	if !s.ackInput(t, seg) {
		return
	}
	whole := s.dataInput(t, seg)
	if seg.has(FINFlag) {
		s.finInput(t, whole)
	}
	s.windowUpdate(t, seg)
}

func (s *Stack) resetByPeer(t *tcb) {
	switch {
	case t.status == StateSynReceived && t.req.active && t.req.op == OpAccept:
		t.log.Debug("half-open connection reset by peer")
		s.relisten(t)
	case t.status == StateTimeWait:
		s.closed(t)
	default:
		t.log.WithField("state", t.status).Info("connection reset by peer")
		s.abort(t, ErrReset)
	}
}

// ackInput processes the acknowledgement field. It reports whether the
// segment should be processed further.
func (s *Stack) ackInput(t *tcb, seg *Segment) bool {
	ack := seg.AcknowledgmentNum
	if isGreater(ack, t.snxt) {
		t.tx |= txACK
		s.stats.TCPOutOfWindow++
		return false
	}
	if !isGreater(ack, t.suna) {
		if t.status != StateSynReceived {
			return true
		}
		if seg.has(FINFlag) {
			s.dropConnection(t)
		} else {
			s.stats.TCPOutOfWindow++
		}
		return false
	}
	t.suna = ack

	s.ackRetransmission(t)

	if t.status == StateSynReceived {
		t.setStatus(StateEstablished)
		t.log.Infof("connection accepted from %s", t.remote)
		if t.req.active && t.req.op == OpAccept {
			s.completeTCP(t, Result{Remote: t.remote})
		}
	}

	if t.sbuf != nil {
		done := min(seqDistance(t.sbase, t.suna), len(t.sbuf))
		if r := &t.req; r.active && r.op == OpSend && !r.untreated {
			r.n = done
			if done == len(t.sbuf) {
				s.completeTCP(t, Result{N: done})
			}
		}
		if done == len(t.sbuf) {
			t.sbuf = nil
		}
	}

	if t.finSent && t.suna == t.snxt {
		return s.finAcked(t)
	}
	return true
}

// ackRetransmission releases what the new suna covers from the
// retransmission descriptor. Without delayed ACK every advance resets the
// backoff; with it, the backoff survives until the held half is covered too.
func (s *Stack) ackRetransmission(t *tcb) {
	if !t.cfg.DelayedAck {
		t.rto = t.initialRTO()
	}
	r := &t.rtx
	if !r.armed || isLess(t.suna, r.end()) {
		return
	}
	switch {
	case r.shadow > 0 && r.shadowSent && isLess(t.suna, r.end()+uint32(r.shadow)):
		*r = retransmission{
			armed:     true,
			seq:       r.end(),
			length:    r.shadow,
			flags:     ACKFlag | PSHFlag,
			countdown: r.countdown,
			abandon:   r.abandon,
			retries:   r.retries,
		}
	case r.shadow > 0 && !r.shadowSent:
		// the held half was never sent; it leaves as new data
		*r = retransmission{}
	default:
		*r = retransmission{}
		t.rto = t.initialRTO()
	}
}

func (s *Stack) finAcked(t *tcb) bool {
	shutdown := t.req.active && t.req.op == OpShutdown
	switch t.status {
	case StateFinWait1:
		t.setStatus(StateFinWait2)
	case StateClosing:
		t.setStatus(StateTimeWait)
		t.twCountdown = max(ticks(t.cfg.TwoMSL), timeWaitMinimum)
	case StateLastAck:
		if shutdown {
			s.completeTCP(t, Result{})
		}
		s.closed(t)
		return false
	default:
		return true
	}
	if shutdown {
		s.completeTCP(t, Result{})
	}
	return true
}

// dataInput accepts in-order data up to the free window space. It reports
// whether the segment was taken whole, which a FIN on it requires.
func (s *Stack) dataInput(t *tcb, seg *Segment) bool {
	n := len(seg.Payload)
	if n == 0 {
		return seg.SequenceNumber == t.rnxt
	}
	if !waitsForData(t.status) || seg.SequenceNumber != t.rnxt {
		t.tx |= txACK
		s.stats.TCPOutOfWindow++
		return false
	}

	taken := copy(t.rbuf[t.rlen:], seg.Payload)
	t.rlen += taken
	t.rnxt = SeqIncrementBy(t.rnxt, uint32(taken))
	if taken < n {
		s.stats.TCPTruncated += uint64(n - taken)
		t.tx |= txACK
	} else if t.cfg.DelayedAck {
		t.dack.segs++
		if t.dack.segs >= 2 {
			t.tx |= txACK
		} else if t.dack.countdown == 0 {
			t.dack.countdown = delayedAckTicks
		}
	} else {
		t.tx |= txACK
	}

	if r := &t.req; r.active && r.op == OpReceive && !r.untreated && t.rlen > 0 {
		s.completeTCP(t, Result{N: t.consume(r.buf)})
	}
	return taken == n
}

// finInput handles the peer's FIN.
func (s *Stack) finInput(t *tcb, acceptable bool) {
	if !acceptable || t.finRecvd {
		t.tx |= txACK
		return
	}
	t.rnxt++
	t.finRecvd = true
	t.tx |= txACK
	t.dack.countdown = 0

	switch t.status {
	case StateEstablished:
		next := StateCloseWait
		if t.nextStatus == StateFinWait1 {
			next = StateLastAck
		}
		t.setStatus(StateCloseWait)
		t.nextStatus = next
	case StateFinWait1:
		t.setStatus(StateClosing)
	case StateFinWait2:
		t.setStatus(StateTimeWait)
		t.twCountdown = max(ticks(t.cfg.TwoMSL), timeWaitMinimum)
	}

	if r := &t.req; r.active && r.op == OpReceive && !r.untreated && t.rlen == 0 {
		s.completeTCP(t, Result{})
	}
}

// windowUpdate recomputes the send window from the peer's advertisement and
// what is still in flight.
func (s *Stack) windowUpdate(t *tcb, seg *Segment) {
	ack := seg.AcknowledgmentNum
	if isLess(ack, t.suna) {
		return
	}
	t.peerWin = int(seg.WindowSize)
	t.swin = max(t.peerWin-seqDistance(ack, t.snxt), 0)
	t.checkProbe()
}

// checkProbe arms the zero-window probe while the peer's window is closed
// with data waiting and nothing in flight, and disarms it once it reopens.
func (t *tcb) checkProbe() {
	switch {
	case t.peerWin > 0:
		t.zwp = probe{}
	case t.unsent() > 0 && !t.rtx.armed && !t.zwp.armed():
		t.zwp = probe{interval: t.initialRTO(), countdown: t.initialRTO()}
	}
}
