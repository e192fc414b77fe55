package lib

// maxSegmentsPerPass bounds what one endpoint may emit in a single send stage.
const maxSegmentsPerPass = 4

func (s *Stack) tcpOutput(t *tcb) {
	for i := 0; i < maxSegmentsPerPass; i++ {
		if !s.emit(t) {
			return
		}
	}
}

// emit sends the most urgent pending segment of t and reports whether
// another one may follow in the same pass.
func (s *Stack) emit(t *tcb) bool {
	switch {
	case t.tx&txRST != 0:
		return s.sendRST(t)
	case t.rtx.armed && t.rtx.resend:
		return s.sendRetransmission(t)
	case t.zwp.fire:
		return s.sendProbe(t)
	case t.tx&txSYN != 0:
		return s.sendSYN(t)
	case t.rtx.armed && t.rtx.shadow > 0 && !t.rtx.shadowSent:
		return s.sendShadow(t)
	case !t.rtx.armed && t.unsent() > 0 && t.swin > 0 && t.status.synchronized() && !t.finSent:
		return s.sendData(t)
	case t.tx&txFIN != 0 && !t.rtx.armed && t.unsent() == 0:
		return s.sendFIN(t)
	case t.tx&txACK != 0:
		return s.sendACK(t)
	}
	return false
}

// transmit builds and sends one segment. Every segment carrying ACK also
// discharges a pending or delayed acknowledgement.
func (s *Stack) transmit(t *tcb, seq uint32, flags uint8, payload []byte) SendStatus {
	seg := Segment{
		SourcePort:      t.localPort,
		DestinationPort: t.remote.Port(),
		SequenceNumber:  seq,
		Flags:           flags,
		WindowSize:      t.window(),
		Payload:         payload,
	}
	if flags&ACKFlag != 0 {
		seg.AcknowledgmentNum = t.rnxt
	}
	if flags&SYNFlag != 0 {
		seg.MSS = uint16(t.cfg.MSS)
	}
	c := s.channels[t.ch]
	hlen, err := seg.Marshal(c.addr, t.remote.Addr(), s.txSegment)
	if err != nil {
		t.log.Errorf("marshal segment: %v", err)
		return SendFailed
	}

	st := s.ipSend(t.ch, t.remote.Addr(), ProtocolTCP, s.txSegment[:hlen], payload)
	if st == SendPending {
		return st
	}
	s.stats.TCPOutSegs++
	t.log.Debugf("out %s seq=%d ack=%d win=%d len=%d (%s)", flagString(flags),
		seq, seg.AcknowledgmentNum, seg.WindowSize, len(payload), st)
	if flags&ACKFlag != 0 {
		t.tx &^= txACK
		t.dack.countdown = 0
		t.dack.segs = 0
		t.zeroWin = seg.WindowSize == 0
	}
	return st
}

func (s *Stack) sendRST(t *tcb) bool {
	flags := RSTFlag
	if t.rstAck {
		flags |= ACKFlag
	}
	if s.transmit(t, t.rstSeq, flags, nil) == SendPending {
		return false
	}
	s.stats.TCPOutRsts++
	t.tx = 0
	if t.nextStatus == StateListen {
		s.relisten(t)
		return false
	}
	s.abort(t, ErrReset)
	return false
}

func (s *Stack) sendSYN(t *tcb) bool {
	flags := SYNFlag
	if t.tx&txACK != 0 {
		flags |= ACKFlag
	}
	if s.transmit(t, t.iss, flags, nil) == SendPending {
		return false
	}
	t.tx &^= txSYN
	t.snxt = t.iss + 1
	t.armRetransmission(t.iss, 0, flags)
	if t.nextStatus != t.status {
		t.setStatus(t.nextStatus)
	}
	return true
}

func (s *Stack) sendRetransmission(t *tcb) bool {
	r := &t.rtx
	var payload []byte
	if r.length > 0 {
		off := seqDistance(t.sbase, r.seq)
		payload = t.sbuf[off : off+r.length]
	}
	if s.transmit(t, r.seq, r.flags, payload) == SendPending {
		return false
	}
	r.resend = false
	s.stats.TCPRetransSegs++
	t.log.Debugf("retransmission %d of seq=%d, next in %d ticks", r.retries, r.seq, r.countdown)
	return true
}

// sendProbe sends one already acknowledged byte below suna. The peer drops
// it and answers with its current window.
func (s *Stack) sendProbe(t *tcb) bool {
	if s.transmit(t, t.suna-1, ACKFlag, s.probeByte[:]) == SendPending {
		return false
	}
	t.zwp.fire = false
	s.stats.TCPProbeSegs++
	return true
}

// sendData starts a new chunk of the send buffer. With delayed ACK the chunk
// is split in two halves so the peer sees two segments and acknowledges at
// once; the second half is held in shadow and follows immediately.
func (s *Stack) sendData(t *tcb) bool {
	n := min(t.unsent(), t.mss, t.swin)
	first := n
	if t.cfg.DelayedAck && n > 1 {
		first = (n + 1) / 2
	}
	off := seqDistance(t.sbase, t.snxt)
	flags := ACKFlag
	if off+n == len(t.sbuf) {
		flags |= PSHFlag
	}
	if s.transmit(t, t.snxt, flags, t.sbuf[off:off+first]) == SendPending {
		return false
	}
	t.armRetransmission(t.snxt, first, flags)
	t.rtx.shadow = n - first
	t.snxt += uint32(first)
	t.swin -= first
	return true
}

func (s *Stack) sendShadow(t *tcb) bool {
	r := &t.rtx
	off := seqDistance(t.sbase, t.snxt)
	flags := ACKFlag
	if off+r.shadow == len(t.sbuf) {
		flags |= PSHFlag
	}
	if s.transmit(t, t.snxt, flags, t.sbuf[off:off+r.shadow]) == SendPending {
		return false
	}
	r.shadowSent = true
	t.snxt += uint32(r.shadow)
	t.swin -= r.shadow
	return true
}

func (s *Stack) sendFIN(t *tcb) bool {
	flags := FINFlag | ACKFlag
	if s.transmit(t, t.snxt, flags, nil) == SendPending {
		return false
	}
	t.tx &^= txFIN
	t.finSent = true
	t.armRetransmission(t.snxt, 0, flags)
	t.snxt++
	t.setStatus(t.nextStatus)
	return true
}

// sendACK sends a bare acknowledgement and applies a transition that was
// waiting for it, which completes an active open.
func (s *Stack) sendACK(t *tcb) bool {
	if s.transmit(t, t.snxt, ACKFlag, nil) == SendPending {
		return false
	}
	if t.status == StateSynSent && t.nextStatus == StateEstablished {
		t.setStatus(StateEstablished)
		t.log.Infof("connected to %s", t.remote)
		if t.req.active && t.req.op == OpConnect {
			s.completeTCP(t, Result{})
		}
	}
	return false
}
