package lib

import "net/netip"

// SetTCPCallback registers the completion handler of endpoint cep. A handler
// is required before non-blocking calls can be made on the endpoint.
func (s *Stack) SetTCPCallback(cep int, cb Callback) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tcb(cep)
	if t == nil {
		return ErrParameter
	}
	t.callback = cb
	return nil
}

// State returns the connection state of endpoint cep.
func (s *Stack) State(cep int) State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.tcb(cep); t != nil {
		return t.status
	}
	return StateClosed
}

// Addresses returns the local and remote address of endpoint cep's current
// or last connection.
func (s *Stack) Addresses(cep int) (local, remote netip.AddrPort) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tcb(cep)
	if t == nil {
		return
	}
	return netip.AddrPortFrom(s.channels[t.ch].addr, t.localPort), t.remote
}

func (s *Stack) tcb(cep int) *tcb {
	if cep < 1 || cep > len(s.tcbs) {
		return nil
	}
	return s.tcbs[cep-1]
}

// tcpRequest performs the checks shared by every request-posting call.
// The stack lock must be held.
func (s *Stack) tcpRequest(cep int, op OpCode, tmo Timeout) (*tcb, error) {
	if !tmo.valid() || (tmo == TmoPoll && op != OpReceive) || !s.blockingAllowed(tmo) {
		return nil, ErrParameter
	}
	t := s.tcb(cep)
	if t == nil {
		return nil, ErrParameter
	}
	if tmo == TmoNonBlocking && t.callback == nil {
		return nil, ErrParameter
	}
	if t.req.active {
		return nil, ErrQueueOverflow
	}
	return t, nil
}

// await blocks on a request's wake channel. Non-blocking requests report
// ErrWouldBlock; their result arrives through the endpoint callback.
func await(wake chan Result) (Result, error) {
	if wake == nil {
		return Result{}, ErrWouldBlock
	}
	res := <-wake
	return res, res.Err
}

// Accept waits for a connection on reception point rep and returns the
// address of the peer that opened it.
func (s *Stack) Accept(cep, rep int, tmo Timeout) (netip.AddrPort, error) {
	s.mu.Lock()
	t, err := s.tcpRequest(cep, OpAccept, tmo)
	if err == nil {
		switch {
		case rep < 1 || rep > len(s.config.Reps) || s.config.Reps[rep-1].Channel != t.ch:
			err = ErrParameter
		case t.status != StateClosed || t.tx != 0:
			err = ErrObjectState
		}
	}
	if err != nil {
		s.mu.Unlock()
		return netip.AddrPort{}, err
	}
	t.req.install(OpAccept, tmo)
	t.req.rep = rep
	wake := t.req.wake
	s.mu.Unlock()

	res, err := await(wake)
	return res.Remote, err
}

// Connect opens a connection to remote. A zero localPort takes one from the
// ephemeral range. TCP to multicast or broadcast addresses is not supported.
func (s *Stack) Connect(cep int, localPort uint16, remote netip.AddrPort, tmo Timeout) error {
	s.mu.Lock()
	t, err := s.tcpRequest(cep, OpConnect, tmo)
	if err == nil {
		switch {
		case !remote.Addr().Is4() || remote.Port() == 0:
			err = ErrParameter
		case remote.Addr().IsMulticast() || isLimitedBroadcast(remote.Addr()):
			err = ErrNotSupported
		case t.status != StateClosed || t.tx != 0:
			err = ErrObjectState
		}
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	t.req.install(OpConnect, tmo)
	t.req.localPort = localPort
	t.req.remote = remote
	wake := t.req.wake
	s.mu.Unlock()

	_, err = await(wake)
	return err
}

// Shutdown sends FIN and completes once the peer has acknowledged it.
// Receiving stays possible until the peer closes its side.
func (s *Stack) Shutdown(cep int, tmo Timeout) error {
	s.mu.Lock()
	t, err := s.tcpRequest(cep, OpShutdown, tmo)
	if err == nil && t.status != StateEstablished && t.status != StateCloseWait {
		err = ErrObjectState
	}
	if err != nil {
		s.mu.Unlock()
		return err
	}
	t.req.install(OpShutdown, tmo)
	wake := t.req.wake
	s.mu.Unlock()

	_, err = await(wake)
	return err
}

// Close releases the endpoint. A connection that is not idle is reset first.
func (s *Stack) Close(cep int, tmo Timeout) error {
	s.mu.Lock()
	t, err := s.tcpRequest(cep, OpClose, tmo)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if t.status == StateClosed && t.tx == 0 {
		s.mu.Unlock()
		return nil
	}
	t.req.install(OpClose, tmo)
	wake := t.req.wake
	s.mu.Unlock()

	_, err = await(wake)
	return err
}

// Send transmits data and returns once all of it has been acknowledged.
func (s *Stack) Send(cep int, data []byte, tmo Timeout) (int, error) {
	s.mu.Lock()
	t, err := s.tcpRequest(cep, OpSend, tmo)
	if err == nil && t.status != StateEstablished && t.status != StateCloseWait {
		err = ErrObjectState
	}
	if err != nil || len(data) == 0 {
		s.mu.Unlock()
		return 0, err
	}
	t.req.install(OpSend, tmo)
	t.req.buf = data
	wake := t.req.wake
	s.mu.Unlock()

	res, err := await(wake)
	return res.N, err
}

// Receive copies buffered data into buf. It returns 0 with a nil error once
// the peer has closed its side and everything has been read. In poll mode
// it never waits and fails with ErrTimeout when nothing is buffered.
func (s *Stack) Receive(cep int, buf []byte, tmo Timeout) (int, error) {
	s.mu.Lock()
	t, err := s.tcpRequest(cep, OpReceive, tmo)
	if err == nil && len(buf) == 0 {
		err = ErrParameter
	}
	if err == nil && !receivable(t.status) {
		err = ErrObjectState
	}
	if err != nil {
		s.mu.Unlock()
		return 0, err
	}
	if tmo != TmoNonBlocking {
		switch {
		case t.rlen > 0:
			n := t.consume(buf)
			s.mu.Unlock()
			return n, nil
		case t.finRecvd:
			s.mu.Unlock()
			return 0, nil
		case tmo == TmoPoll:
			s.mu.Unlock()
			return 0, ErrTimeout
		}
	}
	t.req.install(OpReceive, tmo)
	t.req.buf = buf
	wake := t.req.wake
	s.mu.Unlock()

	res, err := await(wake)
	return res.N, err
}

// Cancel forcibly releases the pending request of cep if it matches op
// (OpAll matches any). The request completes with ErrReleased on the next
// pass.
func (s *Stack) Cancel(cep int, op OpCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.tcb(cep)
	if t == nil || op < OpAll || op > OpReceive {
		return ErrParameter
	}
	r := &t.req
	if !r.active || (op != OpAll && r.op != op) {
		return ErrObjectState
	}
	r.cancel = true
	return nil
}

func receivable(st State) bool {
	switch st {
	case StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait,
		StateClosing, StateLastAck, StateTimeWait:
		return true
	}
	return false
}

// waitsForData reports whether a receive may wait in st for more data.
func waitsForData(st State) bool {
	return st == StateEstablished || st == StateFinWait1 || st == StateFinWait2
}

// tcpDispatch starts a freshly posted request or discharges a cancelled one.
func (s *Stack) tcpDispatch(t *tcb) {
	r := &t.req
	if !r.active {
		return
	}
	if r.cancel {
		s.abandon(t, ErrReleased)
		return
	}
	if !r.untreated {
		return
	}

	switch r.op {
	case OpAccept:
		s.startAccept(t)
	case OpConnect:
		s.startConnect(t)
	case OpShutdown:
		s.startShutdown(t)
	case OpClose:
		s.startClose(t)
	case OpSend:
		s.startSend(t)
	case OpReceive:
		s.startReceive(t)
	}
}

func (s *Stack) completeTCP(t *tcb, res Result) {
	s.finish(&t.req, t.id, t.callback, res)
}

func (s *Stack) failTCP(t *tcb, err ErrorCode) {
	s.completeTCP(t, Result{Err: err})
}

func (s *Stack) startAccept(t *tcb) {
	if t.status != StateClosed || t.tx != 0 {
		s.failTCP(t, ErrObjectState)
		return
	}
	t.req.untreated = false
	t.rep = t.req.rep
	t.localPort = s.config.Reps[t.rep-1].Port
	t.setStatus(StateListen)
}

func (s *Stack) startConnect(t *tcb) {
	if t.status != StateClosed || t.tx != 0 {
		s.failTCP(t, ErrObjectState)
		return
	}
	port := t.req.localPort
	if port == 0 {
		p, err := s.ports.allocatePort()
		if err != nil {
			t.log.Warnf("connect: %v", err)
			s.failTCP(t, ErrObjectState)
			return
		}
		port = p
		t.ephemeral = true
	}
	t.req.untreated = false
	t.localPort = port
	t.remote = t.req.remote
	t.iss = s.initialSeq(t)
	t.suna, t.snxt = t.iss, t.iss
	t.mss = t.cfg.MSS
	t.tx = txSYN
	t.nextStatus = StateSynSent
}

func (s *Stack) startShutdown(t *tcb) {
	switch t.status {
	case StateEstablished:
		t.nextStatus = StateFinWait1
	case StateCloseWait:
		t.nextStatus = StateLastAck
	default:
		s.failTCP(t, ErrObjectState)
		return
	}
	t.req.untreated = false
	t.tx |= txFIN
}

func (s *Stack) startClose(t *tcb) {
	switch t.status {
	case StateClosed, StateListen, StateTimeWait:
		s.closed(t)
		s.completeTCP(t, Result{})
		return
	}
	t.req.untreated = false
	if t.tx&txRST != 0 {
		t.nextStatus = StateClosed
		return
	}
	t.armRST(StateClosed)
}

func (s *Stack) startSend(t *tcb) {
	if t.status != StateEstablished && t.status != StateCloseWait {
		s.failTCP(t, ErrObjectState)
		return
	}
	if t.sbuf != nil {
		// data of an abandoned send is still in flight
		return
	}
	t.req.untreated = false
	t.sbuf = t.req.buf
	t.sbase = t.snxt
	t.checkProbe()
}

func (s *Stack) startReceive(t *tcb) {
	switch {
	case t.rlen > 0:
		s.completeTCP(t, Result{N: t.consume(t.req.buf)})
	case t.finRecvd:
		s.completeTCP(t, Result{})
	case !waitsForData(t.status):
		s.failTCP(t, ErrObjectState)
	default:
		t.req.untreated = false
	}
}

// abandon ends the pending request with err on timeout or cancellation.
// An unfinished handshake is torn down with it; other connection state is
// left alone.
func (s *Stack) abandon(t *tcb, err ErrorCode) {
	r := &t.req
	switch {
	case r.untreated:
	case r.op == OpConnect:
		if t.status == StateClosed {
			s.closed(t)
		} else if t.tx&txRST == 0 {
			t.armRST(StateClosed)
		}
	case r.op == OpAccept:
		if t.status == StateSynReceived {
			t.armRST(StateClosed)
		} else if t.status == StateListen {
			s.closed(t)
		}
	case r.op == OpSend:
		t.truncateSend()
	}
	t.log.Debugf("%s request abandoned: %v", r.op, err)
	s.failTCP(t, err)
}

// truncateSend stops transmission of unsent data once its request is gone.
// The bytes in flight are copied, since the caller owns the buffer again.
func (t *tcb) truncateSend() {
	if t.sbuf == nil {
		return
	}
	sent := min(seqDistance(t.sbase, t.snxt), len(t.sbuf))
	acked := min(seqDistance(t.sbase, t.suna), sent)
	if acked == sent {
		t.sbuf = nil
		return
	}
	t.sbuf = append([]byte(nil), t.sbuf[:sent]...)
}

func (s *Stack) initialSeq(t *tcb) uint32 {
	if t.cfg.InitialSeq != 0 {
		return t.cfg.InitialSeq
	}
	isn, err := GenerateISN()
	if err != nil {
		t.log.Warnf("random initial sequence number: %v", err)
		return s.now.Load() * 2500
	}
	return isn
}

// closed returns t to CLOSED and gives back its ephemeral port.
func (s *Stack) closed(t *tcb) {
	if t.ephemeral {
		if err := s.ports.returnPort(t.localPort); err != nil {
			t.log.Warnf("release port %d: %v", t.localPort, err)
		}
	}
	if t.status != StateClosed {
		t.log.WithField("state", StateClosed).Debugf("%s -> %s", t.status, StateClosed)
	}
	t.reset()
}

// abort closes t and fails its pending request with err. A pending close is
// what the application asked for, so it succeeds.
func (s *Stack) abort(t *tcb, err ErrorCode) {
	if t.req.active {
		if t.req.op == OpClose {
			s.completeTCP(t, Result{})
		} else {
			s.failTCP(t, err)
		}
	}
	s.closed(t)
}

// relisten drops a half-open connection and puts t back in LISTEN on the
// same reception point, keeping the pending accept.
func (s *Stack) relisten(t *tcb) {
	rep, port := t.rep, t.localPort
	t.reset()
	t.rep, t.localPort = rep, port
	t.setStatus(StateListen)
}

// dropConnection resets the connection after a protocol violation or
// retransmission exhaustion. A half-open connection with an accept waiting
// falls back to LISTEN; anything else ends in CLOSED with the request failed.
func (s *Stack) dropConnection(t *tcb) {
	s.stats.TCPAborts++
	if t.status == StateSynReceived && t.req.active && t.req.op == OpAccept {
		t.log.Info("half-open connection dropped, listening again")
		t.armRST(StateListen)
		return
	}
	t.log.WithField("state", t.status).Info("connection reset")
	if t.req.active {
		if t.req.op == OpClose {
			s.completeTCP(t, Result{})
		} else {
			s.failTCP(t, ErrReset)
		}
	}
	t.armRST(StateClosed)
}
