package lib

// tcpTimer ages every countdown of t by one tick.
func (s *Stack) tcpTimer(t *tcb) {
	if t.status == StateTimeWait {
		t.twCountdown--
		if t.twCountdown <= 0 {
			t.log.Debug("2MSL expired")
			s.abort(t, ErrReset)
			return
		}
	}

	if r := &t.req; r.active && r.tmo.countdown() {
		r.tmo--
		if r.tmo == 0 {
			s.abandon(t, ErrTimeout)
		}
	}

	if t.dack.countdown > 0 {
		t.dack.countdown--
		if t.dack.countdown == 0 {
			t.tx |= txACK
		}
	}

	if t.rtx.armed {
		s.retransmitTimer(t)
	}

	if t.zwp.armed() {
		t.zwp.countdown--
		if t.zwp.countdown <= 0 {
			t.zwp.fire = true
			t.zwp.interval = min(t.zwp.interval*2, ticks(t.cfg.MaxRetransmitInterval))
			t.zwp.countdown = t.zwp.interval
		}
	}
}

// retransmitTimer counts down the retry interval and the give-up time of
// the segment in flight independently. Each expiry of the interval doubles
// it up to the configured ceiling and re-arms the segment; running out of
// retries or time drops the connection.
func (s *Stack) retransmitTimer(t *tcb) {
	r := &t.rtx
	r.abandon--
	r.countdown--
	if r.abandon <= 0 || (r.countdown <= 0 && r.retries >= maxRetransmitCount) {
		t.log.Infof("segment seq=%d unacknowledged after %d retransmissions", r.seq, r.retries)
		s.dropConnection(t)
		return
	}
	if r.countdown > 0 {
		return
	}
	r.retries++
	t.rto = min(t.rto*2, ticks(t.cfg.MaxRetransmitInterval))
	r.countdown = t.rto
	r.resend = true
}
