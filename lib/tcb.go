package lib

import (
	"net/netip"

	"github.com/sirupsen/logrus"
)

// pending control segments of a TCB, emitted by the send stage
const (
	txSYN uint8 = 1 << iota
	txACK
	txFIN
	txRST
)

// request is the single API request slot of a TCB or UCB.
type request struct {
	active    bool
	untreated bool // installed by the API, not yet started by the dispatch stage
	cancel    bool // Cancel asked for forced release on the next dispatch stage
	op        OpCode
	tmo       Timeout
	buf       []byte
	n         int            // bytes transferred so far
	rep       int            // reception point of an accept
	localPort uint16         // requested local port of a connect
	remote    netip.AddrPort // connect target or datagram destination
	wake      chan Result    // nil for non-blocking requests
}

func (r *request) install(op OpCode, tmo Timeout) {
	*r = request{active: true, untreated: true, op: op, tmo: tmo}
	if tmo != TmoNonBlocking {
		r.wake = make(chan Result, 1)
	}
}

// retransmission describes the one unacknowledged segment of a TCB. In
// delayed-ACK mode a chunk of new data goes out as two halves; the second
// half rides in shadow until the first is acknowledged.
type retransmission struct {
	armed      bool
	seq        uint32
	length     int   // data bytes
	flags      uint8 // SYN and FIN occupy one sequence number each
	shadow     int   // data bytes of the held second half, 0 when none
	shadowSent bool
	resend     bool // retransmit on the next send stage
	countdown  int  // ticks until the next retransmission
	abandon    int  // ticks until the connection is given up
	retries    int
}

func (r *retransmission) end() uint32 {
	n := uint32(r.length)
	if r.flags&(SYNFlag|FINFlag) != 0 {
		n++
	}
	return r.seq + n
}

// probe is the zero-window-probe timer, disarmed while interval is zero.
type probe struct {
	interval  int
	countdown int
	fire      bool
}

func (p *probe) armed() bool { return p.interval > 0 }

type tcb struct {
	id  int
	cfg TCPEndpointConfig
	ch  int
	log *logrus.Entry

	callback Callback

	status     State
	nextStatus State // adopted once the pending control segment is sent

	localPort uint16
	ephemeral bool // localPort came from the port pool
	remote    netip.AddrPort
	rep       int // reception point this endpoint listens on, 0 if active open

	iss, irs   uint32
	suna, snxt uint32
	rnxt       uint32
	rstSeq     uint32 // sequence number of a pending RST
	rstAck     bool   // pending RST carries an acknowledgement

	tx       uint8 // pending control segments
	finSent  bool
	finRecvd bool

	rbuf    []byte // receive window, filled bytes are rbuf[:rlen]
	rlen    int
	zeroWin bool // the last advertised window was zero

	peerWin int // window advertised by the remote
	swin    int // bytes the remote can take beyond what is in flight
	mss     int // negotiated segment size

	sbuf  []byte // data of the current send request
	sbase uint32 // sequence number of sbuf[0]

	rto  int // current retransmission interval, doubled on each retry
	rtx  retransmission
	zwp  probe
	dack struct {
		countdown int // ticks until a held ACK is sent, 0 when none is held
		segs      int
	}
	twCountdown int

	req request
}

func newTCB(id int, cfg TCPEndpointConfig, log *logrus.Entry) *tcb {
	t := &tcb{
		id:   id,
		cfg:  cfg,
		ch:   cfg.Channel,
		log:  log.WithField("cep", id),
		rbuf: make([]byte, cfg.RecvBufferSize),
	}
	t.reset()
	return t
}

// reset returns the TCB to CLOSED with everything but its configuration and
// request slot cleared.
func (t *tcb) reset() {
	*t = tcb{
		id:       t.id,
		cfg:      t.cfg,
		ch:       t.cfg.Channel,
		log:      t.log,
		rbuf:     t.rbuf,
		callback: t.callback,
		req:      t.req,
		rto:      ticks(t.cfg.RetransmitTimeout),
	}
}

func (t *tcb) setStatus(s State) {
	if t.status != s {
		t.log.WithField("state", s).Debugf("%s -> %s", t.status, s)
	}
	t.status = s
	t.nextStatus = s
}

func (t *tcb) free() int {
	return len(t.rbuf) - t.rlen
}

func (t *tcb) window() uint16 {
	return uint16(min(t.free(), 0xffff))
}

// unsent is the number of bytes of the send buffer not yet transmitted.
func (t *tcb) unsent() int {
	if t.sbuf == nil {
		return 0
	}
	return len(t.sbuf) - seqDistance(t.sbase, t.snxt)
}

// consume moves buffered bytes into buf and compacts the window.
func (t *tcb) consume(buf []byte) int {
	n := copy(buf, t.rbuf[:t.rlen])
	copy(t.rbuf, t.rbuf[n:t.rlen])
	t.rlen -= n
	if n > 0 && t.zeroWin {
		t.tx |= txACK
	}
	return n
}

// armRST replaces every pending control segment with an RST. The TCB moves
// to next once the RST has been sent.
func (t *tcb) armRST(next State) {
	t.tx = txRST
	t.rstSeq = t.snxt
	t.rstAck = t.status != StateSynSent
	t.nextStatus = next
	t.rtx = retransmission{}
	t.zwp = probe{}
}

func (t *tcb) armRetransmission(seq uint32, length int, flags uint8) {
	t.rtx = retransmission{
		armed:     true,
		seq:       seq,
		length:    length,
		flags:     flags,
		countdown: t.rto,
		abandon:   ticks(t.cfg.GiveUpTimeout),
	}
}

func (t *tcb) initialRTO() int {
	return ticks(t.cfg.RetransmitTimeout)
}
