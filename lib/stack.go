package lib

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Callback receives the completion of a non-blocking request, or an
// OpUDPArrival notice for UDP endpoints in callback mode. It runs on the
// goroutine driving Process, after the stack lock has been released.
type Callback func(id int, op OpCode, res *Result)

// completion is a finished non-blocking request waiting for its callback.
type completion struct {
	cb   Callback
	u    *ucb // set for OpUDPArrival
	id   int
	op   OpCode
	res  Result
	data []byte // datagram of an OpUDPArrival
}

// Stack is a statically configured TCP/UDP/IPv4 engine. All state lives in
// fixed tables built by NewStack; Process runs one cooperative pass over
// them and the socket-like API posts requests that the pass carries out.
type Stack struct {
	mu       sync.Mutex
	config   *StackConfig
	link     Link
	log      *logrus.Entry
	channels []*channel
	tcbs     []*tcb
	ucbs     []*ucb
	ports    *PortPool

	now  atomic.Uint32 // ticks since start, advanced by Tick
	last uint32        // tick of the last timer pass

	stats     Stats
	txHeader  []byte // IP header plus transport header of the datagram being sent
	txSegment []byte // transport header scratch
	probeByte [1]byte

	pending    []completion // callbacks collected during the current pass
	delivering atomic.Bool
}

func NewStack(config *StackConfig, link Link) (*Stack, error) {
	if config == nil {
		config = DefaultStackConfig()
	}
	if link == nil {
		return nil, errors.New("link must not be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid stack configuration")
	}

	logger := logrus.StandardLogger()
	if config.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}
	s := &Stack{
		config:    config,
		link:      link,
		log:       logger.WithField("component", "tcpip"),
		txHeader:  make([]byte, IpHeaderLength+TcpHeaderLength+TcpOptionsMaxLength),
		txSegment: make([]byte, TcpHeaderLength+TcpOptionsMaxLength),
	}
	for _, c := range config.Channels {
		s.channels = append(s.channels, newChannel(c))
	}

	reserved := make(map[uint16]bool)
	for _, rep := range config.Reps {
		reserved[rep.Port] = true
	}
	for _, u := range config.UDPEndpoints {
		reserved[u.Port] = true
	}
	s.ports = newPortPool(config.EphemeralLow, config.EphemeralHigh, reserved)

	for i, c := range config.TCPEndpoints {
		s.tcbs = append(s.tcbs, newTCB(i+1, c, s.log))
	}
	for i, c := range config.UDPEndpoints {
		s.ucbs = append(s.ucbs, newUCB(i+1, c, s.log))
	}

	s.log.Infof("stack started: %d channel(s), %d tcp endpoint(s), %d udp endpoint(s)",
		len(s.channels), len(s.tcbs), len(s.ucbs))
	return s, nil
}

// Tick advances the 10 ms time base. It only touches an atomic counter and
// may be called from any goroutine; the countdowns run on the next Process.
func (s *Stack) Tick() {
	s.now.Add(1)
}

// Now returns the current tick count.
func (s *Stack) Now() uint32 {
	return s.now.Load()
}

// Process runs one scheduling pass: the timer pass if the time base moved,
// then receive, API dispatch and send, repeated while frames keep arriving.
// Callbacks of requests completed during the pass run before it returns.
func (s *Stack) Process() {
	s.mu.Lock()
	for now := s.now.Load(); s.last != now; {
		s.last++
		s.timerPass()
	}
	for {
		more := false
		for ch := range s.channels {
			if s.receive(ch) {
				more = true
			}
		}
		s.dispatch()
		s.output()
		if !more {
			break
		}
	}
	done := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.deliver(done)
}

// Run drives the stack until ctx is done: one tick and pass every 10 ms, and
// an extra pass whenever a Notifier link signals inbound traffic.
func (s *Stack) Run(ctx context.Context) error {
	ticker := time.NewTicker(TickInterval * time.Millisecond)
	defer ticker.Stop()

	var notify <-chan struct{}
	if n, ok := s.link.(Notifier); ok {
		notify = n.Notify()
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick()
			s.Process()
		case <-notify:
			s.Process()
		}
	}
}

// Stats returns a snapshot of the diagnostics counters.
func (s *Stack) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// receive handles the frame pending on ch, if any, and reports whether there
// was one.
func (s *Stack) receive(ch int) bool {
	rx, ok := s.link.Receive(ch)
	if !ok {
		return false
	}
	defer s.link.Release(ch)
	if !rx.Recognized {
		return true
	}

	d, ok := s.ipReceive(ch, rx.Data)
	if !ok {
		return true
	}
	switch d.protocol {
	case ProtocolTCP:
		s.tcpInput(d)
	case ProtocolUDP:
		s.udpInput(d)
	case ProtocolICMP:
		s.icmpInput(d)
	default:
		s.stats.IPProtocolErrors++
	}
	return true
}

func (s *Stack) timerPass() {
	for _, t := range s.tcbs {
		s.tcpTimer(t)
	}
	for _, u := range s.ucbs {
		s.udpTimer(u)
	}
}

func (s *Stack) dispatch() {
	for _, t := range s.tcbs {
		s.tcpDispatch(t)
	}
	for _, u := range s.ucbs {
		s.udpDispatch(u)
	}
}

func (s *Stack) output() {
	for ch := range s.channels {
		s.icmpOutput(ch)
	}
	for _, t := range s.tcbs {
		s.tcpOutput(t)
	}
	for _, u := range s.ucbs {
		s.udpOutput(u)
	}
}

// finish clears a request slot and hands the result to its owner: the
// blocked caller, or the callback queue of the current pass.
func (s *Stack) finish(r *request, id int, cb Callback, res Result) {
	if !r.active {
		return
	}
	op, wake := r.op, r.wake
	*r = request{}
	if wake != nil {
		wake <- res
		return
	}
	if cb != nil {
		s.pending = append(s.pending, completion{cb: cb, id: id, op: op, res: res})
	}
}

// deliver invokes the callbacks collected during a pass. Blocking API calls
// are refused while it runs, since the pass that would complete them cannot
// start until the callbacks return.
func (s *Stack) deliver(done []completion) {
	if len(done) == 0 {
		return
	}
	s.delivering.Store(true)
	defer s.delivering.Store(false)

	for i := range done {
		c := &done[i]
		if c.op == OpUDPArrival {
			s.mu.Lock()
			c.u.hold(c.data, c.res.Remote)
			s.mu.Unlock()

			c.cb(c.id, c.op, &c.res)

			s.mu.Lock()
			c.u.held = false
			s.mu.Unlock()
			continue
		}
		c.cb(c.id, c.op, &c.res)
	}
}

// blockingAllowed reports whether a call with timeout tmo may wait.
func (s *Stack) blockingAllowed(tmo Timeout) bool {
	return tmo == TmoNonBlocking || tmo == TmoPoll || !s.delivering.Load()
}
