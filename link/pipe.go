package link

import (
	"sync"

	"github.com/Clouded-Sabre/Polled-TCP/lib"
	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// Pipe is one end of an in-memory point-to-point link carrying channel 0.
// Datagrams sent on one end are queued on the other until received. A full
// queue makes Send report lib.SendPending.
type Pipe struct {
	peer   *Pipe
	pool   *rp.RingPool
	limit  int
	notify chan struct{}

	mu     sync.Mutex
	inbox  []*rp.Element
	held   *rp.Element
	closed bool
}

// NewPipe returns the two connected ends of a pipe. Each end queues at most
// cfg.Frames datagrams.
func NewPipe(cfg PoolConfig) (*Pipe, *Pipe) {
	if cfg.Frames <= 0 {
		cfg.Frames = DefaultPoolConfig().Frames
	}
	a := newPipeEnd("pipe-a", cfg)
	b := newPipeEnd("pipe-b", cfg)
	a.peer, b.peer = b, a
	return a, b
}

func newPipeEnd(name string, cfg PoolConfig) *Pipe {
	return &Pipe{
		pool:   newPool(name, cfg),
		limit:  cfg.Frames,
		notify: make(chan struct{}, 1),
	}
}

func (p *Pipe) Receive(ch int) (lib.RxBuffer, bool) {
	if ch != 0 {
		return lib.RxBuffer{}, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held != nil || len(p.inbox) == 0 {
		return lib.RxBuffer{}, false
	}
	p.held = p.inbox[0]
	p.inbox[0] = nil
	p.inbox = p.inbox[1:]
	return lib.RxBuffer{Data: p.held.Data.(*Frame).GetSlice(), Recognized: true}, true
}

func (p *Pipe) Release(ch int) {
	if ch != 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.held != nil {
		p.pool.ReturnElement(p.held)
		p.held = nil
	}
}

func (p *Pipe) Send(ch int, hdr, payload []byte) lib.SendStatus {
	if ch != 0 {
		return lib.SendFailed
	}
	return p.peer.enqueue(hdr, payload)
}

func (p *Pipe) enqueue(hdr, payload []byte) lib.SendStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return lib.SendFailed
	}
	inUse := len(p.inbox)
	if p.held != nil {
		inUse++
	}
	if inUse >= p.limit {
		return lib.SendPending
	}
	elem := p.pool.GetElement()
	if elem == nil {
		return lib.SendPending
	}
	if err := elem.Data.(*Frame).Fill(hdr, payload); err != nil {
		p.pool.ReturnElement(elem)
		return lib.SendFailed
	}
	p.inbox = append(p.inbox, elem)
	select {
	case p.notify <- struct{}{}:
	default:
	}
	return lib.SendOK
}

// Notify signals that a datagram was queued on this end.
func (p *Pipe) Notify() <-chan struct{} {
	return p.notify
}

// Pending returns the number of datagrams waiting on this end.
func (p *Pipe) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inbox)
}

// Close drops everything queued on this end and fails later sends to it.
func (p *Pipe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for _, elem := range p.inbox {
		p.pool.ReturnElement(elem)
	}
	p.inbox = nil
	return nil
}
