//go:build linux || darwin

package link

import (
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/ipv4"

	"github.com/Clouded-Sabre/Polled-TCP/lib"
	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// rawProtocols are the transports the stack terminates.
var rawProtocols = []string{"tcp", "udp", "icmp"}

// RawIP carries channel 0 over raw IPv4 sockets bound to one local address.
// Reader goroutines copy inbound datagrams into pooled frames; the stack
// picks them up on its own schedule. Datagrams arriving while every frame
// is in use are dropped.
type RawIP struct {
	local  netip.Addr
	conns  map[int]*ipv4.RawConn
	pool   *rp.RingPool
	frames chan *rp.Element
	notify chan struct{}
	log    *logrus.Entry

	held    *rp.Element
	inUse   atomic.Int32
	limit   int32
	dropped atomic.Uint64

	wmu  sync.Mutex
	wbuf []byte

	closed atomic.Bool
	wg     sync.WaitGroup
	stop   func()
}

// NewRawIP opens one raw socket per transport on local. It needs
// CAP_NET_RAW on linux and root on darwin. The kernel's own TCP and UDP keep seeing the same traffic,
// so their resets are usually filtered out, see package filter.
func NewRawIP(local netip.Addr, cfg PoolConfig) (*RawIP, error) {
	if !local.Is4() {
		return nil, errors.Errorf("raw IP link needs an IPv4 address, got %s", local)
	}
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = MaxFrameSize
	}
	if cfg.Frames <= 0 {
		cfg.Frames = DefaultPoolConfig().Frames
	}
	r := &RawIP{
		local:  local,
		conns:  make(map[int]*ipv4.RawConn),
		pool:   newPool("rawip", cfg),
		frames: make(chan *rp.Element, cfg.Frames),
		notify: make(chan struct{}, 1),
		log:    logrus.WithFields(logrus.Fields{"component": "rawip", "addr": local}),
		limit:  int32(cfg.Frames),
		wbuf:   make([]byte, MaxFrameSize),
	}
	for _, proto := range rawProtocols {
		c, err := net.ListenPacket("ip4:"+proto, local.String())
		if err != nil {
			r.Close()
			return nil, errors.Wrapf(err, "listen ip4:%s on %s", proto, local)
		}
		rc, err := ipv4.NewRawConn(c)
		if err != nil {
			c.Close()
			r.Close()
			return nil, errors.Wrapf(err, "raw conn ip4:%s", proto)
		}
		r.conns[protocolNumber(proto)] = rc
	}
	if err := r.startReaders(); err != nil {
		r.Close()
		return nil, err
	}
	r.log.Info("raw IP link up")
	return r, nil
}

func protocolNumber(proto string) int {
	switch proto {
	case "tcp":
		return lib.ProtocolTCP
	case "udp":
		return lib.ProtocolUDP
	}
	return lib.ProtocolICMP
}

func (r *RawIP) enqueue(datagram []byte) {
	if r.inUse.Add(1) > r.limit {
		r.inUse.Add(-1)
		r.dropped.Add(1)
		return
	}
	elem := r.pool.GetElement()
	if elem == nil {
		r.inUse.Add(-1)
		r.dropped.Add(1)
		return
	}
	if err := elem.Data.(*Frame).Copy(datagram); err != nil {
		r.release(elem)
		r.dropped.Add(1)
		return
	}
	r.frames <- elem
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *RawIP) release(elem *rp.Element) {
	r.pool.ReturnElement(elem)
	r.inUse.Add(-1)
}

func (r *RawIP) Receive(ch int) (lib.RxBuffer, bool) {
	if ch != 0 || r.held != nil {
		return lib.RxBuffer{}, false
	}
	select {
	case elem := <-r.frames:
		r.held = elem
		return lib.RxBuffer{Data: elem.Data.(*Frame).GetSlice(), Recognized: true}, true
	default:
		return lib.RxBuffer{}, false
	}
}

func (r *RawIP) Release(ch int) {
	if ch == 0 && r.held != nil {
		r.release(r.held)
		r.held = nil
	}
}

// Send writes the datagram through the socket of its transport. The kernel
// recomputes the header checksum.
func (r *RawIP) Send(ch int, hdr, payload []byte) lib.SendStatus {
	if ch != 0 || r.closed.Load() || len(hdr) < ipv4.HeaderLen {
		return lib.SendFailed
	}
	h, err := ipv4.ParseHeader(hdr)
	if err != nil {
		r.log.Debugf("send: %v", err)
		return lib.SendFailed
	}
	rc, ok := r.conns[h.Protocol]
	if !ok {
		return lib.SendFailed
	}

	r.wmu.Lock()
	defer r.wmu.Unlock()
	n := copy(r.wbuf, hdr[h.Len:])
	n += copy(r.wbuf[n:], payload)
	if err := rc.WriteTo(h, r.wbuf[:n], nil); err != nil {
		if errors.Is(err, syscall.ENOBUFS) || errors.Is(err, syscall.EAGAIN) {
			return lib.SendPending
		}
		r.log.Debugf("send to %s: %v", h.Dst, err)
		return lib.SendFailed
	}
	return lib.SendOK
}

func (r *RawIP) Notify() <-chan struct{} {
	return r.notify
}

// Dropped returns how many inbound datagrams found no free frame.
func (r *RawIP) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *RawIP) Close() error {
	if r.closed.Swap(true) {
		return errLinkClosed
	}
	var firstErr error
	for _, rc := range r.conns {
		if err := rc.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.wg.Wait()
	if r.stop != nil {
		r.stop()
	}
	for {
		select {
		case elem := <-r.frames:
			r.release(elem)
		default:
			return firstErr
		}
	}
}
