package lib

import "net/netip"

// SendStatus is the outcome of handing a datagram to the link layer.
type SendStatus int

const (
	SendOK      SendStatus = iota // datagram queued for transmission
	SendPending                   // link busy; the same datagram must be offered again later
	SendFailed                    // hard link error; the datagram is lost
)

func (s SendStatus) String() string {
	switch s {
	case SendOK:
		return "ok"
	case SendPending:
		return "pending"
	case SendFailed:
		return "failed"
	}
	return "unknown"
}

// RxBuffer is the inbound buffer descriptor a link exposes for one channel.
// Data starts at the IPv4 header. Recognized is false for frames the link
// delivered but could not identify as IPv4; those are released unread.
type RxBuffer struct {
	Data       []byte
	Recognized bool
}

// Link is the link layer underneath the stack. Every method is called with
// the stack lock held and must not block.
type Link interface {
	// Receive returns the buffer currently pending on channel ch, if any.
	// The buffer stays valid until Release(ch).
	Receive(ch int) (RxBuffer, bool)
	// Release returns the buffer obtained from Receive to the link.
	Release(ch int)
	// Send transmits one IPv4 datagram made of hdr followed by payload.
	// Neither slice may be retained after the call returns.
	Send(ch int, hdr, payload []byte) SendStatus
}

// Notifier is implemented by links that can signal inbound traffic, letting
// Run process frames as soon as they arrive instead of on the next tick.
type Notifier interface {
	Notify() <-chan struct{}
}

type channel struct {
	cfg       ChannelConfig
	addr      netip.Addr
	network   netip.Addr
	broadcast netip.Addr
	ipID      uint16 // identification of the next outbound datagram

	icmpPending bool // an echo reply is waiting for the send stage
	icmpDst     netip.Addr
	icmpReply   []byte
	icmpLen     int
}

func newChannel(cfg ChannelConfig) *channel {
	return &channel{
		cfg:       cfg,
		addr:      cfg.Addr.Addr(),
		network:   cfg.Addr.Masked().Addr(),
		broadcast: directedBroadcast(cfg.Addr),
		icmpReply: make([]byte, icmpReplyMax),
	}
}

// joined reports whether dst is a multicast group this channel listens to.
func (c *channel) joined(dst netip.Addr) bool {
	for _, g := range c.cfg.MulticastGroups {
		if g == dst {
			return true
		}
	}
	return false
}

func (c *channel) nextID() uint16 {
	id := c.ipID
	c.ipID++
	return id
}
