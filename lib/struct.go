package lib

import (
	"fmt"
	"net/netip"
	"time"
)

// StackConfig is the static configuration of a Stack. Table sizes are taken
// from the lengths of the slices and never change after NewStack.
type StackConfig struct {
	Debug         bool                // global debug setting
	Channels      []ChannelConfig     // network interfaces, indexed by channel number
	TCPEndpoints  []TCPEndpointConfig // communication end points, id = index+1
	Reps          []RepConfig         // reception points used by Accept, id = index+1
	UDPEndpoints  []UDPEndpointConfig // UDP control blocks, id = index+1
	EphemeralLow  int                 // local port range used by Connect with port 0
	EphemeralHigh int
}

// ChannelConfig describes one network interface.
type ChannelConfig struct {
	Addr            netip.Prefix // local address and subnet
	Gateway         netip.Addr   // informational; routing is done by the link layer
	TTL             uint8        // TTL of unicast datagrams
	MulticastTTL    uint8        // TTL of multicast datagrams
	MulticastGroups []netip.Addr // groups accepted as destination
	AllowZeroUDPSum bool         // accept UDP datagrams without checksum
	DisableUDPSum   bool         // emit UDP datagrams without checksum
}

// TCPEndpointConfig is the per-endpoint attribute set of a TCP control block.
type TCPEndpointConfig struct {
	Channel               int
	RecvBufferSize        int           // receive window buffer
	MSS                   int           // local maximum segment size
	InitialSeq            uint32        // 0 selects a random initial sequence number
	TwoMSL                time.Duration // TIME_WAIT duration
	RetransmitTimeout     time.Duration // first retransmission interval
	MaxRetransmitInterval time.Duration // ceiling of the doubled interval
	GiveUpTimeout         time.Duration // total time a segment may stay unacknowledged
	DelayedAck            bool
}

// RepConfig is a TCP reception point: the local port a passive open listens on.
type RepConfig struct {
	Channel int
	Port    uint16
}

// UDPEndpointConfig describes one UDP control block.
type UDPEndpointConfig struct {
	Channel        int
	Port           uint16
	HoldBufferSize int // size of the poll-mode "last datagram" slot
}

func DefaultChannelConfig() ChannelConfig {
	return ChannelConfig{
		Addr:         netip.MustParsePrefix("192.168.1.10/24"),
		TTL:          64,
		MulticastTTL: 1,
	}
}

func DefaultTCPEndpointConfig() TCPEndpointConfig {
	return TCPEndpointConfig{
		RecvBufferSize:        4096,
		MSS:                   DefaultMSS,
		TwoMSL:                60 * time.Second,
		RetransmitTimeout:     time.Second,
		MaxRetransmitInterval: 64 * time.Second,
		GiveUpTimeout:         10 * time.Minute,
		DelayedAck:            false,
	}
}

func DefaultUDPEndpointConfig() UDPEndpointConfig {
	return UDPEndpointConfig{HoldBufferSize: 1472}
}

func DefaultStackConfig() *StackConfig {
	return &StackConfig{
		Debug:         false,
		Channels:      []ChannelConfig{DefaultChannelConfig()},
		EphemeralLow:  49152,
		EphemeralHigh: 65535,
	}
}

// ticks converts d to a whole number of engine ticks, never less than one.
func ticks(d time.Duration) int {
	t := int(d / (TickInterval * time.Millisecond))
	if t < 1 {
		return 1
	}
	return t
}

// Validate checks the configuration for values the engine cannot run with.
func (c *StackConfig) Validate() error {
	if len(c.Channels) == 0 {
		return fmt.Errorf("at least one channel is required")
	}
	for i, ch := range c.Channels {
		if !ch.Addr.IsValid() || !ch.Addr.Addr().Is4() {
			return fmt.Errorf("channel %d: invalid IPv4 address %q", i, ch.Addr)
		}
	}
	for i, ep := range c.TCPEndpoints {
		switch {
		case ep.Channel < 0 || ep.Channel >= len(c.Channels):
			return fmt.Errorf("tcp endpoint %d: channel %d out of range", i+1, ep.Channel)
		case ep.RecvBufferSize <= 0 || ep.RecvBufferSize > 0xffff:
			return fmt.Errorf("tcp endpoint %d: receive buffer size %d out of range", i+1, ep.RecvBufferSize)
		case ep.MSS <= 0 || ep.MSS > 0xffff:
			return fmt.Errorf("tcp endpoint %d: mss %d out of range", i+1, ep.MSS)
		case ep.RetransmitTimeout <= 0 || ep.MaxRetransmitInterval < ep.RetransmitTimeout:
			return fmt.Errorf("tcp endpoint %d: invalid retransmission timeouts", i+1)
		}
	}
	for i, rep := range c.Reps {
		if rep.Channel < 0 || rep.Channel >= len(c.Channels) || rep.Port == 0 {
			return fmt.Errorf("reception point %d: invalid channel or port", i+1)
		}
	}
	for i, ep := range c.UDPEndpoints {
		if ep.Channel < 0 || ep.Channel >= len(c.Channels) || ep.Port == 0 {
			return fmt.Errorf("udp endpoint %d: invalid channel or port", i+1)
		}
		if ep.HoldBufferSize <= 0 {
			return fmt.Errorf("udp endpoint %d: hold buffer size must be positive", i+1)
		}
	}
	if c.EphemeralLow <= 0 || c.EphemeralHigh > 0xffff || c.EphemeralLow > c.EphemeralHigh {
		return fmt.Errorf("invalid ephemeral port range %d-%d", c.EphemeralLow, c.EphemeralHigh)
	}
	return nil
}
