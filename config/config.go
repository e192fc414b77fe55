package config

import (
	"bytes"
	"io"
	"net/netip"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/Clouded-Sabre/Polled-TCP/lib"
	"github.com/Clouded-Sabre/Polled-TCP/link"
)

// LinkConfig configures the link driver the commands put under the stack.
type LinkConfig struct {
	Frames               int           `yaml:"frames"`                 // receive frame pool size
	FrameSize            int           `yaml:"frame_size"`             // 0 means the largest IPv4 datagram
	PoolDebug            bool          `yaml:"pool_debug"`             // ringpool element tracing
	ProcessTimeThreshold time.Duration `yaml:"process_time_threshold"` // warn when a frame is held longer
	DropRate             float64       `yaml:"drop_rate"`              // random loss injected in both directions
	Sniff                bool          `yaml:"sniff"`                  // log every datagram at debug level
	FilterRST            bool          `yaml:"filter_rst"`             // drop the kernel's resets with iptables
}

func DefaultLinkConfig() *LinkConfig {
	p := link.DefaultPoolConfig()
	return &LinkConfig{
		Frames:               p.Frames,
		ProcessTimeThreshold: p.ProcessTimeThreshold,
		FilterRST:            true,
	}
}

// PoolConfig returns the frame pool settings.
func (c *LinkConfig) PoolConfig() link.PoolConfig {
	return link.PoolConfig{
		Frames:               c.Frames,
		FrameSize:            c.FrameSize,
		Debug:                c.PoolDebug,
		ProcessTimeThreshold: c.ProcessTimeThreshold,
	}
}

type fileConfig struct {
	Debug          bool              `yaml:"debug"`
	EphemeralPorts portRange         `yaml:"ephemeral_ports"`
	Channels       []channelFile     `yaml:"channels"`
	TCPEndpoints   []tcpEndpointFile `yaml:"tcp_endpoints"`
	Reps           []repFile         `yaml:"reception_points"`
	UDPEndpoints   []udpEndpointFile `yaml:"udp_endpoints"`
	Link           *LinkConfig       `yaml:"link"`
}

type portRange struct {
	Low  int `yaml:"low"`
	High int `yaml:"high"`
}

type channelFile struct {
	Address              string   `yaml:"address"` // CIDR notation
	Gateway              string   `yaml:"gateway"`
	TTL                  uint8    `yaml:"ttl"`
	MulticastTTL         uint8    `yaml:"multicast_ttl"`
	MulticastGroups      []string `yaml:"multicast_groups"`
	AllowZeroUDPChecksum bool     `yaml:"allow_zero_udp_checksum"`
	DisableUDPChecksum   bool     `yaml:"disable_udp_checksum"`
}

type tcpEndpointFile struct {
	Count                 int           `yaml:"count"` // identical endpoints to create
	Channel               int           `yaml:"channel"`
	ReceiveBuffer         int           `yaml:"receive_buffer"`
	MSS                   int           `yaml:"mss"`
	InitialSeq            uint32        `yaml:"initial_seq"`
	TwoMSL                time.Duration `yaml:"two_msl"`
	RetransmitTimeout     time.Duration `yaml:"retransmit_timeout"`
	MaxRetransmitInterval time.Duration `yaml:"max_retransmit_interval"`
	GiveUpTimeout         time.Duration `yaml:"give_up_timeout"`
	DelayedAck            bool          `yaml:"delayed_ack"`
}

type repFile struct {
	Channel int    `yaml:"channel"`
	Port    uint16 `yaml:"port"`
}

type udpEndpointFile struct {
	Channel    int    `yaml:"channel"`
	Port       uint16 `yaml:"port"`
	HoldBuffer int    `yaml:"hold_buffer"`
}

// UnmarshalYAML starts from DefaultLinkConfig.
func (c *LinkConfig) UnmarshalYAML(value *yaml.Node) error {
	*c = *DefaultLinkConfig()
	type plain LinkConfig
	return value.Decode((*plain)(c))
}

// UnmarshalYAML starts every channel from the library defaults.
func (c *channelFile) UnmarshalYAML(value *yaml.Node) error {
	d := lib.DefaultChannelConfig()
	*c = channelFile{TTL: d.TTL, MulticastTTL: d.MulticastTTL}
	type plain channelFile
	return value.Decode((*plain)(c))
}

// UnmarshalYAML starts every endpoint from the library defaults.
func (e *tcpEndpointFile) UnmarshalYAML(value *yaml.Node) error {
	d := lib.DefaultTCPEndpointConfig()
	*e = tcpEndpointFile{
		Count:                 1,
		ReceiveBuffer:         d.RecvBufferSize,
		MSS:                   d.MSS,
		TwoMSL:                d.TwoMSL,
		RetransmitTimeout:     d.RetransmitTimeout,
		MaxRetransmitInterval: d.MaxRetransmitInterval,
		GiveUpTimeout:         d.GiveUpTimeout,
		DelayedAck:            d.DelayedAck,
	}
	type plain tcpEndpointFile
	return value.Decode((*plain)(e))
}

// UnmarshalYAML starts every endpoint from the library defaults.
func (e *udpEndpointFile) UnmarshalYAML(value *yaml.Node) error {
	*e = udpEndpointFile{HoldBuffer: lib.DefaultUDPEndpointConfig().HoldBufferSize}
	type plain udpEndpointFile
	return value.Decode((*plain)(e))
}

// LoadConfig reads a YAML configuration file.
func LoadConfig(path string) (*lib.StackConfig, *LinkConfig, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "open config")
	}
	defer f.Close()
	stack, lc, err := Decode(f)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "config %s", path)
	}
	return stack, lc, nil
}

// Parse decodes a configuration held in memory.
func Parse(data []byte) (*lib.StackConfig, *LinkConfig, error) {
	return Decode(bytes.NewReader(data))
}

// Decode reads a YAML configuration from r. Unknown keys are rejected and
// absent values take the library defaults.
func Decode(r io.Reader) (*lib.StackConfig, *LinkConfig, error) {
	d := lib.DefaultStackConfig()
	fc := fileConfig{
		EphemeralPorts: portRange{Low: d.EphemeralLow, High: d.EphemeralHigh},
	}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&fc); err != nil && err != io.EOF {
		return nil, nil, errors.Wrap(err, "decode")
	}

	stack, err := fc.stackConfig()
	if err != nil {
		return nil, nil, err
	}
	if err := stack.Validate(); err != nil {
		return nil, nil, errors.Wrap(err, "validate")
	}
	lc := fc.Link
	if lc == nil {
		lc = DefaultLinkConfig()
	}
	if lc.DropRate < 0 || lc.DropRate >= 1 {
		return nil, nil, errors.Errorf("link: drop rate %v out of range [0, 1)", lc.DropRate)
	}
	return stack, lc, nil
}

func (fc *fileConfig) stackConfig() (*lib.StackConfig, error) {
	c := &lib.StackConfig{
		Debug:         fc.Debug,
		EphemeralLow:  fc.EphemeralPorts.Low,
		EphemeralHigh: fc.EphemeralPorts.High,
	}
	if len(fc.Channels) == 0 {
		c.Channels = lib.DefaultStackConfig().Channels
	}
	for i, cf := range fc.Channels {
		ch, err := cf.channelConfig()
		if err != nil {
			return nil, errors.Wrapf(err, "channel %d", i)
		}
		c.Channels = append(c.Channels, ch)
	}
	for i, ef := range fc.TCPEndpoints {
		if ef.Count < 1 {
			return nil, errors.Errorf("tcp endpoint entry %d: count %d must be positive", i, ef.Count)
		}
		for n := 0; n < ef.Count; n++ {
			c.TCPEndpoints = append(c.TCPEndpoints, lib.TCPEndpointConfig{
				Channel:               ef.Channel,
				RecvBufferSize:        ef.ReceiveBuffer,
				MSS:                   ef.MSS,
				InitialSeq:            ef.InitialSeq,
				TwoMSL:                ef.TwoMSL,
				RetransmitTimeout:     ef.RetransmitTimeout,
				MaxRetransmitInterval: ef.MaxRetransmitInterval,
				GiveUpTimeout:         ef.GiveUpTimeout,
				DelayedAck:            ef.DelayedAck,
			})
		}
	}
	for _, rf := range fc.Reps {
		c.Reps = append(c.Reps, lib.RepConfig{Channel: rf.Channel, Port: rf.Port})
	}
	for _, uf := range fc.UDPEndpoints {
		c.UDPEndpoints = append(c.UDPEndpoints, lib.UDPEndpointConfig{
			Channel:        uf.Channel,
			Port:           uf.Port,
			HoldBufferSize: uf.HoldBuffer,
		})
	}
	return c, nil
}

func (cf *channelFile) channelConfig() (lib.ChannelConfig, error) {
	prefix, err := netip.ParsePrefix(cf.Address)
	if err != nil {
		return lib.ChannelConfig{}, errors.Wrap(err, "address")
	}
	ch := lib.ChannelConfig{
		Addr:            prefix,
		TTL:             cf.TTL,
		MulticastTTL:    cf.MulticastTTL,
		AllowZeroUDPSum: cf.AllowZeroUDPChecksum,
		DisableUDPSum:   cf.DisableUDPChecksum,
	}
	if cf.Gateway != "" {
		if ch.Gateway, err = netip.ParseAddr(cf.Gateway); err != nil {
			return lib.ChannelConfig{}, errors.Wrap(err, "gateway")
		}
	}
	for _, g := range cf.MulticastGroups {
		group, err := netip.ParseAddr(g)
		if err != nil {
			return lib.ChannelConfig{}, errors.Wrap(err, "multicast group")
		}
		if !group.IsMulticast() {
			return lib.ChannelConfig{}, errors.Errorf("multicast group: %s is not a multicast address", group)
		}
		ch.MulticastGroups = append(ch.MulticastGroups, group)
	}
	return ch, nil
}
