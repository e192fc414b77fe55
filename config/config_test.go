package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clouded-Sabre/Polled-TCP/lib"
)

func TestParseFillsDefaults(t *testing.T) {
	stack, lc, err := Parse([]byte(`
channels:
  - address: 10.0.0.1/24
    gateway: 10.0.0.254
    multicast_groups: [224.0.0.9]
tcp_endpoints:
  - count: 2
    delayed_ack: true
  - mss: 536
reception_points:
  - port: 80
udp_endpoints:
  - port: 53
`))
	require.NoError(t, err)

	def := lib.DefaultTCPEndpointConfig()
	delayed := def
	delayed.DelayedAck = true
	small := def
	small.MSS = 536

	want := &lib.StackConfig{
		Channels: []lib.ChannelConfig{{
			Addr:            netip.MustParsePrefix("10.0.0.1/24"),
			Gateway:         netip.MustParseAddr("10.0.0.254"),
			TTL:             64,
			MulticastTTL:    1,
			MulticastGroups: []netip.Addr{netip.MustParseAddr("224.0.0.9")},
		}},
		TCPEndpoints:  []lib.TCPEndpointConfig{delayed, delayed, small},
		Reps:          []lib.RepConfig{{Port: 80}},
		UDPEndpoints:  []lib.UDPEndpointConfig{{Port: 53, HoldBufferSize: 1472}},
		EphemeralLow:  49152,
		EphemeralHigh: 65535,
	}
	if diff := cmp.Diff(want, stack, cmp.Comparer(func(a, b netip.Addr) bool { return a == b }),
		cmp.Comparer(func(a, b netip.Prefix) bool { return a == b })); diff != "" {
		t.Errorf("stack config mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, DefaultLinkConfig(), lc)
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	stack, lc, err := Parse(nil)
	require.NoError(t, err)
	assert.Len(t, stack.Channels, 1)
	assert.Equal(t, lib.DefaultChannelConfig().Addr, stack.Channels[0].Addr)
	assert.Empty(t, stack.TCPEndpoints)
	assert.True(t, lc.FilterRST)
}

func TestParseLinkSection(t *testing.T) {
	_, lc, err := Parse([]byte(`
link:
  frames: 16
  drop_rate: 0.25
  sniff: true
`))
	require.NoError(t, err)
	assert.Equal(t, 16, lc.Frames)
	assert.Equal(t, 0.25, lc.DropRate)
	assert.True(t, lc.Sniff)
	assert.True(t, lc.FilterRST, "unset keys keep their defaults")
	assert.Equal(t, 50*time.Millisecond, lc.PoolConfig().ProcessTimeThreshold)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"unknown key", "bogus: 1\n"},
		{"bad address", "channels:\n  - address: 10.0.0.1\n"},
		{"ipv6 address", "channels:\n  - address: fe80::1/64\n"},
		{"bad gateway", "channels:\n  - address: 10.0.0.1/24\n    gateway: nope\n"},
		{"unicast group", "channels:\n  - address: 10.0.0.1/24\n    multicast_groups: [10.0.0.2]\n"},
		{"zero count", "tcp_endpoints:\n  - count: 0\n"},
		{"channel out of range", "tcp_endpoints:\n  - channel: 3\n"},
		{"bad duration", "tcp_endpoints:\n  - two_msl: soon\n"},
		{"zero rep port", "reception_points:\n  - channel: 0\n"},
		{"drop rate", "link:\n  drop_rate: 1.5\n"},
		{"ephemeral range", "ephemeral_ports: {low: 600, high: 500}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("udp_endpoints:\n  - port: 7\n    hold_buffer: 64\n"), 0o644))

	stack, _, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, stack.UDPEndpoints, 1)
	assert.Equal(t, 64, stack.UDPEndpoints[0].HoldBufferSize)

	_, _, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
