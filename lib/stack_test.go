package lib

import (
	"context"
	"net/netip"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStack(t *testing.T) {
	s, err := NewStack(nil, &fakeLink{})
	require.NoError(t, err)
	assert.Len(t, s.channels, 1)
	assert.Empty(t, s.tcbs)

	_, err = NewStack(testStackConfig(), nil)
	assert.Error(t, err)

	cfg := testStackConfig()
	cfg.TCPEndpoints[1].Channel = 3
	_, err = NewStack(cfg, &fakeLink{})
	assert.ErrorContains(t, err, "tcp endpoint 2")
}

func TestStackConfigValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*StackConfig)
	}{
		{"no channels", func(c *StackConfig) { c.Channels = nil }},
		{"ipv6 channel", func(c *StackConfig) { c.Channels[0].Addr = netip.MustParsePrefix("fd00::1/64") }},
		{"huge receive buffer", func(c *StackConfig) { c.TCPEndpoints[0].RecvBufferSize = 70000 }},
		{"zero mss", func(c *StackConfig) { c.TCPEndpoints[0].MSS = 0 }},
		{"ceiling below rto", func(c *StackConfig) { c.TCPEndpoints[0].MaxRetransmitInterval = time.Millisecond }},
		{"rep without port", func(c *StackConfig) { c.Reps[0].Port = 0 }},
		{"udp channel", func(c *StackConfig) { c.UDPEndpoints[0].Channel = 1 }},
		{"udp hold buffer", func(c *StackConfig) { c.UDPEndpoints[0].HoldBufferSize = 0 }},
		{"ephemeral range", func(c *StackConfig) { c.EphemeralLow, c.EphemeralHigh = 2000, 1000 }},
	}
	require.NoError(t, testStackConfig().Validate())
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := testStackConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestTicks(t *testing.T) {
	assert.Equal(t, 1, ticks(0))
	assert.Equal(t, 1, ticks(15*time.Millisecond))
	assert.Equal(t, 100, ticks(time.Second))
}

func TestRun(t *testing.T) {
	s, err := NewStack(testStackConfig(), &fakeLink{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.Run(ctx), context.DeadlineExceeded)
	assert.NotZero(t, s.Now())
}

func TestProcessDrainsBurst(t *testing.T) {
	h := newHarness(t, nil)
	for i := 0; i < 10; i++ {
		h.inject(udpFrom(t, udpPeer, udpLocal, []byte{byte(i)}))
	}
	h.process()
	assert.Empty(t, h.l.rx)
	assert.Equal(t, uint64(10), h.s.Stats().UDPInDatagrams)
}

func TestErrorCode(t *testing.T) {
	var err error = ErrTimeout
	assert.Equal(t, "timeout", err.Error())
	assert.True(t, ErrTimeout.Timeout())
	assert.True(t, ErrWouldBlock.Temporary())
	assert.False(t, ErrReset.Temporary())
	assert.Equal(t, int32(-49), ErrReleased.Code())
	assert.Equal(t, "error code -1", ErrorCode(-1).Error())

	wrapped := errors.Wrap(ErrReset, "connect")
	assert.ErrorIs(t, wrapped, ErrReset)
	assert.Equal(t, ErrReset, errors.Cause(wrapped))

	assert.Equal(t, int32(12), (&Result{N: 12}).Code())
	assert.Equal(t, int32(-50), (&Result{Err: ErrTimeout}).Code())
	assert.Equal(t, int32(-52), (&Result{Err: errors.New("link down")}).Code())
}

func TestNames(t *testing.T) {
	assert.Equal(t, "TIME_WAIT", StateTimeWait.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
	assert.Equal(t, "udp-arrival", OpUDPArrival.String())
	assert.Equal(t, "unknown", OpCode(-1).String())
	assert.Equal(t, "pending", SendPending.String())
}
