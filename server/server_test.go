package server

import (
	"context"
	"io"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Clouded-Sabre/Polled-TCP/core"
	"github.com/Clouded-Sabre/Polled-TCP/lib"
	"github.com/Clouded-Sabre/Polled-TCP/link"
)

var (
	serverAddr = netip.MustParsePrefix("10.0.0.1/24")
	clientAddr = netip.MustParsePrefix("10.0.0.2/24")
)

func testConfig(addr netip.Prefix) *lib.StackConfig {
	ep := lib.DefaultTCPEndpointConfig()
	ep.RetransmitTimeout = 100 * time.Millisecond
	ep.MaxRetransmitInterval = time.Second
	ep.TwoMSL = 100 * time.Millisecond
	cfg := lib.DefaultStackConfig()
	cfg.Channels[0].Addr = addr
	cfg.TCPEndpoints = []lib.TCPEndpointConfig{ep, ep}
	cfg.Reps = []lib.RepConfig{{Port: 7}}
	cfg.UDPEndpoints = []lib.UDPEndpointConfig{{Port: 7, HoldBufferSize: 1472}}
	return cfg
}

func TestServe(t *testing.T) {
	a, b := link.NewPipe(link.PoolConfig{Frames: 64, FrameSize: 2048})
	srv, err := core.NewCoreWithLink(testConfig(serverAddr), a, nil)
	require.NoError(t, err)
	cli, err := core.NewCoreWithLink(testConfig(clientAddr), b, nil)
	require.NoError(t, err)
	defer cli.Close()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- New(srv, 0).Serve(ctx, []int{1}, []int{1})
	}()

	conn, err := cli.Dial(0, netip.AddrPortFrom(serverAddr.Addr(), 7), lib.TmoForever)
	require.NoError(t, err)
	for _, msg := range []string{"hello", "polled world"} {
		_, err = conn.Write([]byte(msg))
		require.NoError(t, err)
		reply := make([]byte, len(msg))
		_, err = io.ReadFull(conn, reply)
		require.NoError(t, err)
		assert.Equal(t, msg, string(reply))
	}
	require.NoError(t, conn.Close())

	u, err := cli.ListenUDP(1)
	require.NoError(t, err)
	_, err = u.WriteTo([]byte("datagram"), netip.AddrPortFrom(serverAddr.Addr(), 7))
	require.NoError(t, err)
	buf := make([]byte, 64)
	n, from, err := u.ReadFrom(buf)
	require.NoError(t, err)
	assert.Equal(t, "datagram", string(buf[:n]))
	assert.Equal(t, netip.AddrPortFrom(serverAddr.Addr(), 7), from)
	require.NoError(t, u.Close())

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServeUnknownReceptionPoint(t *testing.T) {
	a, _ := link.NewPipe(link.PoolConfig{Frames: 4, FrameSize: 2048})
	srv, err := core.NewCoreWithLink(testConfig(serverAddr), a, nil)
	require.NoError(t, err)
	defer srv.Close()

	err = New(srv, 0).Serve(context.Background(), []int{2}, nil)
	assert.Error(t, err)
}
