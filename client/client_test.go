package client

import (
	"context"
	"flag"
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
	echoServer = netip.AddrPortFrom(serverAddr.Addr(), 7)
)

func newPair(t *testing.T) (srv, cli *core.Core) {
	config := func(addr netip.Prefix) *lib.StackConfig {
		ep := lib.DefaultTCPEndpointConfig()
		ep.RetransmitTimeout = 100 * time.Millisecond
		ep.MaxRetransmitInterval = time.Second
		ep.TwoMSL = 100 * time.Millisecond
		cfg := lib.DefaultStackConfig()
		cfg.Channels[0].Addr = addr
		cfg.TCPEndpoints = []lib.TCPEndpointConfig{ep, ep}
		cfg.Reps = []lib.RepConfig{{Port: 7}}
		return cfg
	}
	a, b := link.NewPipe(link.PoolConfig{Frames: 64, FrameSize: 2048})
	srv, err := core.NewCoreWithLink(config(serverAddr), a, nil)
	require.NoError(t, err)
	cli, err = core.NewCoreWithLink(config(clientAddr), b, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		cli.Close()
		srv.Close()
	})
	return srv, cli
}

func fastReconnect() *ReconnectConfig {
	return &ReconnectConfig{
		MaxRetries:        5,
		InitialBackoff:    10 * time.Millisecond,
		MaxBackoff:        100 * time.Millisecond,
		BackoffMultiplier: 2.0,
	}
}

func TestCalculateBackoffDuration(t *testing.T) {
	testCases := []struct {
		retry      int
		multiplier float64
		want       time.Duration
	}{
		{0, 2.0, 100 * time.Millisecond},
		{1, 2.0, 200 * time.Millisecond},
		{3, 2.0, 800 * time.Millisecond},
		{10, 2.0, 5 * time.Second}, // capped
		{2, 1.5, 225 * time.Millisecond},
	}
	for _, tc := range testCases {
		got := CalculateBackoffDuration(tc.retry, 100*time.Millisecond, 5*time.Second, tc.multiplier)
		assert.Equal(t, tc.want, got, "retry %d multiplier %v", tc.retry, tc.multiplier)
	}
}

func TestRetryable(t *testing.T) {
	assert.True(t, Retryable(lib.ErrReset))
	assert.True(t, Retryable(io.EOF))
	assert.False(t, Retryable(lib.ErrParameter))
	assert.False(t, Retryable(nil))
}

func TestDialerGivesUp(t *testing.T) {
	_, cli := newPair(t)
	var final error
	cfg := fastReconnect()
	cfg.MaxRetries = 2
	cfg.OnFinalFailure = func(err error) { final = err }

	// nothing listens on port 9
	d := NewDialer(cli, 0, netip.AddrPortFrom(serverAddr.Addr(), 9), 20, cfg)
	_, err := d.Dial(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, lib.ErrTimeout)
	assert.Contains(t, err.Error(), "giving up after 3 attempts")
	assert.Equal(t, err, final)
}

func TestDialerStopsWithContext(t *testing.T) {
	_, cli := newPair(t)
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastReconnect()
	cfg.MaxRetries = -1
	cfg.InitialBackoff = time.Hour
	cfg.MaxBackoff = time.Hour

	errc := make(chan error, 1)
	go func() {
		_, err := NewDialer(cli, 0, netip.AddrPortFrom(serverAddr.Addr(), 9), 5, cfg).Dial(ctx)
		errc <- err
	}()
	time.Sleep(200 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		assert.Equal(t, context.Canceled, err)
	case <-time.After(5 * time.Second):
		t.Fatal("dial did not stop")
	}
}

func TestClientRun(t *testing.T) {
	srv, cli := newPair(t)
	ln, err := srv.Listen(1)
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		io.Copy(conn, conn)
		conn.Close()
	}()

	c := New(NewDialer(cli, 0, echoServer, lib.TmoForever, fastReconnect()))
	require.NoError(t, c.Run(context.Background(), 3, 10*time.Millisecond, "hello"))
	assert.Equal(t, Stats{Sent: 3, Matched: 3}, c.Stats())
	assert.NoError(t, c.Close())
}

func TestClientReconnects(t *testing.T) {
	srv, cli := newPair(t)
	ln, err := srv.Listen(1)
	require.NoError(t, err)
	go func() {
		// the first connection echoes one message and is then reset
		for first := true; ; first = false {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			if first {
				buf := make([]byte, 64)
				if n, err := conn.Read(buf); err == nil {
					conn.Write(buf[:n])
				}
				srv.Stack().Close(conn.Endpoint(), lib.TmoForever)
				conn.Close()
				continue
			}
			io.Copy(conn, conn)
			conn.Close()
			return
		}
	}()

	reconnected := 0
	cfg := fastReconnect()
	cfg.OnReconnect = func() { reconnected++ }
	c := New(NewDialer(cli, 0, echoServer, 200, cfg))
	ctx := context.Background()
	require.NoError(t, c.Exchange(ctx, []byte("one")))

	require.Eventually(t, func() bool {
		return cli.Stack().State(1) == lib.StateClosed
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Exchange(ctx, []byte("two")))
	assert.Equal(t, 1, c.Stats().Reconnects)
	assert.NoError(t, c.Close())
}

func TestReconnectProfiles(t *testing.T) {
	testCases := []struct {
		args    []string
		retries int
		initial time.Duration
	}{
		{nil, 10, time.Second},
		{[]string{"-aggressive"}, 5, 100 * time.Millisecond},
		{[]string{"-aggressive", "-retries", "-1"}, -1, 100 * time.Millisecond},
		{[]string{"-retries", "3"}, 3, time.Second},
	}
	for _, tc := range testCases {
		var c Command
		f := flag.NewFlagSet("echo", flag.ContinueOnError)
		c.SetFlags(f)
		require.NoError(t, f.Parse(tc.args))
		rc := c.reconnectConfig(f)
		assert.Equal(t, tc.retries, rc.MaxRetries, "%v", tc.args)
		assert.Equal(t, tc.initial, rc.InitialBackoff, "%v", tc.args)
	}
}
