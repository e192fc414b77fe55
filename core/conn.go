package core

import (
	"io"
	"net/netip"
	"sync"

	"github.com/pkg/errors"

	"github.com/Clouded-Sabre/Polled-TCP/lib"
)

// Conn is a TCP connection on one stack endpoint with blocking
// io.ReadWriteCloser semantics.
type Conn struct {
	core   *Core
	cep    int
	local  netip.AddrPort
	remote netip.AddrPort

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to remote from an ephemeral port on channel ch, giving up
// after tmo.
func (c *Core) Dial(ch int, remote netip.AddrPort, tmo lib.Timeout) (*Conn, error) {
	if ch < 0 || ch >= len(c.config.Channels) {
		return nil, errors.Errorf("channel %d does not exist", ch)
	}
	if c.filter != nil {
		if err := c.filter.AddTcpClientFiltering(remote); err != nil {
			return nil, errors.Wrap(err, "filter")
		}
	}
	cep, err := c.acquire(ch)
	if err != nil {
		return nil, err
	}
	if err := c.stack.Connect(cep, 0, remote, tmo); err != nil {
		c.release(cep)
		return nil, errors.Wrapf(err, "connect %s", remote)
	}
	local, _ := c.stack.Addresses(cep)
	c.log.Debugf("cep %d connected %s -> %s", cep, local, remote)
	return &Conn{core: c, cep: cep, local: local, remote: remote}, nil
}

// Read returns io.EOF once the peer has closed its side and all data was
// read.
func (c *Conn) Read(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}
	if c.core.isClosed() {
		return 0, errCoreClosed
	}
	n, err := c.core.stack.Receive(c.cep, b, lib.TmoForever)
	if err != nil {
		return n, err
	}
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Write returns once the peer has acknowledged all of b.
func (c *Conn) Write(b []byte) (int, error) {
	if c.core.isClosed() {
		return 0, errCoreClosed
	}
	return c.core.stack.Send(c.cep, b, lib.TmoForever)
}

// CloseWrite sends FIN and waits for its acknowledgement.
func (c *Conn) CloseWrite() error {
	return c.core.stack.Shutdown(c.cep, lib.TmoForever)
}

// lingerTimeout bounds how long Close waits for the peer's FIN.
const lingerTimeout lib.Timeout = 500

// Close shuts the connection down gracefully when it is still open and
// returns the endpoint to the core. Data arriving after Close is discarded.
// Once the core is closing the connection is reset instead.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		st := c.core.stack
		if c.core.isClosed() {
			if st.State(c.cep) != lib.StateClosed {
				c.closeErr = st.Close(c.cep, lingerTimeout)
			}
			c.core.release(c.cep)
			return
		}
		if s := st.State(c.cep); s == lib.StateEstablished || s == lib.StateCloseWait {
			if err := st.Shutdown(c.cep, lib.TmoForever); err != nil {
				c.core.log.Debugf("cep %d shutdown: %v", c.cep, err)
			}
		}
		if s := st.State(c.cep); s == lib.StateFinWait1 || s == lib.StateFinWait2 {
			c.drain()
		}
		// TIME_WAIT and LAST_ACK finish on their own
		if s := st.State(c.cep); s != lib.StateTimeWait && s != lib.StateLastAck && s != lib.StateClosed {
			c.closeErr = st.Close(c.cep, lib.TmoForever)
		}
		c.core.release(c.cep)
	})
	return c.closeErr
}

// drain reads until the peer's FIN or lingerTimeout.
func (c *Conn) drain() {
	buf := make([]byte, 512)
	for {
		n, err := c.core.stack.Receive(c.cep, buf, lingerTimeout)
		if err != nil || n == 0 {
			return
		}
	}
}

func (c *Conn) LocalAddr() netip.AddrPort  { return c.local }
func (c *Conn) RemoteAddr() netip.AddrPort { return c.remote }
func (c *Conn) Endpoint() int              { return c.cep }
