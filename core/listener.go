package core

import (
	"net/netip"

	"github.com/pkg/errors"

	"github.com/Clouded-Sabre/Polled-TCP/lib"
)

// Listener accepts connections on one reception point.
type Listener struct {
	core *Core
	rep  int
	addr netip.AddrPort
}

// Listen returns a listener for reception point rep. With filtering on,
// the kernel's resets from the listening port are dropped until the core
// closes.
func (c *Core) Listen(rep int) (*Listener, error) {
	if rep < 1 || rep > len(c.config.Reps) {
		return nil, errors.Errorf("reception point %d does not exist", rep)
	}
	r := c.config.Reps[rep-1]
	addr := netip.AddrPortFrom(c.channelAddr(r.Channel), r.Port)
	if c.filter != nil {
		if err := c.filter.AddTcpServerFiltering(addr); err != nil {
			return nil, errors.Wrap(err, "filter")
		}
	}
	c.log.Infof("listening on %s", addr)
	return &Listener{core: c, rep: rep, addr: addr}, nil
}

// Accept blocks until a peer connects. Each call uses its own endpoint, so
// several goroutines may accept on the same listener.
func (l *Listener) Accept() (*Conn, error) {
	cep, err := l.core.acquire(l.core.config.Reps[l.rep-1].Channel)
	if err != nil {
		return nil, err
	}
	remote, err := l.core.stack.Accept(cep, l.rep, lib.TmoForever)
	if err != nil {
		l.core.release(cep)
		return nil, errors.Wrap(err, "accept")
	}
	l.core.log.Debugf("cep %d accepted %s on %s", cep, remote, l.addr)
	return &Conn{core: l.core, cep: cep, local: l.addr, remote: remote}, nil
}

func (l *Listener) Addr() netip.AddrPort {
	return l.addr
}
