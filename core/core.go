package core

import (
	"context"
	"io"
	"net/netip"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Polled-TCP/config"
	"github.com/Clouded-Sabre/Polled-TCP/filter"
	"github.com/Clouded-Sabre/Polled-TCP/lib"
	"github.com/Clouded-Sabre/Polled-TCP/link"
	rp "github.com/Clouded-Sabre/ringpool/lib"
)

var errCoreClosed = errors.New("core closed")

// Core owns a stack together with the link under it and the goroutine that
// drives it, and hands out its endpoints to listeners and dialers.
type Core struct {
	config  *lib.StackConfig
	stack   *lib.Stack
	link    lib.Link
	closers []io.Closer
	filter  filter.Filter // nil when kernel resets are not suppressed
	log     *logrus.Entry

	mu      sync.Mutex
	busy    map[int]bool // endpoints currently handed out, by cep
	udpBusy map[int]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed bool
}

// NewCore builds the raw IP links for every channel of stackCfg and starts
// the stack on them. filterName tags the firewall rules of this core.
func NewCore(stackCfg *lib.StackConfig, linkCfg *config.LinkConfig, filterName string) (*Core, error) {
	if linkCfg == nil {
		linkCfg = config.DefaultLinkConfig()
	}
	rp.Debug = linkCfg.PoolDebug

	var members []lib.Link
	var closers []io.Closer
	closeAll := func() {
		for _, c := range closers {
			c.Close()
		}
	}
	for i, ch := range stackCfg.Channels {
		raw, err := link.NewRawIP(ch.Addr.Addr(), linkCfg.PoolConfig())
		if err != nil {
			closeAll()
			return nil, errors.Wrapf(err, "channel %d", i)
		}
		members = append(members, raw)
		closers = append(closers, raw)
	}

	var l lib.Link
	if len(members) == 1 {
		l = members[0]
	} else {
		b := link.NewBundle(members...)
		closers = append(closers, b)
		l = b
	}
	if linkCfg.DropRate > 0 {
		l = link.NewLossy(l, linkCfg.DropRate, 1)
	}
	if linkCfg.Sniff {
		l = link.NewSniffer(l, nil)
	}

	var f filter.Filter
	if linkCfg.FilterRST {
		var err error
		if f, err = filter.NewFilter(filterName); err != nil {
			closeAll()
			return nil, errors.Wrap(err, "filter")
		}
	}

	c, err := NewCoreWithLink(stackCfg, l, f)
	if err != nil {
		closeAll()
		return nil, err
	}
	c.closers = closers
	return c, nil
}

// NewCoreWithLink starts a stack on an existing link. f may be nil.
func NewCoreWithLink(stackCfg *lib.StackConfig, l lib.Link, f filter.Filter) (*Core, error) {
	stack, err := lib.NewStack(stackCfg, l)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Core{
		config:  stackCfg,
		stack:   stack,
		link:    l,
		filter:  f,
		log:     logrus.WithField("component", "core"),
		busy:    make(map[int]bool),
		udpBusy: make(map[int]bool),
		cancel:  cancel,
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := stack.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Errorf("stack stopped: %v", err)
		}
	}()
	c.log.Info("core started")
	return c, nil
}

// Stack returns the engine, for direct use of the endpoint API.
func (c *Core) Stack() *lib.Stack {
	return c.stack
}

// acquire reserves a closed endpoint on channel ch.
func (c *Core) acquire(ch int) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errCoreClosed
	}
	for i, ep := range c.config.TCPEndpoints {
		cep := i + 1
		if ep.Channel == ch && !c.busy[cep] && c.stack.State(cep) == lib.StateClosed {
			c.busy[cep] = true
			return cep, nil
		}
	}
	return 0, errors.Errorf("no free tcp endpoint on channel %d", ch)
}

func (c *Core) release(cep int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.busy, cep)
}

// closeAttempts bounds how many ticks Close waits for handed out endpoints
// to come back.
const closeAttempts = 100

// Close stops the stack, removes the firewall rules and closes the links.
// Blocked calls on connections are released first, while the stack still
// runs, so their owners can reset the peers and return the endpoints.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	for i := 0; i < closeAttempts && c.cancelAll(); i++ {
		time.Sleep(lib.TickInterval * time.Millisecond)
	}
	c.cancel()
	c.wg.Wait()

	var firstErr error
	if c.filter != nil {
		if err := c.filter.FinishFiltering(); err != nil {
			firstErr = errors.Wrap(err, "finish filtering")
		}
	}
	for _, cl := range c.closers {
		if err := cl.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.log.Info("core closed")
	return firstErr
}

// cancelAll releases the pending requests of every endpoint handed out and
// reports whether any is still out.
func (c *Core) cancelAll() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cep := range c.busy {
		c.stack.Cancel(cep, lib.OpAll)
	}
	for id := range c.udpBusy {
		c.stack.UDPCancel(id, lib.OpAll)
	}
	return len(c.busy)+len(c.udpBusy) > 0
}

func (c *Core) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Core) channelAddr(ch int) netip.Addr {
	return c.config.Channels[ch].Addr.Addr()
}
