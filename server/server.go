// Package server runs an echo service on a core: every reception point and
// every UDP endpoint of the configuration reflects what it receives.
package server

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Polled-TCP/core"
	"github.com/Clouded-Sabre/Polled-TCP/lib"
)

// acceptRetryDelay is the pause before accepting again when every endpoint
// of a channel is in use.
const acceptRetryDelay = 100 * time.Millisecond

// Server echoes TCP connections and UDP datagrams.
type Server struct {
	core    *core.Core
	log     *logrus.Entry
	bufSize int

	wg sync.WaitGroup
}

func New(c *core.Core, bufSize int) *Server {
	if bufSize <= 0 {
		bufSize = lib.DefaultMSS
	}
	return &Server{core: c, log: logrus.WithField("component", "server"), bufSize: bufSize}
}

// Serve listens on the given reception points and UDP endpoints until ctx is
// done, then closes the core and waits for the open connections to finish.
func (s *Server) Serve(ctx context.Context, reps, udps []int) error {
	for _, rep := range reps {
		ln, err := s.core.Listen(rep)
		if err != nil {
			return errors.Wrapf(err, "listen on reception point %d", rep)
		}
		s.wg.Add(1)
		go s.acceptLoop(ctx, ln)
	}
	for _, id := range udps {
		u, err := s.core.ListenUDP(id)
		if err != nil {
			return errors.Wrapf(err, "udp endpoint %d", id)
		}
		s.log.Infof("udp echo on %s", u.LocalAddr())
		s.wg.Add(1)
		go s.udpLoop(u)
	}

	<-ctx.Done()
	s.log.Info("shutting down")
	err := s.core.Close()
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop(ctx context.Context, ln *core.Listener) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, lib.ErrReleased) {
				return
			}
			s.log.Warnf("accept on %s: %v", ln.Addr(), err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(acceptRetryDelay):
			}
			continue
		}
		s.log.Infof("new connection from %s", conn.RemoteAddr())
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(c *core.Conn) {
	defer s.wg.Done()
	defer c.Close()
	buf := make([]byte, s.bufSize)
	for {
		n, err := c.Read(buf)
		if err != nil {
			if err == io.EOF {
				s.log.Debugf("connection from %s closed by client", c.RemoteAddr())
			} else {
				s.log.Warnf("read from %s: %v", c.RemoteAddr(), err)
			}
			return
		}
		if _, err := c.Write(buf[:n]); err != nil {
			s.log.Warnf("write to %s: %v", c.RemoteAddr(), err)
			return
		}
	}
}

func (s *Server) udpLoop(u *core.UDPConn) {
	defer s.wg.Done()
	defer u.Close()
	buf := make([]byte, 0xffff)
	for {
		n, from, err := u.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, lib.ErrReleased) {
				s.log.Warnf("udp read: %v", err)
			}
			return
		}
		if _, err := u.WriteTo(buf[:n], from); err != nil {
			s.log.Warnf("udp write to %s: %v", from, err)
		}
	}
}
