// Package client is an echo client over a core: it sends numbered messages
// to a server, checks that each comes back unchanged and reconnects when the
// connection is lost.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Polled-TCP/core"
)

// Stats counts the outcome of a client run.
type Stats struct {
	Sent       int
	Matched    int
	Failed     int
	Reconnects int
}

// Client exchanges echo messages over one connection at a time.
type Client struct {
	dialer *Dialer
	conn   *core.Conn
	log    *logrus.Entry
	stats  Stats
}

func New(d *Dialer) *Client {
	return &Client{dialer: d, log: logrus.WithField("component", "client")}
}

func (c *Client) Stats() Stats {
	return c.stats
}

// Exchange sends msg and waits for the echo. A connection that turns out to
// be gone is replaced once and the message sent again.
func (c *Client) Exchange(ctx context.Context, msg []byte) error {
	if c.conn == nil {
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			return err
		}
		c.conn = conn
	}

	err := echo(c.conn, msg)
	if err == nil || !Retryable(err) {
		return err
	}
	c.log.Warnf("connection lost: %v, reconnecting", err)
	c.drop()
	conn, derr := c.dialer.Dial(ctx)
	if derr != nil {
		return errors.Wrap(derr, "reconnect")
	}
	c.conn = conn
	c.stats.Reconnects++
	return echo(c.conn, msg)
}

// Run sends count messages, one per interval, until ctx is done. A zero
// count runs until ctx is done.
func (c *Client) Run(ctx context.Context, count int, interval time.Duration, message string) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for count == 0 || c.stats.Sent < count {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		c.stats.Sent++
		msg := fmt.Sprintf("%s %d", message, c.stats.Sent)
		c.log.Debugf("[%d] sending %q", c.stats.Sent, msg)
		if err := c.Exchange(ctx, []byte(msg)); err != nil {
			c.stats.Failed++
			if c.conn == nil {
				// the dialer has used up its retries
				return err
			}
			c.log.Warnf("[%d] %v", c.stats.Sent, err)
			continue
		}
		c.stats.Matched++
	}
	return nil
}

// Close shuts the current connection down.
func (c *Client) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) drop() {
	if err := c.conn.Close(); err != nil {
		c.log.Debugf("close lost connection: %v", err)
	}
	c.conn = nil
}

func echo(rw io.ReadWriter, msg []byte) error {
	if _, err := rw.Write(msg); err != nil {
		return errors.Wrap(err, "write")
	}
	reply := make([]byte, len(msg))
	if _, err := io.ReadFull(rw, reply); err != nil {
		return errors.Wrap(err, "read")
	}
	if !bytes.Equal(reply, msg) {
		return errors.Errorf("echo mismatch: sent %q, got %q", msg, reply)
	}
	return nil
}
