package client

import (
	"context"
	"io"
	"math"
	"net/netip"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Polled-TCP/core"
	"github.com/Clouded-Sabre/Polled-TCP/lib"
)

// ReconnectConfig holds configuration for client-side automatic reconnection
type ReconnectConfig struct {
	MaxRetries        int           // Maximum reconnection attempts (-1 for infinite)
	InitialBackoff    time.Duration // Initial backoff delay
	MaxBackoff        time.Duration // Maximum backoff cap
	BackoffMultiplier float64       // Exponential backoff multiplier (e.g., 2.0)
	OnReconnect       func()        // Called when a retry succeeds
	OnFinalFailure    func(error)   // Called when all retries are exhausted
}

// DefaultReconnectConfig returns a conservative reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxRetries:        10,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        60 * time.Second,
		BackoffMultiplier: 1.5,
	}
}

// AggressiveReconnectConfig returns an aggressive configuration for testing/development
func AggressiveReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxRetries:        5,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// CalculateBackoffDuration calculates the backoff duration for a given retry count
func CalculateBackoffDuration(retryCount int, initialBackoff time.Duration, maxBackoff time.Duration, multiplier float64) time.Duration {
	backoff := time.Duration(float64(initialBackoff) * math.Pow(multiplier, float64(retryCount)))
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

// Retryable reports whether err means the connection is gone and a new one
// may succeed.
func Retryable(err error) bool {
	return errors.Is(err, lib.ErrReset) || errors.Is(err, lib.ErrTimeout) ||
		errors.Is(err, lib.ErrObjectState) || errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}

// Dialer opens connections to one server, retrying failed attempts with
// exponential backoff.
type Dialer struct {
	core    *core.Core
	channel int
	remote  netip.AddrPort
	timeout lib.Timeout // per attempt
	cfg     *ReconnectConfig
	log     *logrus.Entry
}

func NewDialer(c *core.Core, channel int, remote netip.AddrPort, timeout lib.Timeout, cfg *ReconnectConfig) *Dialer {
	if cfg == nil {
		cfg = DefaultReconnectConfig()
	}
	return &Dialer{
		core:    c,
		channel: channel,
		remote:  remote,
		timeout: timeout,
		cfg:     cfg,
		log:     logrus.WithFields(logrus.Fields{"component": "dialer", "server": remote}),
	}
}

// Dial connects to the server. Failed attempts are retried until the
// configured number of retries is used up or ctx is done.
func (d *Dialer) Dial(ctx context.Context) (*core.Conn, error) {
	var lastErr error
	attempt := 0
	for ; d.cfg.MaxRetries == -1 || attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := CalculateBackoffDuration(attempt-1, d.cfg.InitialBackoff, d.cfg.MaxBackoff, d.cfg.BackoffMultiplier)
			d.log.Infof("Reconnection attempt %d: waiting %v before retry", attempt, backoff)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		conn, err := d.core.Dial(d.channel, d.remote, d.timeout)
		if err == nil {
			if attempt > 0 {
				d.log.Infof("Reconnection successful on attempt %d", attempt)
				if d.cfg.OnReconnect != nil {
					d.cfg.OnReconnect()
				}
			}
			return conn, nil
		}
		lastErr = err
		d.log.Warnf("connection attempt %d failed: %v", attempt+1, err)
	}

	err := errors.Wrapf(lastErr, "giving up after %d attempts", attempt)
	if d.cfg.OnFinalFailure != nil {
		d.cfg.OnFinalFailure(err)
	}
	return nil, err
}
