//go:build !linux && !darwin

package link

import (
	"net/netip"

	"github.com/Clouded-Sabre/Polled-TCP/lib"
)

// RawIP is unavailable on this platform; NewRawIP always fails.
type RawIP struct{}

func NewRawIP(local netip.Addr, cfg PoolConfig) (*RawIP, error) {
	return nil, errNotSupported
}

func (r *RawIP) Receive(ch int) (lib.RxBuffer, bool)             { return lib.RxBuffer{}, false }
func (r *RawIP) Release(ch int)                                  {}
func (r *RawIP) Send(ch int, hdr, payload []byte) lib.SendStatus { return lib.SendFailed }
func (r *RawIP) Notify() <-chan struct{}                         { return nil }
func (r *RawIP) Dropped() uint64                                 { return 0 }
func (r *RawIP) Close() error                                    { return errLinkClosed }
