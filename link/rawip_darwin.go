//go:build darwin

package link

import (
	"fmt"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/pkg/errors"
)

// captureTimeout bounds each blocking capture read so Close is noticed.
const captureTimeout = 100 * time.Millisecond

// startReaders captures inbound datagrams with libpcap. Raw sockets here
// never see TCP or UDP the kernel handles itself, so they only send.
func (r *RawIP) startReaders() error {
	dev, err := interfaceFor(r.local)
	if err != nil {
		return err
	}
	handle, err := pcap.OpenLive(dev, MaxFrameSize, false, captureTimeout)
	if err != nil {
		return errors.Wrapf(err, "pcap open %s", dev)
	}
	expr := fmt.Sprintf("ip dst host %s and (tcp or udp or icmp)", r.local)
	if err := handle.SetBPFFilter(expr); err != nil {
		handle.Close()
		return errors.Wrapf(err, "pcap filter %q", expr)
	}
	r.stop = handle.Close
	r.log.Debugf("capturing on %s", dev)

	lt := handle.LinkType()
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		for !r.closed.Load() {
			data, _, err := handle.ZeroCopyReadPacketData()
			if err == pcap.NextErrorTimeoutExpired {
				continue
			}
			if err != nil {
				if r.closed.Load() {
					return
				}
				r.log.Warnf("capture: %v", err)
				continue
			}
			if d, ok := capturedDatagram(data, lt); ok {
				r.enqueue(d)
			}
		}
	}()
	return nil
}
