//go:build linux

package link

import "golang.org/x/net/ipv4"

// startReaders reads every raw socket in its own goroutine.
func (r *RawIP) startReaders() error {
	for _, rc := range r.conns {
		r.wg.Add(1)
		go r.readLoop(rc)
	}
	return nil
}

func (r *RawIP) readLoop(rc *ipv4.RawConn) {
	defer r.wg.Done()
	buf := make([]byte, MaxFrameSize)
	for {
		h, p, _, err := rc.ReadFrom(buf)
		if err != nil {
			if r.closed.Load() {
				return
			}
			r.log.Warnf("read: %v", err)
			continue
		}
		n := h.Len + len(p)
		if n > len(buf) {
			continue
		}
		r.enqueue(buf[:n])
	}
}
