package link

import (
	"math/rand"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Clouded-Sabre/Polled-TCP/lib"
)

// Lossy wraps a link and randomly drops datagrams in both directions. A
// dropped outbound datagram still reports lib.SendOK, as it would when lost
// on the wire.
type Lossy struct {
	lib.Link
	rate float64
	log  *logrus.Entry

	mu      sync.Mutex
	rng     *rand.Rand
	dropped int
}

// NewLossy drops each datagram with probability rate, drawn from a source
// seeded with seed so runs can be replayed.
func NewLossy(l lib.Link, rate float64, seed int64) *Lossy {
	return &Lossy{
		Link: l,
		rate: rate,
		rng:  rand.New(rand.NewSource(seed)),
		log:  logrus.WithField("component", "lossy"),
	}
}

func (l *Lossy) drop(direction string, size int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rng.Float64() >= l.rate {
		return false
	}
	l.dropped++
	l.log.Debugf("Dropped packet in %s direction (size: %d)", direction, size)
	return true
}

// Receive discards dropped inbound datagrams at once and reports the next
// one, if any.
func (l *Lossy) Receive(ch int) (lib.RxBuffer, bool) {
	for {
		rx, ok := l.Link.Receive(ch)
		if !ok || !l.drop("inbound", len(rx.Data)) {
			return rx, ok
		}
		l.Link.Release(ch)
	}
}

func (l *Lossy) Send(ch int, hdr, payload []byte) lib.SendStatus {
	if l.drop("outbound", len(hdr)+len(payload)) {
		return lib.SendOK
	}
	return l.Link.Send(ch, hdr, payload)
}

// Notify forwards the wrapped link's notifications, if it has any.
func (l *Lossy) Notify() <-chan struct{} {
	if n, ok := l.Link.(lib.Notifier); ok {
		return n.Notify()
	}
	return nil
}

// Dropped returns how many datagrams were discarded so far.
func (l *Lossy) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}
