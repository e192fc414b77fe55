package link

import (
	"reflect"
	"sync"

	"github.com/Clouded-Sabre/Polled-TCP/lib"
)

// Bundle presents several single-channel links as one multi-channel link:
// stack channel i is channel 0 of the i-th member.
type Bundle struct {
	links  []lib.Link
	notify chan struct{}
	once   sync.Once
	stop   chan struct{}
}

func NewBundle(links ...lib.Link) *Bundle {
	return &Bundle{
		links:  links,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}
}

func (b *Bundle) member(ch int) lib.Link {
	if ch < 0 || ch >= len(b.links) {
		return nil
	}
	return b.links[ch]
}

func (b *Bundle) Receive(ch int) (lib.RxBuffer, bool) {
	if l := b.member(ch); l != nil {
		return l.Receive(0)
	}
	return lib.RxBuffer{}, false
}

func (b *Bundle) Release(ch int) {
	if l := b.member(ch); l != nil {
		l.Release(0)
	}
}

func (b *Bundle) Send(ch int, hdr, payload []byte) lib.SendStatus {
	if l := b.member(ch); l != nil {
		return l.Send(0, hdr, payload)
	}
	return lib.SendFailed
}

// Notify merges the notifications of every member that has them.
func (b *Bundle) Notify() <-chan struct{} {
	b.once.Do(func() {
		cases := []reflect.SelectCase{{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(b.stop)}}
		for _, l := range b.links {
			if n, ok := l.(lib.Notifier); ok && n.Notify() != nil {
				cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(n.Notify())})
			}
		}
		if len(cases) == 1 {
			return
		}
		go func() {
			for {
				chosen, _, _ := reflect.Select(cases)
				if chosen == 0 {
					return
				}
				select {
				case b.notify <- struct{}{}:
				default:
				}
			}
		}()
	})
	return b.notify
}

// Close stops the notification fan-in. Members are closed by their owners.
func (b *Bundle) Close() error {
	select {
	case <-b.stop:
	default:
		close(b.stop)
	}
	return nil
}
