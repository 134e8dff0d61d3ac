package supervisor

import (
	"sync"

	"github.com/feedmesh/feedmesh/discover"
	"github.com/feedmesh/feedmesh/mdns"
)

// Event is one (topic, addr) discovery notification, spec.md §4.5's
// "Stream<(topic: bytes32, addr: SocketAddr)>" shared by both discovery
// services.
type Event struct {
	Topic [32]byte
	Addr  SocketAddr
}

// FromDiscover adapts a DHT Locator's event stream to the common Event
// shape. The returned channel closes once in closes.
func FromDiscover(in <-chan discover.Event) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for ev := range in {
			out <- Event{Topic: [32]byte(ev.Topic), Addr: socketAddrOf(ev.Addr)}
		}
	}()
	return out
}

// FromMDNS adapts an mDNS Locator's event stream to the common Event
// shape.
func FromMDNS(in <-chan mdns.Event) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for ev := range in {
			out <- Event{Topic: [32]byte(ev.Topic), Addr: socketAddrOf(ev.Addr)}
		}
	}()
	return out
}

// merge fans multiple discovery streams into one, with fair interleaving:
// each source gets its own forwarding goroutine contending to send on the
// shared channel, so no single busy source can starve the others (spec.md
// §4.5: "merges multiple such streams with fair interleaving"). merged
// closes once every source has closed.
func merge(sources ...<-chan Event) <-chan Event {
	out := make(chan Event)
	var wg sync.WaitGroup
	wg.Add(len(sources))
	for _, src := range sources {
		go func(src <-chan Event) {
			defer wg.Done()
			for ev := range src {
				out <- ev
			}
		}(src)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}
