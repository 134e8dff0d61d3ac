package discover

import (
	"context"
	"net"
	"time"
)

// Event is one discovered-peer notification, spec.md §4.6's "emit one
// event per discovered peer".
type Event struct {
	Topic Topic
	Addr  *net.UDPAddr
}

// Lookup performs one DHT get-peers round for topic: it walks the routing
// table toward TopicHash(topic), querying getPeers on each node visited,
// and returns every live peer record collected along the way plus
// whatever it already had cached locally.
func (t *Table) Lookup(topic Topic) []PeerRecord {
	target := TopicHash(topic)
	found := map[string]PeerRecord{}
	for _, r := range t.valuesFor(topic) {
		found[r.Addr.String()] = r
	}

	visited := t.closest(target, bucketSize)
	asked := make(map[NodeID]bool)
	for round := 0; round < 3 && len(visited) > 0; round++ {
		next := make([]*Node, 0, len(visited))
		for _, n := range visited {
			if asked[n.ID] {
				continue
			}
			asked[n.ID] = true
			peers, closer, err := t.trans.getPeers(n, topic)
			if err != nil {
				logger.Debug("getPeers failed", "peer", n.ID, "err", err)
				continue
			}
			for _, p := range peers {
				found[p.Addr.String()] = p
			}
			for _, c := range closer {
				t.add(c)
				next = append(next, c)
			}
		}
		if len(next) == 0 {
			break
		}
		visited = next
	}

	out := make([]PeerRecord, 0, len(found))
	for _, r := range found {
		out = append(out, r)
	}
	return out
}

// Announce pushes (topic, port) onto the nodes closest to the topic's
// hash. Call it periodically (spec.md §4.6 default 10s) since entries
// expire.
func (t *Table) Announce(topic Topic, port uint16) {
	target := TopicHash(topic)
	for _, n := range t.closest(target, bucketSize) {
		if err := t.trans.announce(n, topic, port); err != nil {
			logger.Debug("announce failed", "peer", n.ID, "err", err)
		}
	}
}

// Unannounce is best-effort (spec.md §4.6).
func (t *Table) Unannounce(topic Topic, port uint16) {
	t.Announce(topic, 0) // a zero-port announce to the same set acts as a removal hint
}

// Locator runs periodic Lookup calls for one topic and emits discovered
// peers on a channel, the DHT half of spec.md §4.6's unified discovery
// stream (the mDNS half is mdns.Locator).
type Locator struct {
	table    *Table
	topic    Topic
	interval time.Duration
	events   chan Event
}

// NewLocator starts locating topic at interval (0 uses the spec default
// of 10s).
func NewLocator(table *Table, topic Topic, interval time.Duration) *Locator {
	if interval <= 0 {
		interval = reannounceDefault
	}
	l := &Locator{table: table, topic: topic, interval: interval, events: make(chan Event, 32)}
	return l
}

// Events returns the channel Run publishes discoveries on.
func (l *Locator) Events() <-chan Event { return l.events }

// Run ticks Lookup until ctx is cancelled.
func (l *Locator) Run(ctx context.Context) {
	defer close(l.events)
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	l.tick()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick()
		}
	}
}

func (l *Locator) tick() {
	for _, r := range l.table.Lookup(l.topic) {
		select {
		case l.events <- Event{Topic: l.topic, Addr: r.Addr}:
		default:
			logger.Debug("locator event dropped, receiver too slow", "topic", l.topic)
		}
	}
}

// Announcer re-announces (topic, port) every interval until stopped
// (spec.md §4.6: "Announce must periodically re-announce").
type Announcer struct {
	table    *Table
	topic    Topic
	port     uint16
	interval time.Duration
}

func NewAnnouncer(table *Table, topic Topic, port uint16, interval time.Duration) *Announcer {
	if interval <= 0 {
		interval = reannounceDefault
	}
	return &Announcer{table: table, topic: topic, port: port, interval: interval}
}

// Run re-announces until ctx is cancelled, then best-effort un-announces.
func (a *Announcer) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	a.table.Announce(a.topic, a.port)
	for {
		select {
		case <-ctx.Done():
			a.table.Unannounce(a.topic, a.port)
			return
		case <-ticker.C:
			a.table.Announce(a.topic, a.port)
		}
	}
}
