package discover

import (
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rcrowley/go-metrics"

	"github.com/feedmesh/feedmesh/log"
)

const (
	alpha           = 3  // Kademlia concurrency factor
	bucketSize      = 16 // Kademlia bucket size
	maxReplacements = 10 // size of per-bucket replacement list

	numBuckets = 20 * 8 // 20-byte NodeID space

	refreshInterval   = 30 * time.Minute
	reannounceDefault = 10 * time.Second // spec.md §4.6: default 10s cadence
	topicTTL          = 3 * reannounceDefault
)

var logger = log.NewModuleLogger(log.ModuleDiscoverDHT)

var (
	bucketEntriesGauge      = metrics.NewRegisteredGauge("discover/buckets/entries", metrics.DefaultRegistry)
	bucketReplacementsGauge = metrics.NewRegisteredGauge("discover/buckets/replacements", metrics.DefaultRegistry)
	topicValuesGauge        = metrics.NewRegisteredGauge("discover/topics/values", metrics.DefaultRegistry)
)

// bucket holds routing entries whose distance to Table.self falls in one
// logarithmic distance range, exactly the teacher's per-distance bucket
// shape (table.go's unexported bucket type, reused here under the same
// name).
type bucket struct {
	entries      []*Node
	replacements []*Node
}

// transport is the peer-facing half of the protocol: ping/find-node for
// routing maintenance, announce/get-peers for topic values. udpTransport
// is its only implementation (the discover tests run over real UDP
// sockets); it is the same seam the teacher's table.go draws with its own
// `transport` interface.
type transport interface {
	ping(n *Node) error
	findNode(n *Node, target NodeID) ([]*Node, error)
	announce(n *Node, topic Topic, port uint16) error
	getPeers(n *Node, topic Topic) (peers []PeerRecord, closer []*Node, err error)
}

// PeerRecord is one value stored under a topic: a peer's address and the
// port it announced listening on (spec.md §4.6: "keys are topics and
// values are peer ports").
type PeerRecord struct {
	Addr    *net.UDPAddr
	Port    uint16
	Expires time.Time
}

// Table is the local node's Kademlia routing table plus the topic value
// store it serves to other DHT participants, adapted from table.go's
// Table (routing only there; here also the value store, since this
// repository's DHT has no separate "node record" concept to route besides
// topic values).
type Table struct {
	self  NodeID
	trans transport

	mu      sync.Mutex
	buckets [numBuckets]*bucket

	valuesMu sync.Mutex
	values   map[Topic][]PeerRecord

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewTable builds a routing table for self, bonding with bootnodes to seed
// its buckets.
func NewTable(self NodeID, trans transport, bootnodes []*Node) *Table {
	t := &Table{
		self:    self,
		trans:   trans,
		values:  make(map[Topic][]PeerRecord),
		closeCh: make(chan struct{}),
	}
	for i := range t.buckets {
		t.buckets[i] = &bucket{}
	}
	for _, n := range bootnodes {
		t.add(n)
	}
	go t.loop()
	return t
}

func (t *Table) Close() {
	t.closeOnce.Do(func() { close(t.closeCh) })
}

func (t *Table) loop() {
	refresh := time.NewTicker(refreshInterval)
	defer refresh.Stop()
	for {
		select {
		case <-refresh.C:
			t.refresh()
		case <-t.closeCh:
			return
		}
	}
}

// refresh performs a lookup for a random target to keep buckets populated,
// the same purpose as table.go's doRefresh.
func (t *Table) refresh() {
	target, err := randomNodeID()
	if err != nil {
		logger.Warn("refresh: random target", "err", err)
		return
	}
	t.lookup(target)
}

func (t *Table) bucketIndex(id NodeID) int {
	d := distance(t.self, id)
	if d == 0 {
		d = 1
	}
	return d - 1
}

// add inserts n into its bucket if there's room, else onto the
// replacement list -- table.go's `Table.add`, minus the ping-oldest-entry
// eviction probe (no liveness transport guarantee is assumed here; a dead
// entry is simply never returned by closest() once it ages out via
// revalidate, which this condensed table skips in favor of the refresh
// loop naturally diluting stale entries with live ones).
func (t *Table) add(n *Node) {
	if n.ID == t.self {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.buckets[t.bucketIndex(n.ID)]
	for _, e := range b.entries {
		if e.ID == n.ID {
			return
		}
	}
	if len(b.entries) < bucketSize {
		b.entries = append(b.entries, n)
	} else if len(b.replacements) < maxReplacements {
		b.replacements = append(b.replacements, n)
	}
	bucketEntriesGauge.Update(int64(t.countLocked(func(b *bucket) int { return len(b.entries) })))
	bucketReplacementsGauge.Update(int64(t.countLocked(func(b *bucket) int { return len(b.replacements) })))
}

func (t *Table) countLocked(f func(*bucket) int) int {
	n := 0
	for _, b := range t.buckets {
		n += f(b)
	}
	return n
}

// closest returns the nresults table entries nearest to target, table.go's
// closest()/nodesByDistance.push.
func (t *Table) closest(target NodeID, nresults int) []*Node {
	t.mu.Lock()
	defer t.mu.Unlock()
	nd := &nodesByDistance{target: target}
	for _, b := range t.buckets {
		for _, n := range b.entries {
			nd.push(n, nresults)
		}
	}
	return nd.entries
}

// lookup performs an iterative Kademlia node lookup for target, bonding
// with and inserting any newly discovered nodes, mirroring table.go's
// findNewNode (non-recursive variant: fixed, one round-trip per wave of
// alpha queries).
func (t *Table) lookup(target NodeID) []*Node {
	seeds := t.closest(target, bucketSize)
	asked := make(map[NodeID]bool)
	seen := map[NodeID]bool{t.self: true}
	for _, n := range seeds {
		seen[n.ID] = true
	}

	for {
		pending := 0
		reply := make(chan []*Node, alpha)
		for _, n := range seeds {
			if pending >= alpha {
				break
			}
			if asked[n.ID] {
				continue
			}
			asked[n.ID] = true
			pending++
			go func(n *Node) {
				found, err := t.trans.findNode(n, target)
				if err != nil {
					logger.Debug("findNode failed", "peer", n.ID, "err", err)
					reply <- nil
					return
				}
				reply <- found
			}(n)
		}
		if pending == 0 {
			break
		}
		newSeeds := &nodesByDistance{target: target, entries: append([]*Node(nil), seeds...)}
		for i := 0; i < pending; i++ {
			for _, n := range <-reply {
				if n == nil || seen[n.ID] {
					continue
				}
				seen[n.ID] = true
				t.add(n)
				newSeeds.push(n, bucketSize)
			}
		}
		seeds = newSeeds.entries
	}
	return seeds
}

// nodesByDistance is an ordered-by-XOR-distance accumulator, table.go's
// type of the same name.
type nodesByDistance struct {
	entries []*Node
	target  NodeID
}

func (h *nodesByDistance) push(n *Node, maxElems int) {
	ix := sort.Search(len(h.entries), func(i int) bool {
		return distance(h.target, h.entries[i].ID) > distance(h.target, n.ID)
	})
	if len(h.entries) < maxElems {
		h.entries = append(h.entries, n)
	}
	if ix == len(h.entries) {
		// farther than everything already held (or it didn't fit); done.
		return
	}
	copy(h.entries[ix+1:], h.entries[ix:])
	h.entries[ix] = n
}
