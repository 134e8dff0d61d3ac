// Package discover implements spec.md §4.6's wide-area discovery service: a
// Kademlia DHT keyed by topic, adapted from the teacher's
// networks/p2p/discover/table.go routing table -- same alpha/bucketSize/
// maxReplacements constants, bucket/replacement-list/nodesByDistance
// machinery and go-metrics bucket gauges, but keyed by 32-byte topic
// (discovery key) instead of NodeID, storing (peer address, announce
// deadline) values instead of routing *Node entries, and without the
// CN/PN/EN/BN per-node-type storage strategy (topics have no type).
package discover

import (
	crand "crypto/rand"
	"crypto/sha256"
	"net"
)

// NodeID identifies a DHT participant, distinct from the topics it stores
// values for.
type NodeID [20]byte

// Node is a known DHT peer: a routing-table entry, not a topic value.
type Node struct {
	ID   NodeID
	Addr *net.UDPAddr

	addedAt int64 // insertion tick; Table neither sets nor reads it
}

func distance(a, b NodeID) int {
	// Log-distance: the bit length of a XOR b (160 minus its leading zero
	// bits), 0 for equal IDs; bucketIndex files an ID under distance-1 --
	// mirrors the teacher's logdist(a.sha, b.sha) over common.Hash.
	lz := 0
	for i := range a {
		x := a[i] ^ b[i]
		if x == 0 {
			lz += 8
			continue
		}
		for x&0x80 == 0 {
			lz++
			x <<= 1
		}
		break
	}
	return len(a)*8 - lz
}

// Topic is the 32-byte discovery key a feed is announced/located under
// (spec.md §4.6, §6's DK derivation).
type Topic [32]byte

// TopicHash folds a Topic down to the NodeID space used for bucket
// placement, the same way the teacher hashes a NodeID to a common.Hash
// before computing distance.
func TopicHash(t Topic) NodeID {
	sum := sha256.Sum256(t[:])
	var id NodeID
	copy(id[:], sum[:20])
	return id
}

func randomNodeID() (NodeID, error) {
	var id NodeID
	if _, err := crand.Read(id[:]); err != nil {
		return NodeID{}, err
	}
	return id, nil
}
