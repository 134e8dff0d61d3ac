// Package feed declares the storage/verification collaborator the
// replicator and drive packages depend on but never implement themselves:
// spec.md §1 assumes a library providing Feed::put/get/has/len/bitfield,
// and explicitly excludes "on-disk vs in-memory storage backend choice"
// and "the Merkle/hash primitives themselves" from this repository's core.
//
// MemFeed is the in-memory reference implementation used by tests and by
// cmd/feedsync when no external store is configured; it is not the
// production storage answer, just enough of one to drive the protocol.
package feed

import (
	"sync"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/pkg/errors"

	"github.com/feedmesh/feedmesh/bitfield"
	"github.com/feedmesh/feedmesh/crypto"
)

// ErrProofRejected is returned by Put when the accompanying proof fails
// verification; it is the "Proof rejection" error category of spec.md §7:
// non-fatal to the channel, the bad block is simply dropped.
var ErrProofRejected = errors.New("proof rejected")

// MerkleNode is one sibling hash supplied alongside a block's value,
// mirroring the Data message's nodes field verbatim (spec.md §6).
type MerkleNode struct {
	Index uint64
	Hash  []byte
	Size  uint64
}

// Proof accompanies a stored block: the Merkle siblings needed to
// recompute the feed's root, plus the root signature by the feed's public
// key holder (spec.md §3 invariant b).
type Proof struct {
	Index     uint64
	Nodes     []MerkleNode
	Signature []byte
}

// Verifier is the external Merkle/hash primitive spec.md §1 assumes: given
// a public key, a block index, its value and proof, it decides whether the
// block may be stored. feedmesh never implements signature verification
// itself; tests inject a Verifier stand-in (see feed_test.go) including one
// that always rejects, to exercise S6 (proof rejection is non-fatal).
type Verifier interface {
	Verify(pk crypto.PublicKey, index uint64, value []byte, proof Proof) bool
}

// Feed is the append-only verified log the replicator reads from and
// writes into. Implementations must make Put, Get, Has, Len and Bitfield
// safe for concurrent use: a drive's feed pair is shared across every
// session replicating that drive (spec.md §3 "Ownership").
type Feed interface {
	PublicKey() crypto.PublicKey
	Len() uint64
	Has(index uint64) bool
	Get(index uint64) ([]byte, bool)
	Put(index uint64, value []byte, proof Proof) error
	Bitfield() *bitfield.Bitfield
}

// MemFeed is a Feed backed by an in-process fastcache block store. It is
// intentionally not durable: spec.md §1 carves persistence choice out of
// the core's scope, so the reference implementation only needs to be
// correct, not production-grade.
type MemFeed struct {
	mu       sync.RWMutex
	pk       crypto.PublicKey
	verifier Verifier
	blocks   *fastcache.Cache
	present  *bitfield.Bitfield
	length   uint64
}

// NewMemFeed builds an empty in-memory feed for pk, verifying incoming
// blocks with verifier.
func NewMemFeed(pk crypto.PublicKey, verifier Verifier) *MemFeed {
	return &MemFeed{
		pk:       pk,
		verifier: verifier,
		blocks:   fastcache.New(32 * 1024 * 1024),
		present:  bitfield.New(),
	}
}

func (f *MemFeed) PublicKey() crypto.PublicKey { return f.pk }

func (f *MemFeed) Len() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.length
}

func (f *MemFeed) Has(index uint64) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.present.Get(index)
}

func (f *MemFeed) Get(index uint64) ([]byte, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.present.Get(index) {
		return nil, false
	}
	v, ok := f.blocks.HasGet(nil, blockKey(index))
	return v, ok
}

// Put verifies and stores a block. It never mutates state on a rejected
// proof (spec.md §3 invariant a: once stored, a block never changes, and a
// rejected block was never stored to begin with).
func (f *MemFeed) Put(index uint64, value []byte, proof Proof) error {
	if f.verifier != nil && !f.verifier.Verify(f.pk, index, value, proof) {
		return ErrProofRejected
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.present.Get(index) {
		// Already stored; blocks are immutable once present (spec.md §3).
		return nil
	}
	f.blocks.Set(blockKey(index), value)
	f.present.Set(index)
	if index+1 > f.length {
		f.length = index + 1
	}
	return nil
}

func (f *MemFeed) Bitfield() *bitfield.Bitfield {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.present.Clone()
}

func blockKey(index uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(index >> (8 * uint(i)))
	}
	return b
}

// AcceptAllVerifier treats every proof as valid; used where the caller has
// already established trust some other way (e.g. a replicator test
// supplying blocks it generated itself).
type AcceptAllVerifier struct{}

func (AcceptAllVerifier) Verify(crypto.PublicKey, uint64, []byte, Proof) bool { return true }

// RejectAllVerifier treats every proof as invalid; used to exercise S6
// (proof rejection is non-fatal).
type RejectAllVerifier struct{}

func (RejectAllVerifier) Verify(crypto.PublicKey, uint64, []byte, Proof) bool { return false }
