// Package crypto provides the identity and link-cipher primitives the wire
// transport and discovery fabric build on: the 32-byte public key that
// names a feed, the discovery key derived from it, and the per-connection
// XSalsa20 stream cipher. Signing (which requires the secret key) is out of
// scope per spec.md §1 — this package never holds or needs a secret key.
package crypto

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
)

// PublicKey identifies a feed. It is an Ed25519 public key, but this
// package never verifies or produces signatures with it — verification is
// the Merkle/hash primitive's job (feed.Verifier), an external collaborator
// per spec.md §1.
type PublicKey [32]byte

func (pk PublicKey) String() string { return hex.EncodeToString(pk[:]) }

// ParsePublicKey decodes a hex-encoded 32-byte public key, the form used by
// every cmd/* entry point (spec.md §6).
func ParsePublicKey(s string) (PublicKey, error) {
	var pk PublicKey
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, errors.Wrap(err, "decode public key hex")
	}
	if len(b) != len(pk) {
		return pk, errors.Errorf("public key must be %d bytes, got %d", len(pk), len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// DiscoveryKey is the topic broadcast during discovery: a keyed hash of PK,
// not PK itself, so observers that never learn PK can't read the feed
// (spec.md §3).
type DiscoveryKey [32]byte

func (dk DiscoveryKey) String() string { return hex.EncodeToString(dk[:]) }

// hypercoreHashMessage is the fixed ASCII string keyed-hashed with PK to
// derive a feed's discovery key (spec.md §6).
const hypercoreHashMessage = "hypercore"

// DeriveDiscoveryKey computes DK = Blake2b-256(key=PK, message="hypercore").
func DeriveDiscoveryKey(pk PublicKey) (DiscoveryKey, error) {
	var dk DiscoveryKey
	h, err := blake2b.New256(pk[:])
	if err != nil {
		return dk, errors.Wrap(err, "init keyed blake2b")
	}
	if _, err := h.Write([]byte(hypercoreHashMessage)); err != nil {
		return dk, errors.Wrap(err, "hash hypercore message")
	}
	copy(dk[:], h.Sum(nil))
	return dk, nil
}

// Nonce is the 24 random bytes exchanged in clear at the start of a
// connection, one per direction, used to seed that direction's XSalsa20
// keystream (spec.md §3).
type Nonce [24]byte

// NewNonce draws a fresh random nonce.
func NewNonce() (Nonce, error) {
	var n Nonce
	if _, err := rand.Read(n[:]); err != nil {
		return n, errors.Wrap(err, "read random nonce")
	}
	return n, nil
}

// PeerID is the per-session random 32 bytes exchanged in the Handshake
// message; equal PeerIDs on both ends of a connection mean the session
// looped back to itself (spec.md §4.3).
type PeerID [32]byte

func NewPeerID() (PeerID, error) {
	var id PeerID
	if _, err := rand.Read(id[:]); err != nil {
		return id, errors.Wrap(err, "read random peer id")
	}
	return id, nil
}

func (id PeerID) Equal(other PeerID) bool { return id == other }
