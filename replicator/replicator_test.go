package replicator

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/feedmesh/crypto"
	"github.com/feedmesh/feedmesh/feed"
	"github.com/feedmesh/feedmesh/wire"
)

// rejectOnceVerifier rejects the first proof it sees and accepts every one
// after, letting a test send a corrupted Data followed by a correct Data
// for the same index without needing two distinct indices.
type rejectOnceVerifier struct {
	mu       sync.Mutex
	rejected bool
}

func (v *rejectOnceVerifier) Verify(crypto.PublicKey, uint64, []byte, feed.Proof) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.rejected {
		v.rejected = true
		return false
	}
	return true
}

func testPK(seed byte) crypto.PublicKey {
	var pk crypto.PublicKey
	for i := range pk {
		pk[i] = seed
	}
	return pk
}

// rawPeer drives the wire protocol by hand (no Replicator) so tests can
// inject malformed or edge-case messages a conforming peer would never
// produce.
type rawPeer struct {
	mux   *wire.Multiplexer
	inbox wire.Inbox
}

func newRawPeer(conn net.Conn, channel uint64) *rawPeer {
	s := wire.NewStream(conn, 0)
	m := wire.NewMultiplexer(s)
	inbox := m.Open(channel)
	go m.Run()
	return &rawPeer{mux: m, inbox: inbox}
}

func (p *rawPeer) recv(t *testing.T) wire.Frame {
	t.Helper()
	select {
	case f, ok := <-p.inbox:
		require.True(t, ok, "inbox closed unexpectedly")
		return f
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return wire.Frame{}
	}
}

// handshake drives a rawPeer through Open/Handshake against a live
// Replicator (assumed UpgradeCipher:false so no cipher is involved),
// leaving both sides in Live.
func (p *rawPeer) handshake(t *testing.T, channel uint64, peerID crypto.PeerID) {
	t.Helper()
	openFrame := p.recv(t)
	require.Equal(t, wire.TypeOpen, openFrame.Type)

	nonce, err := crypto.NewNonce()
	require.NoError(t, err)
	open := wire.OpenMessage{Nonce: nonce}
	require.NoError(t, p.mux.Send(wire.Frame{Channel: channel, Type: wire.TypeOpen, Payload: open.Marshal()}))

	hsFrame := p.recv(t)
	require.Equal(t, wire.TypeHandshake, hsFrame.Type)

	hs := wire.HandshakeMessage{ID: peerID, Live: true}
	require.NoError(t, p.mux.Send(wire.Frame{Channel: channel, Type: wire.TypeHandshake, Payload: hs.Marshal()}))

	wantFrame := p.recv(t)
	require.Equal(t, wire.TypeWant, wantFrame.Type)
}

func newPipeReplicator(t *testing.T, channel uint64, f feed.Feed) (*Replicator, net.Conn) {
	t.Helper()
	a, b := net.Pipe()
	stream := wire.NewStream(a, 0)
	mux := wire.NewMultiplexer(stream)
	go mux.Run()

	rep, err := New(Config{Channel: channel, Feed: f, Mux: mux, UpgradeCipher: false})
	require.NoError(t, err)
	return rep, b
}

func TestReplicatorEndToEndSyncsAllBlocks(t *testing.T) {
	pk := testPK(7)
	feedA := feed.NewMemFeed(pk, feed.AcceptAllVerifier{})
	feedB := feed.NewMemFeed(pk, feed.AcceptAllVerifier{})

	for i := uint64(0); i < 3; i++ {
		require.NoError(t, feedA.Put(i, []byte{byte('a'), byte(i)}, feed.Proof{Index: i}))
	}

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	muxA := wire.NewMultiplexer(wire.NewStream(a, 0))
	muxB := wire.NewMultiplexer(wire.NewStream(b, 0))
	go muxA.Run()
	go muxB.Run()

	repA, err := New(Config{Channel: 0, Feed: feedA, Mux: muxA, UpgradeCipher: false})
	require.NoError(t, err)
	repB, err := New(Config{Channel: 0, Feed: feedB, Mux: muxB, UpgradeCipher: false})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go repA.Run(ctx)
	go repB.Run(ctx)

	deadline := time.After(3 * time.Second)
	for {
		if feedB.Len() == 3 && feedB.Has(0) && feedB.Has(1) && feedB.Has(2) {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("sync did not complete in time, feedB.Len()=%d", feedB.Len())
		case <-time.After(10 * time.Millisecond):
		}
	}

	v0, ok := feedB.Get(0)
	require.True(t, ok)
	assert.Equal(t, []byte{'a', 0}, v0)
}

func TestReplicatorDetectsSelfConnect(t *testing.T) {
	pk := testPK(9)
	feedA := feed.NewMemFeed(pk, feed.AcceptAllVerifier{})
	feedB := feed.NewMemFeed(pk, feed.AcceptAllVerifier{})

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	muxA := wire.NewMultiplexer(wire.NewStream(a, 0))
	muxB := wire.NewMultiplexer(wire.NewStream(b, 0))
	go muxA.Run()
	go muxB.Run()

	repA, err := New(Config{Channel: 0, Feed: feedA, Mux: muxA, UpgradeCipher: false})
	require.NoError(t, err)
	repB, err := New(Config{Channel: 0, Feed: feedB, Mux: muxB, UpgradeCipher: false})
	require.NoError(t, err)

	sharedID, err := crypto.NewPeerID()
	require.NoError(t, err)
	repA.localPeerID = sharedID
	repB.localPeerID = sharedID

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- repA.Run(ctx) }()
	go func() { errB <- repB.Run(ctx) }()

	select {
	case err := <-errA:
		assert.ErrorIs(t, err, ErrSelfConnect)
	case err := <-errB:
		assert.ErrorIs(t, err, ErrSelfConnect)
	case <-time.After(3 * time.Second):
		t.Fatal("neither side detected self-connect in time")
	}
}

func TestReplicatorIgnoresMisalignedWant(t *testing.T) {
	pk := testPK(3)
	f := feed.NewMemFeed(pk, feed.AcceptAllVerifier{})
	require.NoError(t, f.Put(0, []byte("block0"), feed.Proof{Index: 0}))

	rep, conn := newPipeReplicator(t, 0, f)
	defer conn.Close()
	peer := newRawPeer(conn, 0)

	peerID, err := crypto.NewPeerID()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rep.Run(ctx)
	peer.handshake(t, 0, peerID)

	// misaligned (not a multiple of 8192): must be silently ignored, no
	// Have in response.
	misaligned := wire.RangeMessage{Start: 1, Length: 1}
	require.NoError(t, peer.mux.Send(wire.Frame{Channel: 0, Type: wire.TypeWant, Payload: misaligned.Marshal()}))

	// follow with an aligned Want; only this one should produce a Have.
	aligned := wire.RangeMessage{Start: 0, Length: 0}
	require.NoError(t, peer.mux.Send(wire.Frame{Channel: 0, Type: wire.TypeWant, Payload: aligned.Marshal()}))

	haveFrame := peer.recv(t)
	assert.Equal(t, wire.TypeHave, haveFrame.Type)
	have, err := wire.UnmarshalHave(haveFrame.Payload)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), have.Start)
}

func TestReplicatorProofRejectionIsNonFatal(t *testing.T) {
	pk := testPK(5)
	f := feed.NewMemFeed(pk, &rejectOnceVerifier{})

	rep, conn := newPipeReplicator(t, 0, f)
	defer conn.Close()
	peer := newRawPeer(conn, 0)

	peerID, err := crypto.NewPeerID()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go rep.Run(ctx)
	peer.handshake(t, 0, peerID)

	data := wire.DataMessage{Index: 0, Value: []byte("bad block")}
	require.NoError(t, peer.mux.Send(wire.Frame{Channel: 0, Type: wire.TypeData, Payload: data.Marshal()}))

	// the channel must stay alive: a subsequent Want still gets answered.
	want := wire.RangeMessage{Start: 0, Length: 0}
	require.NoError(t, peer.mux.Send(wire.Frame{Channel: 0, Type: wire.TypeWant, Payload: want.Marshal()}))

	haveFrame := peer.recv(t)
	assert.Equal(t, wire.TypeHave, haveFrame.Type)
	assert.False(t, f.Has(0), "rejected proof must not be stored")

	// a subsequent correct Data for the same index must still be accepted
	// and the feed must advance, and the channel must still be Live.
	good := wire.DataMessage{Index: 0, Value: []byte("good block")}
	require.NoError(t, peer.mux.Send(wire.Frame{Channel: 0, Type: wire.TypeData, Payload: good.Marshal()}))

	deadline := time.After(2 * time.Second)
	for !f.Has(0) {
		select {
		case <-deadline:
			t.Fatal("feed never advanced after a correct Data for the same index")
		case <-time.After(5 * time.Millisecond):
		}
	}
	assert.Equal(t, uint64(1), f.Len())
	v, ok := f.Get(0)
	require.True(t, ok)
	assert.Equal(t, []byte("good block"), v)
	assert.Equal(t, StateLive, rep.State())
}
