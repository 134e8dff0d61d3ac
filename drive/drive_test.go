package drive

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/feedmesh/crypto"
	"github.com/feedmesh/feedmesh/feed"
	"github.com/feedmesh/feedmesh/wire"
)

func testPK(seed byte) crypto.PublicKey {
	var pk crypto.PublicKey
	for i := range pk {
		pk[i] = seed
	}
	return pk
}

func TestIndexRecordRoundTrip(t *testing.T) {
	pk := testPK(1)
	rec := IndexRecord{Type: IndexRecordType, Content: pk[:]}
	out, err := UnmarshalIndexRecord(rec.Marshal())
	require.NoError(t, err)
	assert.Equal(t, IndexRecordType, out.Type)
	assert.Equal(t, pk[:], out.Content)
}

func TestIndexRecordUnmarshalDoesNotValidateType(t *testing.T) {
	// UnmarshalIndexRecord only parses the wire shape; rejecting an
	// unrecognized type value is Drive's job (see ErrNoIndexRecord).
	rec := IndexRecord{Type: "something-else", Content: []byte("x")}
	out, err := UnmarshalIndexRecord(rec.Marshal())
	require.NoError(t, err)
	assert.Equal(t, "something-else", out.Type)
}

func TestIndexRecordRequiresType(t *testing.T) {
	_, err := UnmarshalIndexRecord(nil)
	assert.Error(t, err)
}

// TestDriveEndToEndFollowsIndexRecordToContentFeed exercises spec.md §8
// scenario S1: peer A already holds metadata block 0 (naming a content
// feed's public key) and the content feed's block 0; peer B starts with
// only the metadata feed's public key. After replication both drives must
// agree on metadata length 1 and content block 0.
func TestDriveEndToEndFollowsIndexRecordToContentFeed(t *testing.T) {
	metaPK := testPK(1)
	contentPK := testPK(2)

	metaA := feed.NewMemFeed(metaPK, feed.AcceptAllVerifier{})
	metaB := feed.NewMemFeed(metaPK, feed.AcceptAllVerifier{})

	contentA := feed.NewMemFeed(contentPK, feed.AcceptAllVerifier{})
	require.NoError(t, contentA.Put(0, []byte("world"), feed.Proof{Index: 0}))

	record := IndexRecord{Type: IndexRecordType, Content: contentPK[:]}
	require.NoError(t, metaA.Put(0, record.Marshal(), feed.Proof{Index: 0}))

	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	muxA := wire.NewMultiplexer(wire.NewStream(a, 0))
	muxB := wire.NewMultiplexer(wire.NewStream(b, 0))
	go muxA.Run()
	go muxB.Run()

	var contentBFeed feed.Feed
	factoryA := func(pk crypto.PublicKey) (feed.Feed, error) { return contentA, nil }
	factoryB := func(pk crypto.PublicKey) (feed.Feed, error) {
		contentBFeed = feed.NewMemFeed(pk, feed.AcceptAllVerifier{})
		return contentBFeed, nil
	}

	driveA := New(muxA, metaA, factoryA)
	driveB := New(muxB, metaB, factoryB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go driveA.Run(ctx)
	go driveB.Run(ctx)

	deadline := time.After(3 * time.Second)
	for {
		if metaB.Len() == 1 && contentBFeed != nil && contentBFeed.Len() == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("sync did not complete in time: metaB.Len()=%d", metaB.Len())
		case <-time.After(10 * time.Millisecond):
		}
	}

	v, ok := contentBFeed.Get(0)
	require.True(t, ok)
	assert.Equal(t, []byte("world"), v)
}
