package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/feedmesh/crypto"
	"github.com/feedmesh/feedmesh/drive"
	"github.com/feedmesh/feedmesh/feed"
)

func testPK(seed byte) crypto.PublicKey {
	var pk crypto.PublicKey
	for i := range pk {
		pk[i] = seed
	}
	return pk
}

func noopSupervisorConfig() Config {
	return Config{
		MetadataFeed: func(SocketAddr) (feed.Feed, error) { return nil, nil },
		ContentFeed:  func(crypto.PublicKey) (feed.Feed, error) { return nil, nil },
	}
}

func TestClaimDedupAndRelease(t *testing.T) {
	s, err := New(noopSupervisorConfig())
	require.NoError(t, err)

	addr := SocketAddr("127.0.0.1:9999")
	assert.True(t, s.claim(addr), "first claim should succeed")
	assert.False(t, s.claim(addr), "second claim of the same addr must be rejected")

	s.release(addr)
	assert.True(t, s.claim(addr), "claim should succeed again after release")
}

func TestShouldDialFallsThroughBloomPositiveToExactSet(t *testing.T) {
	s, err := New(noopSupervisorConfig())
	require.NoError(t, err)

	addr := SocketAddr("10.0.0.1:4000")
	assert.True(t, s.shouldDial(addr), "never-seen addr must be dialable")

	require.True(t, s.claim(addr))
	assert.False(t, s.shouldDial(addr), "claimed addr must not be re-dialed")

	s.release(addr)
	assert.True(t, s.shouldDial(addr), "released addr must be dialable again")
}

// TestSupervisorAcceptDialSyncsDrive exercises spec.md §8 scenario S1
// through the full accept/dial/drive stack: Supervisor A listens on an
// ephemeral port, an Event naming A's address is pushed into Supervisor
// B's discovery stream, and B must converge on A's content block over the
// resulting real TCP connection.
func TestSupervisorAcceptDialSyncsDrive(t *testing.T) {
	metaPK := testPK(1)
	contentPK := testPK(2)

	metaA := feed.NewMemFeed(metaPK, feed.AcceptAllVerifier{})
	metaB := feed.NewMemFeed(metaPK, feed.AcceptAllVerifier{})

	contentA := feed.NewMemFeed(contentPK, feed.AcceptAllVerifier{})
	require.NoError(t, contentA.Put(0, []byte("world"), feed.Proof{Index: 0}))

	record := drive.IndexRecord{Type: drive.IndexRecordType, Content: contentPK[:]}
	require.NoError(t, metaA.Put(0, record.Marshal(), feed.Proof{Index: 0}))

	var contentBFeed feed.Feed

	supA, err := New(Config{
		ListenAddr:   "127.0.0.1:0",
		MetadataFeed: func(SocketAddr) (feed.Feed, error) { return metaA, nil },
		ContentFeed:  func(crypto.PublicKey) (feed.Feed, error) { return contentA, nil },
	})
	require.NoError(t, err)

	events := make(chan Event, 1)
	supB, err := New(Config{
		MetadataFeed: func(SocketAddr) (feed.Feed, error) { return metaB, nil },
		ContentFeed: func(pk crypto.PublicKey) (feed.Feed, error) {
			contentBFeed = feed.NewMemFeed(pk, feed.AcceptAllVerifier{})
			return contentBFeed, nil
		},
		Sources: []<-chan Event{events},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go supA.Run(ctx)
	addr := supA.Addr(ctx)
	require.NotNil(t, addr)

	go supB.Run(ctx)
	events <- Event{Addr: SocketAddr(addr.String())}

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
