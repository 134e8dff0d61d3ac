package supervisor

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feedmesh/feedmesh/crypto"
	"github.com/feedmesh/feedmesh/feed"
)

// TestActiveSessionsGaugeTracksSessionLifetime asserts the shared
// activeSessions gauge rises while a session is running and falls back to
// its prior value once the session ends, mirroring a live Prometheus scrape
// across a session's lifetime.
func TestActiveSessionsGaugeTracksSessionLifetime(t *testing.T) {
	before := testutil.ToFloat64(activeSessions)

	metaPK := testPK(3)
	metaA := feed.NewMemFeed(metaPK, feed.AcceptAllVerifier{})
	metaB := feed.NewMemFeed(metaPK, feed.AcceptAllVerifier{})

	supA, err := New(Config{
		ListenAddr:   "127.0.0.1:0",
		MetadataFeed: func(SocketAddr) (feed.Feed, error) { return metaA, nil },
		ContentFeed:  func(crypto.PublicKey) (feed.Feed, error) { return nil, nil },
	})
	require.NoError(t, err)

	events := make(chan Event, 1)
	supB, err := New(Config{
		MetadataFeed: func(SocketAddr) (feed.Feed, error) { return metaB, nil },
		ContentFeed:  func(crypto.PublicKey) (feed.Feed, error) { return nil, nil },
		Sources:      []<-chan Event{events},
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go supA.Run(ctx)
	addr := supA.Addr(ctx)
	require.NotNil(t, addr)

	go supB.Run(ctx)
	events <- Event{Addr: SocketAddr(addr.String())}

	deadline := time.After(2 * time.Second)
	for testutil.ToFloat64(activeSessions) <= before {
		select {
		case <-deadline:
			t.Fatal("active session gauge never rose")
		case <-time.After(5 * time.Millisecond):
		}
	}

	cancel()

	deadline = time.After(2 * time.Second)
	for testutil.ToFloat64(activeSessions) > before {
		select {
		case <-deadline:
			t.Fatal("active session gauge never fell back after sessions ended")
		case <-time.After(5 * time.Millisecond):
		}
	}

	assert.Equal(t, before, testutil.ToFloat64(activeSessions))
}
