package discover

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testTopic(seed byte) Topic {
	var t Topic
	for i := range t {
		t[i] = seed
	}
	return t
}

func TestDistanceIsZeroForIdenticalIDs(t *testing.T) {
	var id NodeID
	assert.Equal(t, 0, distance(id, id))
}

func TestPacketRoundTripFindNodeAndNodes(t *testing.T) {
	target, err := randomNodeID()
	require.NoError(t, err)
	sender, err := randomNodeID()
	require.NoError(t, err)

	req := packet{kind: kindFindNode, reqID: 42, sender: sender, target: target}
	out, err := unmarshalPacket(kindFindNode, req.marshal())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), out.reqID)
	assert.Equal(t, sender, out.sender)
	assert.Equal(t, target, out.target)
}

func TestPacketRoundTripAnnounceAndGetPeers(t *testing.T) {
	topic := testTopic(9)
	req := packet{kind: kindAnnounce, topic: topic, port: 4242}
	out, err := unmarshalPacket(kindAnnounce, req.marshal())
	require.NoError(t, err)
	assert.Equal(t, topic, out.topic)
	assert.Equal(t, uint16(4242), out.port)

	gp := packet{kind: kindGetPeers, topic: topic}
	out2, err := unmarshalPacket(kindGetPeers, gp.marshal())
	require.NoError(t, err)
	assert.Equal(t, topic, out2.topic)
}

func startTable(t *testing.T, bootnodes []*Node) *Table {
	t.Helper()
	table, err := Listen("127.0.0.1:0", bootnodes)
	require.NoError(t, err)
	t.Cleanup(func() {
		table.Close()
		table.trans.(*udpTransport).close()
	})
	return table
}

// TestAnnounceAndLookupFindsPeer exercises spec.md §4.6's DHT locator/
// announcer round trip across two real UDP sockets on loopback: B
// announces a topic+port to A (its only bootnode), then A's Lookup for
// that topic must surface B's announced port.
func TestAnnounceAndLookupFindsPeer(t *testing.T) {
	tableA := startTable(t, nil)
	addrA := tableA.trans.(*udpTransport).conn.LocalAddr()
	bootA, err := ParseBootnodes([]string{addrA.String()})
	require.NoError(t, err)

	tableB := startTable(t, bootA)

	topic := testTopic(3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go NewAnnouncer(tableB, topic, 9000, 50*time.Millisecond).Run(ctx)

	deadline := time.After(2 * time.Second)
	for {
		peers := tableA.Lookup(topic)
		if len(peers) > 0 {
			assert.Equal(t, uint16(9000), peers[0].Port)
			return
		}
		select {
		case <-deadline:
			t.Fatal("lookup never found the announced peer")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
