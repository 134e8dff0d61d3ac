package mdns

import (
	"net"
	"testing"

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

func TestQueryRoundTrip(t *testing.T) {
	topic := testTopic(1)
	msg, err := buildQuery(topic.domain())
	require.NoError(t, err)

	domain, ok := parseQuery(msg)
	require.True(t, ok)
	assert.Equal(t, topic.domain()+".", domain)
}

func TestAnswerRoundTrip(t *testing.T) {
	topic := testTopic(2)
	msg, err := buildAnswer(topic.domain(), 4242, "abc123", net.IPv4(10, 0, 0, 5))
	require.NoError(t, err)

	answer, ok := parseAnswer(msg)
	require.True(t, ok)
	assert.Equal(t, topic.domain()+".", answer.domain)
	assert.Equal(t, uint16(4242), answer.port)
	assert.Equal(t, "abc123", answer.selfID)
	assert.True(t, answer.hasA)
	assert.True(t, net.IPv4(10, 0, 0, 5).Equal(answer.target))
}

func TestAnswerWithZeroTargetSignalsUseSourceIP(t *testing.T) {
	msg, err := buildAnswer(testTopic(3).domain(), 1, "id", net.IPv4zero)
	require.NoError(t, err)

	answer, ok := parseAnswer(msg)
	require.True(t, ok)
	assert.True(t, answer.target.IsUnspecified())
}

func TestParseQueryRejectsNonDNSMessage(t *testing.T) {
	_, ok := parseQuery([]byte("not a dns message"))
	assert.False(t, ok)
}
