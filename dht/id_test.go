package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustID(t *testing.T) NodeID {
	t.Helper()
	id, err := GenerateNodeID()
	require.NoError(t, err)
	return id
}

func TestDistanceIsSymmetricAndSelfZero(t *testing.T) {
	a, b := mustID(t), mustID(t)
	assert.Equal(t, Distance(a, b), Distance(b, a))
	assert.Equal(t, NodeID{}, Distance(a, a))
}

func TestDistanceTriangleInequality(t *testing.T) {
	a, b, c := mustID(t), mustID(t), mustID(t)
	// XOR distance satisfies the ultrametric property:
	// dist(a,c) <= max(dist(a,b), dist(b,c)).
	dab := Distance(a, b)
	dbc := Distance(b, c)
	dac := Distance(a, c)
	maxOfTwo := dab
	if maxOfTwo.Less(dbc) {
		maxOfTwo = dbc
	}
	assert.True(t, dac == maxOfTwo || dac.Less(maxOfTwo))
}

func TestCompactNodeRoundTrip(t *testing.T) {
	id := mustID(t)
	n := Node{ID: id, Addr: &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 6881}}
	buf, err := n.CompactIPv4()
	require.NoError(t, err)
	require.Len(t, buf, 26)

	parsed, err := ParseCompactNode(buf)
	require.NoError(t, err)
	assert.Equal(t, n.ID, parsed.ID)
	assert.True(t, n.Addr.IP.Equal(parsed.Addr.IP))
	assert.Equal(t, n.Addr.Port, parsed.Addr.Port)
}

func TestCompactPeerRoundTrip(t *testing.T) {
	addr := &net.UDPAddr{IP: net.IPv4(192, 168, 1, 1), Port: 51413}
	buf, err := CompactPeer(addr)
	require.NoError(t, err)
	require.Len(t, buf, 6)

	parsed, err := ParseCompactPeer(buf)
	require.NoError(t, err)
	assert.True(t, addr.IP.Equal(parsed.IP))
	assert.Equal(t, addr.Port, parsed.Port)
}

func TestParseCompactNodesRejectsBadStride(t *testing.T) {
	_, err := ParseCompactNodes(make([]byte, 25))
	assert.Error(t, err)
}
