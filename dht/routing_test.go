package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testNode(t *testing.T, seed byte, port int) Node {
	t.Helper()
	var id NodeID
	for i := range id {
		id[i] = seed + byte(i)
	}
	return Node{ID: id, Addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}}
}

func TestObserveAppendsUntilFull(t *testing.T) {
	self := NodeID{}
	rt := NewRoutingTable(self)

	for i := 0; i < K; i++ {
		rt.Observe(testNode(t, byte(i+1), 1000+i), nil)
	}
	assert.Equal(t, K, rt.Size())
}

func TestObserveMovesExistingNodeToTail(t *testing.T) {
	self := NodeID{}
	rt := NewRoutingTable(self)
	n := testNode(t, 1, 1000)
	rt.Observe(n, nil)
	rt.Observe(n, nil) // re-observe, should not duplicate

	assert.Equal(t, 1, rt.Size())
}

func TestObservePingsHeadWhenBucketFull(t *testing.T) {
	self := NodeID{}
	rt := NewRoutingTable(self)

	// Fill one bucket (all nodes share the same high bit pattern via
	// seed 0, differing only in the lowest-order byte, so they all land
	// in the same bucket relative to self=all-zero).
	var nodes []Node
	for i := 0; i < K; i++ {
		n := testNode(t, 0, 2000+i)
		n.ID[19] = byte(i + 1) // vary only the lowest-order byte
		nodes = append(nodes, n)
		rt.Observe(n, nil)
	}
	require.Equal(t, K, rt.Size())

	newcomer := testNode(t, 0, 3000)
	newcomer.ID[19] = byte(K + 1)

	pinged := false
	rt.Observe(newcomer, func(head Node) bool {
		pinged = true
		assert.Equal(t, nodes[0].ID, head.ID)
		return false // head does not answer, evict it
	})
	assert.True(t, pinged)
	assert.Equal(t, K, rt.Size())

	all := rt.AllNodes()
	for _, n := range all {
		assert.NotEqual(t, nodes[0].ID, n.ID, "evicted head should be gone")
	}
}

func TestObserveKeepsHeadWhenItAnswers(t *testing.T) {
	self := NodeID{}
	rt := NewRoutingTable(self)

	var first Node
	for i := 0; i < K; i++ {
		n := testNode(t, 0, 2000+i)
		n.ID[19] = byte(i + 1)
		if i == 0 {
			first = n
		}
		rt.Observe(n, nil)
	}

	newcomer := testNode(t, 0, 3000)
	newcomer.ID[19] = byte(K + 1)

	rt.Observe(newcomer, func(head Node) bool { return true })

	all := rt.AllNodes()
	found := false
	for _, n := range all {
		if n.ID == first.ID {
			found = true
		}
		assert.NotEqual(t, newcomer.ID, n.ID, "newcomer should be dropped when head answers")
	}
	assert.True(t, found)
}

func TestClosestNodesSortedByDistance(t *testing.T) {
	self := NodeID{}
	rt := NewRoutingTable(self)
	for i := 1; i <= 20; i++ {
		n := testNode(t, byte(i), 4000+i)
		rt.Observe(n, nil)
	}
	target := NodeID{}
	closest := rt.ClosestNodes(target, 5)
	require.Len(t, closest, 5)
	for i := 1; i < len(closest); i++ {
		di := Distance(closest[i-1].ID, target)
		dj := Distance(closest[i].ID, target)
		assert.True(t, di.Less(dj) || di == dj)
	}
}

func TestRoutingTableNeverStoresSelf(t *testing.T) {
	self := NodeID{}
	rt := NewRoutingTable(self)
	rt.Observe(Node{ID: self, Addr: &net.UDPAddr{Port: 1}}, nil)
	assert.Equal(t, 0, rt.Size())
}

func TestRemoveDeletesNode(t *testing.T) {
	self := NodeID{}
	rt := NewRoutingTable(self)
	n := testNode(t, 5, 1234)
	rt.Observe(n, nil)
	require.Equal(t, 1, rt.Size())
	rt.Remove(n.ID)
	assert.Equal(t, 0, rt.Size())
}
