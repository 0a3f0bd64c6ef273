package dht

import (
	"sort"
	"sync"
	"time"
)

// K is the maximum number of nodes per bucket (Kademlia constant).
const K = 8

// bucketCount covers the full 160-bit ID space; index i holds nodes whose
// XOR distance to self has its highest set bit at position i.
const bucketCount = 160

// staleAfter is how long a bucket may go untouched before it is considered
// due for refresh.
const staleAfter = 15 * time.Minute

// bucket is an ordered, oldest-first sequence of at most K nodes sharing
// an XOR-prefix class with self.
type bucket struct {
	nodes     []Node
	touchedAt time.Time
}

// Pinger is the callback the routing table uses to probe the head of a
// full bucket before evicting it. Returning true means the
// node answered and should be kept.
type Pinger func(Node) bool

// RoutingTable is the Kademlia routing table: a fixed array of buckets,
// one per XOR-prefix class, each holding at most K nodes.
type RoutingTable struct {
	self    NodeID
	mu      sync.RWMutex
	buckets [bucketCount]*bucket
}

// NewRoutingTable creates an empty routing table for the given self ID.
func NewRoutingTable(self NodeID) *RoutingTable {
	rt := &RoutingTable{self: self}
	now := time.Now()
	for i := range rt.buckets {
		rt.buckets[i] = &bucket{touchedAt: now}
	}
	return rt
}

// Observe applies the routing table's freshness rule to a newly-seen node:
//  1. if already present, move it to the tail (most-recently-seen);
//  2. else if the bucket has room, append it;
//  3. else ping the bucket's head — if it answers, keep it and drop n;
//     otherwise evict the head and append n.
//
// ping is invoked synchronously and may block; callers that want a
// non-blocking Observe should run it in its own goroutine.
func (rt *RoutingTable) Observe(n Node, ping Pinger) {
	if n.ID == rt.self {
		return
	}

	rt.mu.Lock()
	idx := bucketIndex(rt.self, n.ID)
	b := rt.buckets[idx]

	for i, existing := range b.nodes {
		if existing.ID == n.ID {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			b.nodes = append(b.nodes, n)
			b.touchedAt = time.Now()
			rt.mu.Unlock()
			return
		}
	}

	if len(b.nodes) < K {
		b.nodes = append(b.nodes, n)
		b.touchedAt = time.Now()
		rt.mu.Unlock()
		return
	}

	head := b.nodes[0]
	rt.mu.Unlock()

	if ping == nil || ping(head) {
		rt.mu.Lock()
		rt.touch(idx, head)
		rt.mu.Unlock()
		return
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()
	b = rt.buckets[idx]
	if len(b.nodes) > 0 && b.nodes[0].ID == head.ID {
		b.nodes = b.nodes[1:]
	}
	if len(b.nodes) < K {
		b.nodes = append(b.nodes, n)
	}
	b.touchedAt = time.Now()
}

// touch moves an already-present node to the tail without re-locking.
func (rt *RoutingTable) touch(idx int, n Node) {
	b := rt.buckets[idx]
	for i, existing := range b.nodes {
		if existing.ID == n.ID {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			b.nodes = append(b.nodes, n)
			b.touchedAt = time.Now()
			return
		}
	}
}

// Remove deletes a node from the table, if present.
func (rt *RoutingTable) Remove(id NodeID) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := bucketIndex(rt.self, id)
	b := rt.buckets[idx]
	for i, n := range b.nodes {
		if n.ID == id {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			b.touchedAt = time.Now()
			return
		}
	}
}

// ClosestNodes returns up to count nodes, sorted ascending by XOR distance
// to target, the same ordering find_node/get_peers responses use.
func (rt *RoutingTable) ClosestNodes(target NodeID, count int) []Node {
	rt.mu.RLock()
	all := make([]Node, 0, rt.size())
	for _, b := range rt.buckets {
		all = append(all, b.nodes...)
	}
	rt.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		di := Distance(all[i].ID, target)
		dj := Distance(all[j].ID, target)
		return di.Less(dj)
	})
	if len(all) > count {
		all = all[:count]
	}
	return all
}

// Size returns the number of nodes currently in the table.
func (rt *RoutingTable) Size() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.size()
}

func (rt *RoutingTable) size() int {
	n := 0
	for _, b := range rt.buckets {
		n += len(b.nodes)
	}
	return n
}

// AllNodes returns every node currently in the table.
func (rt *RoutingTable) AllNodes() []Node {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	all := make([]Node, 0, rt.size())
	for _, b := range rt.buckets {
		all = append(all, b.nodes...)
	}
	return all
}

// StaleBuckets returns the indices of non-empty buckets untouched for
// longer than staleAfter, candidates for a refreshing find_node.
func (rt *RoutingTable) StaleBuckets() []int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	threshold := time.Now().Add(-staleAfter)
	var stale []int
	for i, b := range rt.buckets {
		if len(b.nodes) > 0 && b.touchedAt.Before(threshold) {
			stale = append(stale, i)
		}
	}
	return stale
}

// RandomIDInBucket returns an ID at the given XOR-distance bucket from
// self, suitable for refreshing that bucket with a find_node query.
//
// Bucket splitting for the self-covering bucket is not implemented: this
// is a deliberate simplification, a known divergence from canonical
// Kademlia, not a bug to silently fix.
func (rt *RoutingTable) RandomIDInBucket(idx int) NodeID {
	id, _ := GenerateNodeID()
	// Force the common-prefix length with self to exactly idx bits by
	// copying self's prefix and flipping the next bit.
	byteIdx := idx / 8
	bitIdx := uint(7 - idx%8)
	for i := 0; i < byteIdx; i++ {
		id[i] = rt.self[i]
	}
	mask := byte(0xFF) << bitIdx
	id[byteIdx] = (rt.self[byteIdx] & mask) | (id[byteIdx] &^ mask)
	id[byteIdx] ^= 1 << bitIdx
	return id
}
