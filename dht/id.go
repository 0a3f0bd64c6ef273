// Package dht implements the BitTorrent Mainline DHT (BEP 5): a
// Kademlia-style routing table and a UDP KRPC request/response loop for
// ping, find_node, get_peers and announce_peer.
package dht

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"

	"github.com/pkg/errors"
)

// NodeID is a 160-bit identifier for a DHT node, drawn from the same space
// as a torrent's info hash.
type NodeID [20]byte

// GenerateNodeID returns a random 160-bit node identifier.
func GenerateNodeID() (NodeID, error) {
	var id NodeID
	_, err := rand.Read(id[:])
	if err != nil {
		return NodeID{}, errors.Wrap(err, "dht: generating node id")
	}
	return id, nil
}

// Distance returns the Kademlia XOR distance between two IDs.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := range a {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether a is strictly closer than b, i.e. a < b as an
// unsigned big-endian integer.
func (a NodeID) Less(b NodeID) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// bucketIndex returns the index of the highest set bit of dist(self,
// other) — equivalently the length of the common prefix between self and
// other. An all-zero distance (other == self) sorts into the last bucket.
func bucketIndex(self, other NodeID) int {
	d := Distance(self, other)
	for i, b := range d {
		if b == 0 {
			continue
		}
		for j := 7; j >= 0; j-- {
			if b&(1<<uint(j)) != 0 {
				return i*8 + (7 - j)
			}
		}
	}
	return len(d)*8 - 1
}

// Node is a DHT routing-table entry: identity plus a network address.
type Node struct {
	ID   NodeID
	Addr *net.UDPAddr
}

// Equal compares the full (ID, addr) triple, used for eviction checks.
func (n Node) Equal(o Node) bool {
	return n.ID == o.ID && n.Addr.IP.Equal(o.Addr.IP) && n.Addr.Port == o.Addr.Port
}

func (n Node) String() string {
	return fmt.Sprintf("%x@%s", n.ID[:6], n.Addr)
}

// CompactIPv4 encodes a node in the 26-byte compact form: 20-byte NodeId
// followed by 4-byte IPv4 and 2-byte port, both network order. IPv6 is out
// of scope.
func (n Node) CompactIPv4() ([]byte, error) {
	ip4 := n.Addr.IP.To4()
	if ip4 == nil {
		return nil, errors.Errorf("dht: %s is not an IPv4 address", n.Addr.IP)
	}
	buf := make([]byte, 26)
	copy(buf[:20], n.ID[:])
	copy(buf[20:24], ip4)
	binary.BigEndian.PutUint16(buf[24:26], uint16(n.Addr.Port))
	return buf, nil
}

// ParseCompactNode decodes a single 26-byte compact node entry.
func ParseCompactNode(data []byte) (Node, error) {
	if len(data) != 26 {
		return Node{}, errors.Errorf("dht: compact node must be 26 bytes, got %d", len(data))
	}
	var id NodeID
	copy(id[:], data[:20])
	ip := net.IP(append([]byte(nil), data[20:24]...))
	port := binary.BigEndian.Uint16(data[24:26])
	return Node{ID: id, Addr: &net.UDPAddr{IP: ip, Port: int(port)}}, nil
}

// ParseCompactNodes decodes a concatenation of 26-byte compact node
// entries, as returned by find_node/get_peers.
func ParseCompactNodes(data []byte) ([]Node, error) {
	if len(data)%26 != 0 {
		return nil, errors.Errorf("dht: compact nodes length %d not a multiple of 26", len(data))
	}
	nodes := make([]Node, len(data)/26)
	for i := range nodes {
		n, err := ParseCompactNode(data[i*26 : (i+1)*26])
		if err != nil {
			return nil, err
		}
		nodes[i] = n
	}
	return nodes, nil
}

// CompactPeer encodes a peer contact (not a node — no ID) in the 6-byte
// compact form: 4-byte IPv4 followed by 2-byte port.
func CompactPeer(addr *net.UDPAddr) ([]byte, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil, errors.Errorf("dht: %s is not an IPv4 address", addr.IP)
	}
	buf := make([]byte, 6)
	copy(buf[:4], ip4)
	binary.BigEndian.PutUint16(buf[4:6], uint16(addr.Port))
	return buf, nil
}

// ParseCompactPeer decodes a single 6-byte compact peer entry.
func ParseCompactPeer(data []byte) (*net.UDPAddr, error) {
	if len(data) != 6 {
		return nil, errors.Errorf("dht: compact peer must be 6 bytes, got %d", len(data))
	}
	ip := net.IP(append([]byte(nil), data[:4]...))
	port := binary.BigEndian.Uint16(data[4:6])
	return &net.UDPAddr{IP: ip, Port: int(port)}, nil
}

// ParseCompactPeers decodes a concatenation of 6-byte compact peer entries.
func ParseCompactPeers(data []byte) ([]*net.UDPAddr, error) {
	if len(data)%6 != 0 {
		return nil, errors.Errorf("dht: compact peers length %d not a multiple of 6", len(data))
	}
	peers := make([]*net.UDPAddr, len(data)/6)
	for i := range peers {
		p, err := ParseCompactPeer(data[i*6 : (i+1)*6])
		if err != nil {
			return nil, err
		}
		peers[i] = p
	}
	return peers, nil
}
