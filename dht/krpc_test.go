package dht

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodePing(t *testing.T) {
	id := mustID(t)
	wire := EncodePing("aa", id)
	msg, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, TypeQuery, msg.Type)
	assert.Equal(t, MethodPing, msg.Query)
	sender, err := msg.SenderID()
	require.NoError(t, err)
	assert.Equal(t, id, sender)
}

func TestEncodeDecodePingResponse(t *testing.T) {
	id := mustID(t)
	wire := EncodePingResponse("aa", id)
	msg, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, TypeResponse, msg.Type)
	sender, err := msg.SenderID()
	require.NoError(t, err)
	assert.Equal(t, id, sender)
}

func TestEncodeDecodeFindNodeResponse(t *testing.T) {
	id := mustID(t)
	n1 := Node{ID: mustID(t), Addr: &net.UDPAddr{IP: net.IPv4(1, 2, 3, 4), Port: 1000}}
	n2 := Node{ID: mustID(t), Addr: &net.UDPAddr{IP: net.IPv4(5, 6, 7, 8), Port: 2000}}
	c1, err := n1.CompactIPv4()
	require.NoError(t, err)
	c2, err := n2.CompactIPv4()
	require.NoError(t, err)

	wire := EncodeFindNodeResponse("bb", id, append(c1, c2...))
	msg, err := Decode(wire)
	require.NoError(t, err)
	nodes, err := msg.Nodes()
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, n1.ID, nodes[0].ID)
	assert.Equal(t, n2.ID, nodes[1].ID)
}

func TestEncodeDecodeGetPeersValues(t *testing.T) {
	id := mustID(t)
	addr := &net.UDPAddr{IP: net.IPv4(9, 9, 9, 9), Port: 6881}
	compact, err := CompactPeer(addr)
	require.NoError(t, err)

	wire := EncodeGetPeersResponseValues("cc", id, "tok123", [][]byte{compact})
	msg, err := Decode(wire)
	require.NoError(t, err)
	peers, err := msg.Values()
	require.NoError(t, err)
	require.Len(t, peers, 1)
	assert.True(t, addr.IP.Equal(peers[0].IP))
	assert.Equal(t, addr.Port, peers[0].Port)

	token, ok := msg.Token()
	require.True(t, ok)
	assert.Equal(t, "tok123", token)
}

func TestEncodeDecodeAnnouncePeer(t *testing.T) {
	id := mustID(t)
	var infoHash [20]byte
	copy(infoHash[:], "12345678901234567890")

	wire := EncodeAnnouncePeer("dd", id, infoHash, 6881, "tok")
	msg, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, MethodAnnouncePeer, msg.Query)
	ih, ok := msg.Args.GetString("info_hash")
	require.True(t, ok)
	assert.Equal(t, string(infoHash[:]), ih)
}

func TestEncodeDecodeError(t *testing.T) {
	wire := EncodeError("ee", ErrCodeProtocol, "bad request")
	msg, err := Decode(wire)
	require.NoError(t, err)
	assert.Equal(t, TypeError, msg.Type)
	assert.Equal(t, ErrCodeProtocol, msg.ErrCode)
	assert.Equal(t, "bad request", msg.ErrMsg)
}

func TestDecodeRejectsMalformedMessage(t *testing.T) {
	_, err := Decode([]byte("not bencode"))
	assert.Error(t, err)

	_, err = Decode([]byte("le"))
	assert.Error(t, err, "a list is not a valid top-level KRPC message")
}

func TestTransactionTableAddPop(t *testing.T) {
	txs := newTransactionTable()
	addr := &net.UDPAddr{IP: net.IPv4(1, 1, 1, 1), Port: 1}
	id := txs.newID()
	pq := txs.add(id, MethodPing, addr)
	require.NotNil(t, pq)

	got := txs.pop(id)
	assert.Same(t, pq, got)

	assert.Nil(t, txs.pop(id), "popping twice returns nil")
}
