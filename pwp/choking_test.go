package pwp

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrianmoreno/btcore/piece"
)

func newTestConn(t *testing.T, rate float64) *PeerConnection {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() { client.Close(); server.Close() })
	pc := NewPeerConnection(server, [20]byte{}, 4, 0)
	pc.setPeerInterested(true)
	pc.download.rate = rate
	return pc
}

func newTestEngine(t *testing.T, conns ...*PeerConnection) *Engine {
	t.Helper()
	m := piece.NewManager([][20]byte{{}, {}, {}, {}}, piece.BlockSize, piece.BlockSize*4)
	e := NewEngine(Config{}, [20]byte{}, [20]byte{}, m, piece.BlockSize, piece.BlockSize*4)
	for _, pc := range conns {
		e.conns[pc.Addr()] = pc
	}
	return e
}

func TestChokeTickUnchokesTopFourByDownloadRate(t *testing.T) {
	conns := make([]*PeerConnection, 6)
	for i := range conns {
		conns[i] = newTestConn(t, float64(i))
	}
	// Give each a distinct addr key by overriding the map manually since
	// net.Pipe endpoints don't carry distinguishable addresses.
	e := newTestEngine(t)
	for i, pc := range conns {
		e.conns[string(rune('a'+i))] = pc
	}

	e.chokeTick()

	unchokedCount := 0
	for _, pc := range conns {
		if !pc.ChokedByUs() {
			unchokedCount++
		}
	}
	assert.Equal(t, 4, unchokedCount)
	// The four highest rates (2,3,4,5) should be unchoked.
	assert.True(t, conns[5].ChokedByUs() == false)
	assert.True(t, conns[0].ChokedByUs())
}

func TestOptimisticTickUnchokesAChokedInterestedPeer(t *testing.T) {
	pc := newTestConn(t, 0)
	require.True(t, pc.ChokedByUs())
	e := newTestEngine(t, pc)
	e.conns[pc.Addr()] = pc

	e.optimisticTick()
	assert.False(t, pc.ChokedByUs())
}

func TestOptimisticTickNoCandidatesIsNoop(t *testing.T) {
	e := newTestEngine(t)
	e.optimisticTick() // must not panic with zero connections
}
