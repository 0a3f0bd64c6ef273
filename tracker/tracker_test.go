package tracker

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrianmoreno/btcore/bencode"
)

func testReq() AnnounceRequest {
	var infoHash, peerID [20]byte
	copy(infoHash[:], "12345678901234567890")
	copy(peerID[:], "-BC0001-abcdefghijkl")
	return AnnounceRequest{
		InfoHash: infoHash,
		PeerID:   peerID,
		Port:     6881,
		Left:     1024,
		Compact:  true,
	}
}

func TestAnnounceParsesCompactPeers(t *testing.T) {
	compact := string([]byte{1, 2, 3, 4, 0x1a, 0xe1})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "1", r.URL.Query().Get("compact"))
		assert.Equal(t, "6881", r.URL.Query().Get("port"))
		body := bencode.Encode(bencode.Dict(map[string]bencode.Value{
			"interval": bencode.Int64(1800),
			"peers":    bencode.String(compact),
		}))
		w.Write(body)
	}))
	defer srv.Close()

	res, err := Announce(srv.URL, testReq())
	require.NoError(t, err)
	assert.Equal(t, 1800, res.Interval)
	require.Len(t, res.Peers, 1)
	assert.Equal(t, "1.2.3.4", res.Peers[0].IP.String())
	assert.Equal(t, 0x1ae1, res.Peers[0].Port)
}

func TestAnnounceParsesDictPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := bencode.Encode(bencode.Dict(map[string]bencode.Value{
			"interval": bencode.Int64(900),
			"peers": bencode.List([]bencode.Value{
				bencode.Dict(map[string]bencode.Value{
					"ip":   bencode.String("10.0.0.5"),
					"port": bencode.Int64(51413),
				}),
			}),
		}))
		w.Write(body)
	}))
	defer srv.Close()

	res, err := Announce(srv.URL, testReq())
	require.NoError(t, err)
	require.Len(t, res.Peers, 1)
	assert.Equal(t, "10.0.0.5", res.Peers[0].IP.String())
	assert.Equal(t, 51413, res.Peers[0].Port)
}

func TestAnnounceReturnsFailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := bencode.Encode(bencode.Dict(map[string]bencode.Value{
			"failure reason": bencode.String("info_hash not found"),
		}))
		w.Write(body)
	}))
	defer srv.Close()

	_, err := Announce(srv.URL, testReq())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "info_hash not found")
}

func TestAnnounceRejectsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := Announce(srv.URL, testReq())
	assert.Error(t, err)
}

func TestParseCompactPeersRejectsBadStride(t *testing.T) {
	_, err := parseCompactPeers(make([]byte, 7))
	assert.Error(t, err)
}
