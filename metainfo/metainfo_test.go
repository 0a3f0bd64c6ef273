package metainfo

import (
	"crypto/sha1"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adrianmoreno/btcore/bencode"
)

func buildSingleFileTorrent(t *testing.T) []byte {
	t.Helper()
	pieces := make([]byte, 20*4) // 4 arbitrary piece hashes
	for i := range pieces {
		pieces[i] = byte(i)
	}
	info := bencode.Dict(map[string]bencode.Value{
		"name":         bencode.String("x.iso"),
		"length":       bencode.Int64(1048576),
		"piece length": bencode.Int64(262144),
		"pieces":       bencode.String(string(pieces)),
	})
	root := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.String("http://tracker.example/announce"),
		"info":     info,
	})
	return bencode.Encode(root)
}

func TestParseSingleFile(t *testing.T) {
	data := buildSingleFileTorrent(t)
	torrent, err := Parse(data)
	require.NoError(t, err)

	assert.Equal(t, "http://tracker.example/announce", torrent.Announce)
	require.Len(t, torrent.Files, 1)
	assert.Equal(t, "x.iso", torrent.Files[0].Path)
	assert.EqualValues(t, 1048576, torrent.Files[0].Length)
	assert.Len(t, torrent.Pieces, 4)
	assert.False(t, torrent.Multi())
}

func TestParseMultiFile(t *testing.T) {
	pieces := make([]byte, 20*2)
	info := bencode.Dict(map[string]bencode.Value{
		"name":         bencode.String("album"),
		"piece length": bencode.Int64(16384),
		"pieces":       bencode.String(string(pieces)),
		"files": bencode.List([]bencode.Value{
			bencode.Dict(map[string]bencode.Value{
				"length": bencode.Int64(100),
				"path":   bencode.List([]bencode.Value{bencode.String("cd1"), bencode.String("track1.mp3")}),
			}),
			bencode.Dict(map[string]bencode.Value{
				"length": bencode.Int64(200),
				"path":   bencode.List([]bencode.Value{bencode.String("track2.mp3")}),
			}),
		}),
	})
	root := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.String("http://tracker.example/announce"),
		"info":     info,
	})
	torrent, err := Parse(bencode.Encode(root))
	require.NoError(t, err)
	require.Len(t, torrent.Files, 2)
	assert.Equal(t, "cd1/track1.mp3", torrent.Files[0].Path)
	assert.Equal(t, "track2.mp3", torrent.Files[1].Path)
	assert.EqualValues(t, 300, torrent.TotalLength())
	assert.True(t, torrent.Multi())
}

func TestFingerprintIsStableAndMatchesInfoHash(t *testing.T) {
	data := buildSingleFileTorrent(t)
	t1, err := Parse(data)
	require.NoError(t, err)
	t2, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, t1.Fingerprint, t2.Fingerprint)

	root, err := bencode.DecodeAll(data)
	require.NoError(t, err)
	info, ok := root.GetDict("info")
	require.True(t, ok)
	want := sha1.Sum(bencode.Encode(info))
	assert.Equal(t, Fingerprint(want), t1.Fingerprint)
}

func TestParseRejectsMalformedInput(t *testing.T) {
	_, err := Parse([]byte("not bencode"))
	assert.Error(t, err)

	root := bencode.Dict(map[string]bencode.Value{"announce": bencode.String("x")})
	_, err = Parse(bencode.Encode(root))
	assert.Error(t, err, "missing info dict")

	badPieces := bencode.Dict(map[string]bencode.Value{
		"announce": bencode.String("x"),
		"info": bencode.Dict(map[string]bencode.Value{
			"name":         bencode.String("f"),
			"length":       bencode.Int64(1),
			"piece length": bencode.Int64(1),
			"pieces":       bencode.String("short"),
		}),
	})
	_, err = Parse(bencode.Encode(badPieces))
	assert.Error(t, err, "pieces not a multiple of 20")
}

func TestPieceSizeAllFullWhenLengthDividesEvenly(t *testing.T) {
	data := buildSingleFileTorrent(t)
	torrent, err := Parse(data)
	require.NoError(t, err)
	// 1048576 / 262144 = 4 exactly, so every piece is full length here.
	for i := 0; i < torrent.NumPieces(); i++ {
		assert.EqualValues(t, 262144, torrent.PieceSize(i))
	}
}
