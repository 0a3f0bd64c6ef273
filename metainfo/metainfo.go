// Package metainfo parses a .torrent file's bencoded byte blob into a
// Torrent record: announce URL, piece length, piece hashes, file manifest
// and the 20-byte info-fingerprint that identifies the content.
package metainfo

import (
	"crypto/sha1"
	"strings"

	"github.com/pkg/errors"

	"github.com/adrianmoreno/btcore/bencode"
)

// MalformedMetainfo is returned for any schema violation in the metainfo
// bencode structure.
var MalformedMetainfo = errors.New("metainfo: malformed torrent metadata")

// FileEntry is one entry of a (possibly single-element) file manifest.
type FileEntry struct {
	Path   string
	Length int64
}

// Fingerprint is the 20-byte SHA-1 of the canonical bencoding of the info
// sub-dict; it is the system's primary content identifier.
type Fingerprint [20]byte

// Torrent is the parsed, immutable representation of a .torrent file.
type Torrent struct {
	Announce     string
	Comment      string
	CreationDate int64
	Name         string
	PieceLength  int64
	Pieces       [][20]byte
	Files        []FileEntry
	Fingerprint  Fingerprint
}

// Parse decodes raw .torrent bytes into a Torrent record. It fails with
// MalformedMetainfo wrapping the detail on any schema violation.
func Parse(data []byte) (*Torrent, error) {
	root, err := bencode.DecodeAll(data)
	if err != nil {
		return nil, errors.Wrap(MalformedMetainfo, err.Error())
	}
	if root.Kind != bencode.KindDict {
		return nil, errors.Wrap(MalformedMetainfo, "root is not a dictionary")
	}

	announce, ok := root.GetString("announce")
	if !ok {
		return nil, errors.Wrap(MalformedMetainfo, "missing \"announce\"")
	}
	comment, _ := root.GetString("comment")
	creationDate, _ := root.GetInt("creation date")

	info, ok := root.GetDict("info")
	if !ok {
		return nil, errors.Wrap(MalformedMetainfo, "missing \"info\" dictionary")
	}

	name, ok := info.GetString("name")
	if !ok {
		return nil, errors.Wrap(MalformedMetainfo, "info missing \"name\"")
	}
	pieceLength, ok := info.GetInt("piece length")
	if !ok || pieceLength <= 0 {
		return nil, errors.Wrap(MalformedMetainfo, "info missing valid \"piece length\"")
	}
	piecesStr, ok := info.GetString("pieces")
	if !ok || len(piecesStr)%20 != 0 {
		return nil, errors.Wrap(MalformedMetainfo, "\"pieces\" is not a multiple of 20 bytes")
	}
	pieces := make([][20]byte, len(piecesStr)/20)
	for i := range pieces {
		copy(pieces[i][:], piecesStr[i*20:(i+1)*20])
	}

	files, err := parseFiles(info, name)
	if err != nil {
		return nil, err
	}

	fp := Fingerprint(sha1.Sum(bencode.Encode(info)))

	return &Torrent{
		Announce:     announce,
		Comment:      comment,
		CreationDate: creationDate,
		Name:         name,
		PieceLength:  pieceLength,
		Pieces:       pieces,
		Files:        files,
		Fingerprint:  fp,
	}, nil
}

func parseFiles(info bencode.Value, name string) ([]FileEntry, error) {
	if length, ok := info.GetInt("length"); ok {
		// single-file torrent
		return []FileEntry{{Path: name, Length: length}}, nil
	}

	filesList, ok := info.GetList("files")
	if !ok {
		return nil, errors.Wrap(MalformedMetainfo, "info has neither \"length\" nor \"files\"")
	}

	entries := make([]FileEntry, 0, len(filesList.List))
	for _, fv := range filesList.List {
		if fv.Kind != bencode.KindDict {
			return nil, errors.Wrap(MalformedMetainfo, "file entry is not a dictionary")
		}
		length, ok := fv.GetInt("length")
		if !ok {
			return nil, errors.Wrap(MalformedMetainfo, "file entry missing \"length\"")
		}
		pathList, ok := fv.GetList("path")
		if !ok || len(pathList.List) == 0 {
			return nil, errors.Wrap(MalformedMetainfo, "file entry missing \"path\"")
		}
		parts := make([]string, 0, len(pathList.List))
		for _, p := range pathList.List {
			if p.Kind != bencode.KindString {
				return nil, errors.Wrap(MalformedMetainfo, "path component is not a string")
			}
			parts = append(parts, p.Str)
		}
		entries = append(entries, FileEntry{
			Path:   strings.Join(parts, "/"),
			Length: length,
		})
	}
	return entries, nil
}

// TotalLength returns the sum of every file's length.
func (t *Torrent) TotalLength() int64 {
	var total int64
	for _, f := range t.Files {
		total += f.Length
	}
	return total
}

// Multi reports whether the torrent describes more than one file.
func (t *Torrent) Multi() bool {
	return len(t.Files) > 1
}

// NumPieces returns the number of pieces the info dict declares.
func (t *Torrent) NumPieces() int {
	return len(t.Pieces)
}

// PieceSize returns the length in bytes of piece i, accounting for the
// final (possibly shorter) piece.
func (t *Torrent) PieceSize(i int) int64 {
	if i < 0 || i >= len(t.Pieces) {
		return 0
	}
	if i < len(t.Pieces)-1 {
		return t.PieceLength
	}
	total := t.TotalLength()
	last := total % t.PieceLength
	if last == 0 {
		return t.PieceLength
	}
	return last
}
