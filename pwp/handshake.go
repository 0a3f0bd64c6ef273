package pwp

import (
	"bytes"
	"io"

	"github.com/pkg/errors"
)

// Protocol is the protocol name string carried in every handshake.
const Protocol = "BitTorrent protocol"

// HandshakeSize is the fixed length of a handshake message: pstrlen +
// protocol string + 8 reserved bytes + 20-byte fingerprint + 20-byte id.
const HandshakeSize = 1 + len(Protocol) + 8 + 20 + 20

// Extension reserved-byte bits this engine advertises and recognizes.
const (
	ExtensionDHT      = 0x01 // reserved[7] bit 0 (BEP 5)
	ExtensionExtended = 0x10 // reserved[5] bit 4 (BEP 10)
)

// ErrBadHandshake is returned for any handshake that fails validation:
// wrong length, wrong protocol string, or a fingerprint mismatch.
var ErrBadHandshake = errors.New("pwp: malformed or mismatched handshake")

// Handshake is the decoded form of the 68-byte wire handshake.
type Handshake struct {
	Fingerprint [20]byte
	PeerID      [20]byte
	SupportsDHT bool
	SupportsExt bool
}

// Build serializes a handshake, advertising both the DHT and extended
// protocol reserved bits.
func Build(fingerprint, peerID [20]byte) []byte {
	buf := make([]byte, HandshakeSize)
	buf[0] = byte(len(Protocol))
	copy(buf[1:], Protocol)

	reserved := buf[1+len(Protocol) : 1+len(Protocol)+8]
	reserved[5] |= ExtensionExtended
	reserved[7] |= ExtensionDHT

	copy(buf[1+len(Protocol)+8:], fingerprint[:])
	copy(buf[1+len(Protocol)+8+20:], peerID[:])
	return buf
}

// Parse validates and decodes a raw handshake, checking it against the
// fingerprint this engine is actively serving.
func Parse(data []byte, wantFingerprint [20]byte) (*Handshake, error) {
	if len(data) != HandshakeSize {
		return nil, errors.Wrapf(ErrBadHandshake, "length %d, want %d", len(data), HandshakeSize)
	}
	if int(data[0]) != len(Protocol) {
		return nil, errors.Wrap(ErrBadHandshake, "bad pstrlen")
	}
	if !bytes.Equal(data[1:1+len(Protocol)], []byte(Protocol)) {
		return nil, errors.Wrap(ErrBadHandshake, "unrecognized protocol string")
	}

	reserved := data[1+len(Protocol) : 1+len(Protocol)+8]
	var fp, id [20]byte
	copy(fp[:], data[1+len(Protocol)+8:1+len(Protocol)+8+20])
	copy(id[:], data[1+len(Protocol)+8+20:])

	if fp != wantFingerprint {
		return nil, errors.Wrap(ErrBadHandshake, "fingerprint mismatch")
	}

	return &Handshake{
		Fingerprint: fp,
		PeerID:      id,
		SupportsDHT: reserved[7]&ExtensionDHT != 0,
		SupportsExt: reserved[5]&ExtensionExtended != 0,
	}, nil
}

// ReadHandshake reads exactly HandshakeSize bytes from r and validates them.
func ReadHandshake(r io.Reader, wantFingerprint [20]byte) (*Handshake, error) {
	buf := make([]byte, HandshakeSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, errors.Wrap(err, "pwp: reading handshake")
	}
	return Parse(buf, wantFingerprint)
}
