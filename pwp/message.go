package pwp

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"

	"github.com/adrianmoreno/btcore/piece"
)

// MessageType identifies the nine PWP message IDs.
type MessageType uint8

const (
	Choke MessageType = iota
	Unchoke
	Interested
	NotInterested
	Have
	BitfieldMsg
	Request
	Piece
	Cancel
)

func (t MessageType) String() string {
	switch t {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return "unknown"
	}
}

// Message is a single post-handshake PWP message. A nil *Message
// (returned alongside a nil error) represents a keep-alive.
type Message struct {
	Type    MessageType
	Payload []byte
}

// ErrUnknownMessageType is returned by decoders that choose to reject
// rather than silently drop an unrecognized ID; the read loop itself
// drops unknown IDs per the framing contract instead of surfacing this.
var ErrUnknownMessageType = errors.New("pwp: unknown message type")

// serialize encodes a message as length-prefix + id + payload.
func (m *Message) serialize() []byte {
	payLen := uint32(len(m.Payload) + 1)
	buf := make([]byte, 4+payLen)
	binary.BigEndian.PutUint32(buf, payLen)
	buf[4] = byte(m.Type)
	copy(buf[5:], m.Payload)
	return buf
}

// KeepAlive returns the wire bytes for a zero-length keep-alive message.
func KeepAlive() []byte {
	return []byte{0, 0, 0, 0}
}

func simple(t MessageType) []byte {
	return (&Message{Type: t}).serialize()
}

// ChokeMsg, UnchokeMsg, InterestedMsg and NotInterestedMsg are the four
// zero-payload state messages.
func ChokeMsg() []byte         { return simple(Choke) }
func UnchokeMsg() []byte       { return simple(Unchoke) }
func InterestedMsg() []byte    { return simple(Interested) }
func NotInterestedMsg() []byte { return simple(NotInterested) }

// HaveMsg announces a newly verified piece index.
func HaveMsg(index int) []byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, uint32(index))
	return (&Message{Type: Have, Payload: payload}).serialize()
}

// BitfieldMessage advertises a full bitfield; valid only as the first
// message sent after a handshake.
func BitfieldMessage(bf piece.Bitfield) []byte {
	return (&Message{Type: BitfieldMsg, Payload: []byte(bf)}).serialize()
}

// RequestMsg asks for a block.
func RequestMsg(index, offset, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(offset))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return (&Message{Type: Request, Payload: payload}).serialize()
}

// CancelMsg retracts a pending request; same body shape as RequestMsg.
func CancelMsg(index, offset, length int) []byte {
	payload := make([]byte, 12)
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(offset))
	binary.BigEndian.PutUint32(payload[8:12], uint32(length))
	return (&Message{Type: Cancel, Payload: payload}).serialize()
}

// PieceMsg delivers a block.
func PieceMsg(index, offset int, block []byte) []byte {
	payload := make([]byte, 8+len(block))
	binary.BigEndian.PutUint32(payload[0:4], uint32(index))
	binary.BigEndian.PutUint32(payload[4:8], uint32(offset))
	copy(payload[8:], block)
	return (&Message{Type: Piece, Payload: payload}).serialize()
}

// BlockHeader is the (index, offset, length) triple carried by
// request/cancel; a piece message carries only index and offset, so
// ParsePiece leaves Length zero.
type BlockHeader struct {
	Index  int
	Offset int
	Length int
}

// ParseRequest decodes a request/cancel payload.
func ParseRequest(payload []byte) (BlockHeader, error) {
	if len(payload) != 12 {
		return BlockHeader{}, errors.Errorf("pwp: request payload length %d, want 12", len(payload))
	}
	return BlockHeader{
		Index:  int(binary.BigEndian.Uint32(payload[0:4])),
		Offset: int(binary.BigEndian.Uint32(payload[4:8])),
		Length: int(binary.BigEndian.Uint32(payload[8:12])),
	}, nil
}

// ParsePiece decodes a piece payload into its header and block bytes.
func ParsePiece(payload []byte) (BlockHeader, []byte, error) {
	if len(payload) < 8 {
		return BlockHeader{}, nil, errors.Errorf("pwp: piece payload length %d, want at least 8", len(payload))
	}
	hdr := BlockHeader{
		Index:  int(binary.BigEndian.Uint32(payload[0:4])),
		Offset: int(binary.BigEndian.Uint32(payload[4:8])),
	}
	return hdr, payload[8:], nil
}

// ParseHave decodes a have payload into a piece index.
func ParseHave(payload []byte) (int, error) {
	if len(payload) != 4 {
		return 0, errors.Errorf("pwp: have payload length %d, want 4", len(payload))
	}
	return int(binary.BigEndian.Uint32(payload)), nil
}

// readOne reads and decodes a single frame, returning (nil, nil) for a
// keep-alive.
func readOne(r io.Reader) (*Message, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	msgLen := binary.BigEndian.Uint32(lenBuf[:])
	if msgLen == 0 {
		return nil, nil
	}
	body := make([]byte, msgLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &Message{Type: MessageType(body[0]), Payload: body[1:]}, nil
}

// ReadMessage reads frames from r, silently absorbing keep-alives, until
// it returns the next real message.
func ReadMessage(r io.Reader) (*Message, error) {
	for {
		msg, err := readOne(r)
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}
