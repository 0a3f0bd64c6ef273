// Package piece implements the Piece Manager: tracking block receipt
// per piece, SHA-1 verification, and serving verified content back out.
package piece

import (
	"crypto/sha1"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// BlockSize is the canonical request/response unit. The last block of
// the last piece may be shorter.
const BlockSize = 16384

// Status is a piece's lifecycle state.
type Status int

const (
	StatusMissing Status = iota
	StatusPartial
	StatusCompletePendingVerify
	StatusVerified
)

func (s Status) String() string {
	switch s {
	case StatusMissing:
		return "missing"
	case StatusPartial:
		return "partial"
	case StatusCompletePendingVerify:
		return "complete-pending-verify"
	case StatusVerified:
		return "verified"
	default:
		return "unknown"
	}
}

var (
	// ErrIndexRange is returned when a piece index is out of bounds.
	ErrIndexRange = errors.New("piece: index out of range")
	// ErrBlockAlignment is returned when an offset isn't block-aligned
	// or a block would overrun its piece.
	ErrBlockAlignment = errors.New("piece: misaligned or overrunning block")
	// ErrNotAvailable is returned by GetBlock when the piece has not yet
	// verified.
	ErrNotAvailable = errors.New("piece: block not available")
)

// state is the per-piece bookkeeping; all mutation is serialized through
// its own mutex so concurrent peer-handler goroutines can store and read
// blocks for different pieces without contending on a single lock.
type state struct {
	mu            sync.Mutex
	length        int64
	hash          [20]byte
	buffer        []byte
	blocks        *bitset.BitSet
	receivedCount uint
	totalBlocks   uint
	status        Status
}

func newState(length int64, hash [20]byte) *state {
	total := uint((length + BlockSize - 1) / BlockSize)
	return &state{
		length:      length,
		hash:        hash,
		buffer:      make([]byte, length),
		blocks:      bitset.New(total),
		totalBlocks: total,
		status:      StatusMissing,
	}
}

func (s *state) blockLength(offset int64) int64 {
	remaining := s.length - offset
	if remaining < BlockSize {
		return remaining
	}
	return BlockSize
}

// Manager owns PieceState[0..n-1] and implements store_block, get_block
// and piece_bitfield.
type Manager struct {
	pieces []*state

	onComplete   func(index int)
	onCorruption func(index int)

	log *logrus.Entry
}

// Option configures a Manager at construction time.
type Option func(*Manager)

// WithOnComplete registers a callback fired when a piece verifies.
func WithOnComplete(fn func(index int)) Option {
	return func(m *Manager) { m.onComplete = fn }
}

// WithOnCorruption registers a callback fired when a piece's assembled
// buffer fails SHA-1 verification; the caller is responsible for
// penalizing whichever peer(s) supplied it, which the Piece Manager has
// no visibility into.
func WithOnCorruption(fn func(index int)) Option {
	return func(m *Manager) { m.onCorruption = fn }
}

// NewManager builds a Piece Manager for numPieces pieces of pieceLength
// bytes each (the last piece sized from totalLength), verified against
// hashes.
func NewManager(hashes [][20]byte, pieceLength, totalLength int64, opts ...Option) *Manager {
	m := &Manager{
		pieces: make([]*state, len(hashes)),
		log:    logrus.WithField("component", "piece-manager"),
	}
	for i, h := range hashes {
		m.pieces[i] = newState(pieceSize(i, len(hashes), pieceLength, totalLength), h)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func pieceSize(index, numPieces int, pieceLength, totalLength int64) int64 {
	if index == numPieces-1 {
		last := totalLength % pieceLength
		if last != 0 {
			return last
		}
	}
	return pieceLength
}

// NumPieces returns the number of pieces this manager tracks.
func (m *Manager) NumPieces() int { return len(m.pieces) }

// Status reports a single piece's lifecycle state.
func (m *Manager) Status(index int) (Status, error) {
	if index < 0 || index >= len(m.pieces) {
		return StatusMissing, ErrIndexRange
	}
	s := m.pieces[index]
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, nil
}

// StoreBlock validates and copies a delivered block into its piece
// buffer. A repeat delivery of an already-received block is a silent,
// idempotent no-op: it is not treated as corruption or scheduling error,
// only a genuine hash mismatch at piece completion is.
func (m *Manager) StoreBlock(index, offset int, data []byte) error {
	if index < 0 || index >= len(m.pieces) {
		return ErrIndexRange
	}
	s := m.pieces[index]

	if offset < 0 || int64(offset)%BlockSize != 0 || int64(offset)+int64(len(data)) > s.length {
		return ErrBlockAlignment
	}

	s.mu.Lock()
	blockIdx := uint(offset / BlockSize)
	if s.blocks.Test(blockIdx) {
		s.mu.Unlock()
		return nil
	}
	expected := s.blockLength(int64(offset))
	if int64(len(data)) != expected {
		s.mu.Unlock()
		return ErrBlockAlignment
	}

	copy(s.buffer[offset:], data)
	s.blocks.Set(blockIdx)
	s.receivedCount++
	if s.status == StatusMissing {
		s.status = StatusPartial
	}

	complete := s.receivedCount == s.totalBlocks
	var (
		verified bool
		buffer   []byte
	)
	if complete {
		s.status = StatusCompletePendingVerify
		buffer = s.buffer
		verified = sha1.Sum(buffer) == s.hash
		if verified {
			s.status = StatusVerified
		} else {
			s.buffer = make([]byte, s.length)
			s.blocks.ClearAll()
			s.receivedCount = 0
			s.status = StatusMissing
		}
	}
	s.mu.Unlock()

	if complete {
		if verified {
			m.log.WithField("piece", index).Debug("piece verified")
			if m.onComplete != nil {
				m.onComplete(index)
			}
		} else {
			m.log.WithField("piece", index).Warn("piece failed verification, discarding")
			if m.onCorruption != nil {
				m.onCorruption(index)
			}
		}
	}
	return nil
}

// GetBlock returns the requested byte range, which must lie within a
// verified piece; serving from a partially-downloaded piece is not
// supported by this core.
func (m *Manager) GetBlock(index, offset, length int) ([]byte, error) {
	if index < 0 || index >= len(m.pieces) {
		return nil, ErrIndexRange
	}
	s := m.pieces[index]
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status != StatusVerified {
		return nil, ErrNotAvailable
	}
	if offset < 0 || length < 0 || int64(offset+length) > s.length {
		return nil, ErrBlockAlignment
	}
	out := make([]byte, length)
	copy(out, s.buffer[offset:offset+length])
	return out, nil
}

// Bitfield returns the n-bit wire bitfield of verified pieces.
func (m *Manager) Bitfield() Bitfield {
	bf := NewBitfield(len(m.pieces))
	for i, s := range m.pieces {
		s.mu.Lock()
		if s.status == StatusVerified {
			bf.Set(i)
		}
		s.mu.Unlock()
	}
	return bf
}

// Progress returns the count of verified pieces and the total.
func (m *Manager) Progress() (verified, total int) {
	total = len(m.pieces)
	for _, s := range m.pieces {
		s.mu.Lock()
		if s.status == StatusVerified {
			verified++
		}
		s.mu.Unlock()
	}
	return verified, total
}

// Complete reports whether every piece has verified.
func (m *Manager) Complete() bool {
	v, t := m.Progress()
	return v == t && t > 0
}
