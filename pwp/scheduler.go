package pwp

import (
	"sync"

	"github.com/adrianmoreno/btcore/piece"
)

// scheduler picks which blocks to request next, using rarest-first piece
// selection with strict priority given to pieces already in progress so
// they finish before new ones start. Pieces are grouped into
// availability buckets for O(peers) rarest-first lookup instead of
// O(pieces), adapted from a bucketed piece queue.
type scheduler struct {
	mu           sync.Mutex
	numPieces    int
	pieceLength  int64
	totalLength  int64
	availability []int
	buckets      []map[int]bool
	inProgress   map[int]map[int]bool // piece -> set of outstanding block offsets
	pending      map[int]bool         // pieces not yet started, by index
}

func newScheduler(numPieces int, pieceLength, totalLength int64) *scheduler {
	s := &scheduler{
		numPieces:   numPieces,
		pieceLength: pieceLength,
		totalLength: totalLength,
		availability: make([]int, numPieces),
		buckets:      []map[int]bool{make(map[int]bool)},
		inProgress:   make(map[int]map[int]bool),
		pending:      make(map[int]bool),
	}
	for i := 0; i < numPieces; i++ {
		s.buckets[0][i] = true
		s.pending[i] = true
	}
	return s
}

func (s *scheduler) ensureBucket(avail int) {
	for len(s.buckets) <= avail {
		s.buckets = append(s.buckets, make(map[int]bool))
	}
}

// observeHave records that a peer now has a piece: its availability
// count always rises, and a piece that is still pending (not yet
// started) moves up one rarity bucket.
func (s *scheduler) observeHave(index int, have *piece.Manager) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= s.numPieces {
		return
	}
	old := s.availability[index]
	s.availability[index]++
	if s.pending[index] {
		if old < len(s.buckets) {
			delete(s.buckets[old], index)
		}
		s.ensureBucket(old + 1)
		s.buckets[old+1][index] = true
	}
}

func (s *scheduler) markComplete(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, index)
	delete(s.inProgress, index)
}

// markReset returns a piece to the pending pool, e.g. after a
// corruption event resets it to missing.
func (s *scheduler) markReset(index int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending[index] = true
	delete(s.inProgress, index)
	avail := s.availability[index]
	s.ensureBucket(avail)
	s.buckets[avail][index] = true
}

// releasePeer returns a disconnected peer's outstanding blocks to the
// candidate pool: the claimed offset is un-marked in its piece's
// inProgress set so any other peer's next NextBlocks call can pick it
// up again. Adapted from the teacher's whole-piece
// piecequeue.Return(index) to block granularity.
func (s *scheduler) releasePeer(blocks []blockKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range blocks {
		if claimed, ok := s.inProgress[b.index]; ok {
			delete(claimed, b.offset)
		}
	}
}

func (s *scheduler) blockLength(index, offset int) int {
	pieceLen := s.pieceLength
	if index == s.numPieces-1 {
		if last := s.totalLength % s.pieceLength; last != 0 {
			pieceLen = last
		}
	}
	remaining := pieceLen - int64(offset)
	if remaining < piece.BlockSize {
		return int(remaining)
	}
	return piece.BlockSize
}

func (s *scheduler) numBlocks(index int) int {
	pieceLen := s.pieceLength
	if index == s.numPieces-1 {
		if last := s.totalLength % s.pieceLength; last != 0 {
			pieceLen = last
		}
	}
	return int((pieceLen + piece.BlockSize - 1) / piece.BlockSize)
}

// NextBlocks selects up to n blocks to request from a peer advertising
// peerHas, preferring in-progress pieces first (to finish them) and
// otherwise the rarest pending piece the peer has.
func (s *scheduler) NextBlocks(peerHas piece.Bitfield, n int) []BlockHeader {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []BlockHeader

	// Strict priority: finish pieces already in progress.
	for index, blocks := range s.inProgress {
		if !peerHas.Get(index) {
			continue
		}
		for offset := 0; offset < s.numBlocks(index); offset++ {
			off := offset * piece.BlockSize
			if blocks[off] {
				continue
			}
			out = append(out, BlockHeader{Index: index, Offset: off, Length: s.blockLength(index, off)})
			blocks[off] = true
			if len(out) == n {
				return out
			}
		}
	}

	for avail := 0; avail < len(s.buckets) && len(out) < n; avail++ {
		for index := range s.buckets[avail] {
			if !peerHas.Get(index) {
				continue
			}
			delete(s.buckets[avail], index)
			delete(s.pending, index)
			blocks := make(map[int]bool)
			s.inProgress[index] = blocks
			for offset := 0; offset < s.numBlocks(index) && len(out) < n; offset++ {
				off := offset * piece.BlockSize
				out = append(out, BlockHeader{Index: index, Offset: off, Length: s.blockLength(index, off)})
				blocks[off] = true
			}
			break
		}
		if len(out) >= n {
			break
		}
	}

	return out
}
