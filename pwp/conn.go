package pwp

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/adrianmoreno/btcore/piece"
)

// rateWindow is the sliding interval rates are recomputed over.
const rateWindow = 10 * time.Second

// ewmaAlpha weights each window's instantaneous rate against the
// running average; smaller is smoother.
const ewmaAlpha = 0.3

// rateTracker maintains an exponentially-weighted moving average of a
// byte counter, sampled once per rateWindow.
type rateTracker struct {
	mu      sync.Mutex
	total   int64
	rate    float64
	lastAt  time.Time
}

func newRateTracker() *rateTracker {
	return &rateTracker{lastAt: time.Now()}
}

func (rt *rateTracker) add(n int) {
	atomic.AddInt64(&rt.total, int64(n))
}

// sample folds the bytes accumulated since the last sample into the
// EWMA and returns the updated rate in bytes/second.
func (rt *rateTracker) sample() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	now := time.Now()
	elapsed := now.Sub(rt.lastAt).Seconds()
	if elapsed <= 0 {
		return rt.rate
	}
	total := atomic.SwapInt64(&rt.total, 0)
	instant := float64(total) / elapsed
	rt.rate = ewmaAlpha*instant + (1-ewmaAlpha)*rt.rate
	rt.lastAt = now
	return rt.rate
}

func (rt *rateTracker) value() float64 {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.rate
}

// Stats exposes per-connection counters for an operator to observe;
// separate from the rate tracker the choking controller consumes
// internally.
type Stats struct {
	BytesUp   int64
	BytesDown int64
	BlocksUp  int64
	BlocksDown int64
}

// flags holds the four atomic PeerConnection booleans, packed as bits
// of an int32 so reads and writes are lock-free.
type flags struct{ v int32 }

const (
	flagChokedByPeer = 1 << iota
	flagChokedByUs
	flagPeerInterested
	flagWeInterested
)

func (f *flags) get(bit int32) bool { return atomic.LoadInt32(&f.v)&bit != 0 }

func (f *flags) set(bit int32, on bool) {
	for {
		old := atomic.LoadInt32(&f.v)
		var next int32
		if on {
			next = old | bit
		} else {
			next = old &^ bit
		}
		if atomic.CompareAndSwapInt32(&f.v, old, next) {
			return
		}
	}
}

// PeerConnection is one TCP connection to a remote peer, past the
// handshake, in the RUNNING state.
type PeerConnection struct {
	conn   net.Conn
	peerID [20]byte
	addr   string

	flags flags

	bitfieldMu sync.RWMutex
	bitfield   piece.Bitfield

	outbound chan []byte

	download *rateTracker
	upload   *rateTracker

	stats Stats

	limiter *rate.Limiter

	lastActivity atomic.Int64 // unix nanos

	outstandingMu sync.Mutex
	outstanding   map[blockKey]struct{}

	closeOnce sync.Once
	closed    chan struct{}

	log *logrus.Entry
}

type blockKey struct {
	index, offset int
}

// NewPeerConnection wraps an established, handshaken TCP socket.
// uploadLimit of zero disables upload rate limiting.
func NewPeerConnection(conn net.Conn, peerID [20]byte, numPieces int, uploadLimit rate.Limit) *PeerConnection {
	pc := &PeerConnection{
		conn:        conn,
		peerID:      peerID,
		addr:        conn.RemoteAddr().String(),
		bitfield:    piece.NewBitfield(numPieces),
		outbound:    make(chan []byte, 64),
		download:    newRateTracker(),
		upload:      newRateTracker(),
		outstanding: make(map[blockKey]struct{}),
		closed:      make(chan struct{}),
		log:         logrus.WithField("peer", conn.RemoteAddr().String()),
	}
	if uploadLimit > 0 {
		pc.limiter = rate.NewLimiter(uploadLimit, int(uploadLimit))
	}
	pc.flags.set(flagChokedByPeer, true)
	pc.flags.set(flagChokedByUs, true)
	pc.touch()
	return pc
}

func (pc *PeerConnection) touch() { pc.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity returns the time of the most recent inbound or outbound
// traffic on this connection.
func (pc *PeerConnection) LastActivity() time.Time {
	return time.Unix(0, pc.lastActivity.Load())
}

func (pc *PeerConnection) PeerID() [20]byte { return pc.peerID }
func (pc *PeerConnection) Addr() string     { return pc.addr }

func (pc *PeerConnection) ChokedByPeer() bool    { return pc.flags.get(flagChokedByPeer) }
func (pc *PeerConnection) ChokedByUs() bool      { return pc.flags.get(flagChokedByUs) }
func (pc *PeerConnection) PeerInterested() bool  { return pc.flags.get(flagPeerInterested) }
func (pc *PeerConnection) WeInterested() bool    { return pc.flags.get(flagWeInterested) }

func (pc *PeerConnection) setChokedByPeer(v bool)   { pc.flags.set(flagChokedByPeer, v) }
func (pc *PeerConnection) SetChokedByUs(v bool)     { pc.flags.set(flagChokedByUs, v) }
func (pc *PeerConnection) setPeerInterested(v bool) { pc.flags.set(flagPeerInterested, v) }
func (pc *PeerConnection) SetWeInterested(v bool)   { pc.flags.set(flagWeInterested, v) }

// PeerBitfield returns a snapshot of the remote's advertised bitfield.
func (pc *PeerConnection) PeerBitfield() piece.Bitfield {
	pc.bitfieldMu.RLock()
	defer pc.bitfieldMu.RUnlock()
	return pc.bitfield.Clone()
}

func (pc *PeerConnection) setPeerHasPiece(index int) {
	pc.bitfieldMu.Lock()
	defer pc.bitfieldMu.Unlock()
	pc.bitfield.Set(index)
}

func (pc *PeerConnection) replacePeerBitfield(bf piece.Bitfield) {
	pc.bitfieldMu.Lock()
	defer pc.bitfieldMu.Unlock()
	pc.bitfield = bf
}

// DownloadRate and UploadRate report the last-sampled EWMA in bytes/sec,
// the inputs the choking controller ranks peers by.
func (pc *PeerConnection) DownloadRate() float64 { return pc.download.value() }
func (pc *PeerConnection) UploadRate() float64   { return pc.upload.value() }

// StatsSnapshot returns a snapshot of this connection's cumulative counters.
func (pc *PeerConnection) StatsSnapshot() Stats {
	return Stats{
		BytesUp:    atomic.LoadInt64(&pc.stats.BytesUp),
		BytesDown:  atomic.LoadInt64(&pc.stats.BytesDown),
		BlocksUp:   atomic.LoadInt64(&pc.stats.BlocksUp),
		BlocksDown: atomic.LoadInt64(&pc.stats.BlocksDown),
	}
}

// outstandingCount reports the number of unacknowledged requests we have
// in flight toward this peer.
func (pc *PeerConnection) outstandingCount() int {
	pc.outstandingMu.Lock()
	defer pc.outstandingMu.Unlock()
	return len(pc.outstanding)
}

func (pc *PeerConnection) addOutstanding(index, offset int) {
	pc.outstandingMu.Lock()
	pc.outstanding[blockKey{index, offset}] = struct{}{}
	pc.outstandingMu.Unlock()
}

func (pc *PeerConnection) resolveOutstanding(index, offset int) {
	pc.outstandingMu.Lock()
	delete(pc.outstanding, blockKey{index, offset})
	pc.outstandingMu.Unlock()
}

// clearOutstanding drops every in-flight request, called on receiving a
// choke; the scheduler may resend them after the next unchoke.
func (pc *PeerConnection) clearOutstanding() {
	pc.outstandingMu.Lock()
	pc.outstanding = make(map[blockKey]struct{})
	pc.outstandingMu.Unlock()
}

// outstandingSnapshot returns every (index, offset) this connection has
// an unacknowledged request for, so the caller can return them to the
// scheduler's candidate pool once the connection is gone.
func (pc *PeerConnection) outstandingSnapshot() []blockKey {
	pc.outstandingMu.Lock()
	defer pc.outstandingMu.Unlock()
	out := make([]blockKey, 0, len(pc.outstanding))
	for k := range pc.outstanding {
		out = append(out, k)
	}
	return out
}

// Send enqueues a pre-serialized message for the writer goroutine. It
// never blocks the caller beyond the outbound channel's buffer.
func (pc *PeerConnection) Send(msg []byte) {
	select {
	case pc.outbound <- msg:
	case <-pc.closed:
	}
}

// Close closes the underlying socket exactly once.
func (pc *PeerConnection) Close() {
	pc.closeOnce.Do(func() {
		close(pc.closed)
		pc.conn.Close()
	})
}

// writeLoop drains the outbound queue to the socket until the
// connection closes, ctx is cancelled, or a write fails. Its error is
// collected by the connection's supervising errgroup.
func (pc *PeerConnection) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			pc.Close()
			return nil
		case <-pc.closed:
			return nil
		case msg := <-pc.outbound:
			if pc.limiter != nil {
				if err := pc.limiter.WaitN(ctx, len(msg)); err != nil {
					pc.Close()
					return nil
				}
			}
			if _, err := pc.conn.Write(msg); err != nil {
				pc.Close()
				if pc.isClosed() {
					return errClosed
				}
				return errors.Wrap(err, "pwp: write failed")
			}
			pc.touch()
			atomic.AddInt64(&pc.stats.BytesUp, int64(len(msg)))
			pc.upload.add(len(msg))
		}
	}
}

// rateLoop resamples both EWMA trackers every rateWindow.
func (pc *PeerConnection) rateLoop(ctx context.Context) error {
	ticker := time.NewTicker(rateWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pc.closed:
			return nil
		case <-ticker.C:
			pc.download.sample()
			pc.upload.sample()
		}
	}
}

func (pc *PeerConnection) isClosed() bool {
	select {
	case <-pc.closed:
		return true
	default:
		return false
	}
}

// errClosed marks an I/O error observed on a connection that was
// already closed locally, so the supervising errgroup doesn't log it as
// a genuine remote failure.
var errClosed = errors.New("pwp: connection closed")
