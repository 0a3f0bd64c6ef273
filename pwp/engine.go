// Package pwp implements the Peer Wire Protocol engine: per-peer TCP
// handshake, message framing, choke/interest state, the request
// pipeline, rate tracking and tit-for-tat unchoking.
package pwp

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/adrianmoreno/btcore/piece"
)

// Config holds the engine's tunables, overridable by the embedding
// application; zero-value fields are replaced by DefaultConfig's
// defaults in NewEngine.
type Config struct {
	ListenPort         int
	KOut               int
	ChokeInterval      time.Duration
	OptimisticInterval time.Duration
	KeepAliveInterval  time.Duration
	HandshakeTimeout   time.Duration
	UploadLimit        rate.Limit // bytes/sec; 0 disables limiting
}

// DefaultConfig returns the engine's documented defaults.
func DefaultConfig() Config {
	return Config{
		ListenPort:         6881,
		KOut:               5,
		ChokeInterval:      10 * time.Second,
		OptimisticInterval: 30 * time.Second,
		KeepAliveInterval:  2 * time.Minute,
		HandshakeTimeout:   10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ListenPort == 0 {
		c.ListenPort = d.ListenPort
	}
	if c.KOut == 0 {
		c.KOut = d.KOut
	}
	if c.ChokeInterval == 0 {
		c.ChokeInterval = d.ChokeInterval
	}
	if c.OptimisticInterval == 0 {
		c.OptimisticInterval = d.OptimisticInterval
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = d.KeepAliveInterval
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	return c
}

// Engine drives every PeerConnection for a single torrent: the
// listener, the choking controller, and the request scheduler.
type Engine struct {
	cfg         Config
	fingerprint [20]byte
	peerID      [20]byte

	pieces *piece.Manager
	sched  *scheduler

	connsMu sync.Mutex
	conns   map[string]*PeerConnection

	listener net.Listener

	log *logrus.Entry
}

// NewEngine builds an engine for one torrent's fingerprint, backed by
// the given Piece Manager.
func NewEngine(cfg Config, fingerprint, peerID [20]byte, pieces *piece.Manager, pieceLength, totalLength int64) *Engine {
	return &Engine{
		cfg:         cfg.withDefaults(),
		fingerprint: fingerprint,
		peerID:      peerID,
		pieces:      pieces,
		sched:       newScheduler(pieces.NumPieces(), pieceLength, totalLength),
		conns:       make(map[string]*PeerConnection),
		log:         logrus.WithField("component", "pwp-engine"),
	}
}

// Start opens the listener and launches the choking controller's two
// independent, phase-offset tickers.
func (e *Engine) Start(ctx context.Context) error {
	l, err := net.Listen("tcp", fmt.Sprintf(":%d", e.cfg.ListenPort))
	if err != nil {
		return errors.Wrapf(err, "pwp: listening on port %d", e.cfg.ListenPort)
	}
	e.listener = l
	e.log.WithField("port", e.cfg.ListenPort).Info("pwp engine listening")

	go e.acceptLoop(ctx)
	go e.chokeLoop(ctx)
	go e.optimisticLoop(ctx)
	go e.keepAliveLoop(ctx)
	return nil
}

// Stop closes the listener and every active connection.
func (e *Engine) Stop() {
	if e.listener != nil {
		e.listener.Close()
	}
	e.connsMu.Lock()
	conns := make([]*PeerConnection, 0, len(e.conns))
	for _, pc := range e.conns {
		conns = append(conns, pc)
	}
	e.connsMu.Unlock()
	for _, pc := range conns {
		pc.Close()
	}
}

func (e *Engine) acceptLoop(ctx context.Context) {
	for {
		conn, err := e.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				e.log.WithError(err).Warn("pwp: accept failed")
				return
			}
		}
		go e.handleInbound(ctx, conn)
	}
}

// handleInbound performs the reverse handshake: read the remote's
// handshake first, then reply.
func (e *Engine) handleInbound(ctx context.Context, conn net.Conn) {
	conn.SetDeadline(time.Now().Add(e.cfg.HandshakeTimeout))
	hs, err := ReadHandshake(conn, e.fingerprint)
	if err != nil {
		e.log.WithError(err).Debug("pwp: rejecting inbound handshake")
		conn.Close()
		return
	}
	if _, err := conn.Write(Build(e.fingerprint, e.peerID)); err != nil {
		conn.Close()
		return
	}
	conn.SetDeadline(time.Time{})
	e.register(ctx, conn, hs.PeerID)
}

// Connect dials a peer, performs the outbound handshake, and registers
// the connection on success.
func (e *Engine) Connect(ctx context.Context, addr string) error {
	conn, err := net.DialTimeout("tcp", addr, e.cfg.HandshakeTimeout)
	if err != nil {
		return errors.Wrapf(err, "pwp: dialing %s", addr)
	}
	conn.SetDeadline(time.Now().Add(e.cfg.HandshakeTimeout))
	if _, err := conn.Write(Build(e.fingerprint, e.peerID)); err != nil {
		conn.Close()
		return errors.Wrapf(err, "pwp: sending handshake to %s", addr)
	}
	hs, err := ReadHandshake(conn, e.fingerprint)
	if err != nil {
		conn.Close()
		return errors.Wrapf(err, "pwp: handshake with %s", addr)
	}
	conn.SetDeadline(time.Time{})
	e.register(ctx, conn, hs.PeerID)
	return nil
}

// register starts the three tasks that make up a connection's
// lifetime — writer, rate sampler, reader — under one errgroup so the
// first of them to fail cancels the other two and triggers exactly one
// unregister.
func (e *Engine) register(ctx context.Context, conn net.Conn, peerID [20]byte) {
	pc := NewPeerConnection(conn, peerID, e.pieces.NumPieces(), e.cfg.UploadLimit)

	e.connsMu.Lock()
	e.conns[pc.Addr()] = pc
	e.connsMu.Unlock()

	pc.Send(BitfieldMessage(e.pieces.Bitfield()))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pc.writeLoop(gctx) })
	g.Go(func() error { return pc.rateLoop(gctx) })
	g.Go(func() error { return e.readLoop(gctx, pc) })

	go func() {
		if err := g.Wait(); err != nil && !errors.Is(err, errClosed) {
			e.log.WithError(err).WithField("peer", pc.Addr()).Debug("pwp: connection task failed")
		}
		e.unregister(pc)
	}()
}

func (e *Engine) unregister(pc *PeerConnection) {
	e.connsMu.Lock()
	delete(e.conns, pc.Addr())
	e.connsMu.Unlock()
	e.sched.releasePeer(pc.outstandingSnapshot())
	pc.Close()
}

// readLoop is the per-connection inbound pull loop: decode one message
// at a time and dispatch it, until the socket errors, closes, or ctx is
// cancelled by a sibling task's failure.
func (e *Engine) readLoop(ctx context.Context, pc *PeerConnection) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		msg, err := ReadMessage(pc.conn)
		if err != nil {
			if pc.isClosed() {
				return errClosed
			}
			return errors.Wrap(err, "pwp: read failed")
		}
		pc.touch()
		e.dispatch(pc, msg)
	}
}

func (e *Engine) dispatch(pc *PeerConnection, msg *Message) {
	// wire bytes of this frame: 4-byte length prefix, 1-byte id, payload
	atomic.AddInt64(&pc.stats.BytesDown, int64(5+len(msg.Payload)))

	switch msg.Type {
	case Choke:
		pc.setChokedByPeer(true)
		e.sched.releasePeer(pc.outstandingSnapshot())
		pc.clearOutstanding()

	case Unchoke:
		pc.setChokedByPeer(false)
		e.fillRequests(pc)

	case Interested:
		pc.setPeerInterested(true)

	case NotInterested:
		pc.setPeerInterested(false)

	case Have:
		index, err := ParseHave(msg.Payload)
		if err != nil {
			return
		}
		pc.setPeerHasPiece(index)
		e.sched.observeHave(index, e.pieces)
		e.maybeExpressInterest(pc)
		e.fillRequests(pc)

	case BitfieldMsg:
		bf := piece.Bitfield(append([]byte(nil), msg.Payload...))
		pc.replacePeerBitfield(bf)
		for i := 0; i < e.pieces.NumPieces(); i++ {
			if bf.Get(i) {
				e.sched.observeHave(i, e.pieces)
			}
		}
		e.maybeExpressInterest(pc)
		e.fillRequests(pc)

	case Request:
		hdr, err := ParseRequest(msg.Payload)
		if err != nil || pc.ChokedByUs() {
			return
		}
		block, err := e.pieces.GetBlock(hdr.Index, hdr.Offset, hdr.Length)
		if err != nil {
			return
		}
		pc.Send(PieceMsg(hdr.Index, hdr.Offset, block))
		atomic.AddInt64(&pc.stats.BlocksUp, 1)

	case Piece:
		hdr, block, err := ParsePiece(msg.Payload)
		if err != nil {
			return
		}
		pc.resolveOutstanding(hdr.Index, hdr.Offset)
		pc.download.add(len(block))
		atomic.AddInt64(&pc.stats.BlocksDown, 1)
		if err := e.pieces.StoreBlock(hdr.Index, hdr.Offset, block); err != nil {
			e.log.WithError(err).Debug("pwp: discarding invalid block")
		}
		e.fillRequests(pc)

	case Cancel:
		// Outbound pieces already queued are simply allowed to send;
		// this core does not implement mid-flight upload cancellation.

	default:
		// Unknown IDs are dropped per the framing contract.
	}
}

func (e *Engine) maybeExpressInterest(pc *PeerConnection) {
	if pc.WeInterested() {
		return
	}
	bf := pc.PeerBitfield()
	for i := 0; i < e.pieces.NumPieces(); i++ {
		if bf.Get(i) {
			if status, _ := e.pieces.Status(i); status != piece.StatusVerified {
				pc.SetWeInterested(true)
				pc.Send(InterestedMsg())
				return
			}
		}
	}
}

// fillRequests tops up a peer's outstanding request count to KOut,
// provided the peer isn't choking us.
func (e *Engine) fillRequests(pc *PeerConnection) {
	if pc.ChokedByPeer() {
		return
	}
	need := e.cfg.KOut - pc.outstandingCount()
	if need <= 0 {
		return
	}
	blocks := e.sched.NextBlocks(pc.PeerBitfield(), need)
	for _, b := range blocks {
		pc.addOutstanding(b.Index, b.Offset)
		pc.Send(RequestMsg(b.Index, b.Offset, b.Length))
	}
}

// BroadcastHave announces a newly verified piece to every connected peer.
func (e *Engine) BroadcastHave(index int) {
	e.sched.markComplete(index)
	msg := HaveMsg(index)
	e.connsMu.Lock()
	defer e.connsMu.Unlock()
	for _, pc := range e.conns {
		pc.Send(msg)
	}
}

// ResetPiece returns a corrupted piece to the pending pool for
// re-request after a verification failure.
func (e *Engine) ResetPiece(index int) {
	e.sched.markReset(index)
}

// Peers returns a snapshot of currently connected peer connections.
func (e *Engine) Peers() []*PeerConnection {
	e.connsMu.Lock()
	defer e.connsMu.Unlock()
	out := make([]*PeerConnection, 0, len(e.conns))
	for _, pc := range e.conns {
		out = append(out, pc)
	}
	return out
}
