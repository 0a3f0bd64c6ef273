package dht

import (
	"context"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultPort is the default UDP port a DHT node listens on.
const DefaultPort = 6881

// alpha is the lookup concurrency parameter.
const alpha = 3

// maxPacketSize bounds a single KRPC datagram.
const maxPacketSize = 1024

// BootstrapNodes are well-known public DHT entry points.
var BootstrapNodes = []string{
	"router.bittorrent.com:6881",
	"router.utorrent.com:6881",
	"dht.transmissionbt.com:6881",
}

// Config configures a DHT node's optional behaviour.
type Config struct {
	// Port to bind the UDP socket to. Zero selects DefaultPort.
	Port int
	// RequireToken gates whether announce_peer requires a token this node
	// previously issued to the same address via get_peers. The core
	// always issues tokens; verification is opt-in.
	RequireToken bool
}

// DHT is a single Kademlia-style DHT node: routing table plus the UDP
// KRPC request/response loop.
type DHT struct {
	id  NodeID
	cfg Config

	conn *net.UDPConn
	port int

	rt  *RoutingTable
	txs *transactionTable

	peerStoreMu sync.RWMutex
	peerStore   map[[20]byte][]*net.UDPAddr

	tokenMu sync.Mutex
	// issuedTokens[addr][token] records tokens this node handed out via
	// get_peers, keyed by the remote's address string.
	issuedTokens map[string]map[string]struct{}

	log *logrus.Entry

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// New creates a DHT node with a freshly generated random node ID.
func New(cfg Config) (*DHT, error) {
	id, err := GenerateNodeID()
	if err != nil {
		return nil, errors.Wrap(err, "dht: creating node")
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	return &DHT{
		id:           id,
		cfg:          cfg,
		rt:           NewRoutingTable(id),
		txs:          newTransactionTable(),
		peerStore:    make(map[[20]byte][]*net.UDPAddr),
		issuedTokens: make(map[string]map[string]struct{}),
		log:          logrus.WithField("component", "dht"),
		shutdown:     make(chan struct{}),
	}, nil
}

// ID returns this node's identifier.
func (d *DHT) ID() NodeID { return d.id }

// Port returns the UDP port the node is bound to, valid after Start.
func (d *DHT) Port() int { return d.port }

// RoutingTable returns the node's routing table.
func (d *DHT) RoutingTable() *RoutingTable { return d.rt }

// Start binds the UDP socket and launches the read loop and the stale
// bucket refresh loop. A bind failure is returned to the caller, not
// retried internally.
func (d *DHT) Start(ctx context.Context) error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{Port: d.cfg.Port})
	if err != nil {
		return errors.Wrapf(err, "dht: binding UDP port %d", d.cfg.Port)
	}
	d.conn = conn
	d.port = conn.LocalAddr().(*net.UDPAddr).Port
	d.log.WithField("port", d.port).Info("dht node listening")

	d.wg.Add(2)
	go func() { defer d.wg.Done(); d.readLoop(ctx) }()
	go func() { defer d.wg.Done(); d.refreshLoop(ctx) }()
	return nil
}

// Stop closes the socket and waits for background tasks to exit.
func (d *DHT) Stop() {
	select {
	case <-d.shutdown:
	default:
		close(d.shutdown)
	}
	if d.conn != nil {
		d.conn.Close()
	}
	d.wg.Wait()
}

func (d *DHT) readLoop(ctx context.Context) {
	buf := make([]byte, maxPacketSize)
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		default:
		}
		d.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, addr, err := d.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-d.shutdown:
				return
			default:
				d.log.WithError(err).Warn("dht: udp read error")
				continue
			}
		}
		data := append([]byte(nil), buf[:n]...)
		go d.handlePacket(data, addr)
	}
}

func (d *DHT) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(staleAfter / 4)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.shutdown:
			return
		case <-ticker.C:
			for _, idx := range d.rt.StaleBuckets() {
				target := d.rt.RandomIDInBucket(idx)
				go func(t NodeID) {
					ctx, cancel := context.WithTimeout(ctx, queryTimeout*2)
					defer cancel()
					d.lookupRound(ctx, t, nil)
				}(target)
			}
		}
	}
}

// handlePacket decodes and dispatches one inbound datagram. Malformed
// messages are logged and dropped, never fatal.
func (d *DHT) handlePacket(data []byte, addr *net.UDPAddr) {
	msg, err := Decode(data)
	if err != nil {
		d.log.WithError(err).WithField("addr", addr).Debug("dht: dropping malformed message")
		return
	}
	if senderID, err := msg.SenderID(); err == nil {
		go d.observeSync(Node{ID: senderID, Addr: addr})
	}
	switch msg.Type {
	case TypeQuery:
		d.handleQuery(msg, addr)
	case TypeResponse:
		d.handleResponse(msg, addr)
	case TypeError:
		d.log.WithFields(logrus.Fields{"addr": addr, "code": msg.ErrCode, "msg": msg.ErrMsg}).Debug("dht: peer returned error")
	}
}

func (d *DHT) observeSync(n Node) {
	d.rt.Observe(n, func(candidate Node) bool {
		ctx, cancel := context.WithTimeout(context.Background(), queryTimeout)
		defer cancel()
		_, err := d.Ping(ctx, candidate.Addr)
		return err == nil
	})
}

func (d *DHT) handleQuery(msg *Message, addr *net.UDPAddr) {
	var resp []byte
	switch msg.Query {
	case MethodPing:
		resp = EncodePingResponse(msg.TxID, d.id)

	case MethodFindNode:
		targetStr, ok := msg.Args.GetString("target")
		if !ok || len(targetStr) != 20 {
			resp = EncodeError(msg.TxID, ErrCodeProtocol, "invalid target")
			break
		}
		var target NodeID
		copy(target[:], targetStr)
		nodes := d.encodeClosest(target)
		resp = EncodeFindNodeResponse(msg.TxID, d.id, nodes)

	case MethodGetPeers:
		ihStr, ok := msg.Args.GetString("info_hash")
		if !ok || len(ihStr) != 20 {
			resp = EncodeError(msg.TxID, ErrCodeProtocol, "invalid info_hash")
			break
		}
		var infoHash [20]byte
		copy(infoHash[:], ihStr)
		token, err := generateToken()
		if err != nil {
			resp = EncodeError(msg.TxID, ErrCodeServer, "could not generate token")
			break
		}
		d.recordIssuedToken(addr, token)

		d.peerStoreMu.RLock()
		peers := d.peerStore[infoHash]
		d.peerStoreMu.RUnlock()

		if len(peers) > 0 {
			compact := make([][]byte, 0, len(peers))
			for _, p := range peers {
				if cp, err := CompactPeer(p); err == nil {
					compact = append(compact, cp)
				}
			}
			resp = EncodeGetPeersResponseValues(msg.TxID, d.id, token, compact)
		} else {
			nodes := d.encodeClosest(NodeID(infoHash))
			resp = EncodeGetPeersResponseNodes(msg.TxID, d.id, token, nodes)
		}

	case MethodAnnouncePeer:
		ihStr, ok := msg.Args.GetString("info_hash")
		port, portOK := msg.Args.GetInt("port")
		token, tokOK := msg.Args.GetString("token")
		if !ok || len(ihStr) != 20 || !portOK || !tokOK {
			resp = EncodeError(msg.TxID, ErrCodeProtocol, "malformed announce_peer")
			break
		}
		if d.cfg.RequireToken && !d.tokenValid(addr, token) {
			resp = EncodeError(msg.TxID, ErrCodeProtocol, "bad token")
			break
		}
		var infoHash [20]byte
		copy(infoHash[:], ihStr)
		peerAddr := &net.UDPAddr{IP: addr.IP, Port: int(port)}
		d.peerStoreMu.Lock()
		d.peerStore[infoHash] = append(d.peerStore[infoHash], peerAddr)
		d.peerStoreMu.Unlock()
		resp = EncodeAnnouncePeerResponse(msg.TxID, d.id)

	default:
		resp = EncodeError(msg.TxID, ErrCodeMethodUnknown, "unknown method")
	}

	if resp != nil {
		d.conn.WriteToUDP(resp, addr)
	}
}

func (d *DHT) handleResponse(msg *Message, addr *net.UDPAddr) {
	pq := d.txs.pop(msg.TxID)
	if pq == nil {
		return
	}
	select {
	case pq.response <- msg:
	default:
	}
}

func (d *DHT) encodeClosest(target NodeID) []byte {
	closest := d.rt.ClosestNodes(target, K)
	var buf []byte
	for _, n := range closest {
		if cn, err := n.CompactIPv4(); err == nil {
			buf = append(buf, cn...)
		}
	}
	return buf
}

func (d *DHT) recordIssuedToken(addr *net.UDPAddr, token string) {
	d.tokenMu.Lock()
	defer d.tokenMu.Unlock()
	key := addr.String()
	if d.issuedTokens[key] == nil {
		d.issuedTokens[key] = make(map[string]struct{})
	}
	d.issuedTokens[key][token] = struct{}{}
}

func (d *DHT) tokenValid(addr *net.UDPAddr, token string) bool {
	d.tokenMu.Lock()
	defer d.tokenMu.Unlock()
	toks, ok := d.issuedTokens[addr.String()]
	if !ok {
		return false
	}
	_, ok = toks[token]
	return ok
}

// Ping sends a ping query and returns the remote's NodeID.
func (d *DHT) Ping(ctx context.Context, addr *net.UDPAddr) (NodeID, error) {
	resp, err := d.queryBuilt(ctx, addr, MethodPing, func(txID string) []byte {
		return EncodePing(txID, d.id)
	})
	if err != nil {
		return NodeID{}, err
	}
	return resp.SenderID()
}

// FindNode sends a find_node query to addr and returns the nodes it
// reports closest to target.
func (d *DHT) FindNode(ctx context.Context, addr *net.UDPAddr, target NodeID) ([]Node, error) {
	resp, err := d.queryBuilt(ctx, addr, MethodFindNode, func(txID string) []byte {
		return EncodeFindNode(txID, d.id, target)
	})
	if err != nil {
		return nil, err
	}
	return resp.Nodes()
}

// GetPeersResult is the outcome of a single get_peers query.
type GetPeersResult struct {
	Peers []*net.UDPAddr
	Nodes []Node
	Token string
}

// GetPeersFrom sends a get_peers query to a single addr.
func (d *DHT) GetPeersFrom(ctx context.Context, addr *net.UDPAddr, infoHash [20]byte) (*GetPeersResult, error) {
	resp, err := d.queryBuilt(ctx, addr, MethodGetPeers, func(txID string) []byte {
		return EncodeGetPeers(txID, d.id, infoHash)
	})
	if err != nil {
		return nil, err
	}
	peers, _ := resp.Values()
	nodes, _ := resp.Nodes()
	token, _ := resp.Token()
	return &GetPeersResult{Peers: peers, Nodes: nodes, Token: token}, nil
}

// AnnouncePeer announces this client as a peer for infoHash to addr,
// using a token obtained from a prior get_peers to that same address.
func (d *DHT) AnnouncePeer(ctx context.Context, addr *net.UDPAddr, infoHash [20]byte, port int, token string) error {
	_, err := d.queryBuilt(ctx, addr, MethodAnnouncePeer, func(txID string) []byte {
		return EncodeAnnouncePeer(txID, d.id, infoHash, port, token)
	})
	return err
}

// queryBuilt sends a query built fresh for each attempt (so retries carry
// a matching transaction id), retrying once on timeout.
func (d *DHT) queryBuilt(ctx context.Context, addr *net.UDPAddr, method string, build func(txID string) []byte) (*Message, error) {
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		txID := d.txs.newID()
		pq := d.txs.add(txID, method, addr)
		if _, err := d.conn.WriteToUDP(build(txID), addr); err != nil {
			d.txs.pop(txID)
			return nil, errors.Wrapf(err, "dht: sending %s to %s", method, addr)
		}
		select {
		case resp := <-pq.response:
			return resp, nil
		case <-time.After(queryTimeout):
			d.txs.pop(txID)
			lastErr = errors.Errorf("dht: %s to %s timed out", method, addr)
		case <-ctx.Done():
			d.txs.pop(txID)
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// Bootstrap seeds the routing table from BootstrapNodes: ping each, fold
// the reply into the table, then look up our own ID to populate nearby
// buckets and advertise ourselves to neighbors.
func (d *DHT) Bootstrap(ctx context.Context) {
	var wg sync.WaitGroup
	for _, addrStr := range BootstrapNodes {
		addr, err := net.ResolveUDPAddr("udp4", addrStr)
		if err != nil {
			continue
		}
		wg.Add(1)
		go func(a *net.UDPAddr) {
			defer wg.Done()
			id, err := d.Ping(ctx, a)
			if err != nil {
				return
			}
			d.rt.Observe(Node{ID: id, Addr: a}, nil)
		}(addr)
	}
	wg.Wait()
	d.lookupRound(ctx, d.id, nil)
}

// Lookup performs the iterative get_peers lookup for infoHash:
// α-parallel queries against a distance-sorted shortlist, folding
// find_node-style "nodes" replies back into the shortlist, terminating
// when either K "values" responses have arrived or a round fails to
// improve the shortlist. It returns the union of all discovered peer
// endpoints.
func (d *DHT) Lookup(ctx context.Context, infoHash [20]byte) ([]*net.UDPAddr, error) {
	target := NodeID(infoHash)
	shortlist := d.rt.ClosestNodes(target, K)
	if len(shortlist) == 0 {
		return nil, errors.New("dht: no nodes in routing table to start lookup")
	}

	queried := make(map[NodeID]bool)
	var peersMu sync.Mutex
	seenPeers := make(map[string]bool)
	var allPeers []*net.UDPAddr
	valuesResponses := 0

	for round := 0; round < 8; round++ {
		batch := pickUnqueried(shortlist, queried, alpha)
		if len(batch) == 0 {
			break
		}
		for _, n := range batch {
			queried[n.ID] = true
		}

		g, gctx := errgroup.WithContext(ctx)
		resultsCh := make(chan *GetPeersResult, len(batch))
		for _, n := range batch {
			n := n
			g.Go(func() error {
				res, err := d.GetPeersFrom(gctx, n.Addr, infoHash)
				if err != nil {
					return nil // per-node failure is not fatal to the lookup
				}
				resultsCh <- res
				return nil
			})
		}
		_ = g.Wait()
		close(resultsCh)

		improved := false
		for res := range resultsCh {
			if len(res.Peers) > 0 {
				valuesResponses++
			}
			peersMu.Lock()
			for _, p := range res.Peers {
				key := p.String()
				if !seenPeers[key] {
					seenPeers[key] = true
					allPeers = append(allPeers, p)
				}
			}
			peersMu.Unlock()
			for _, n := range res.Nodes {
				if !containsID(shortlist, n.ID) {
					shortlist = append(shortlist, n)
					d.rt.Observe(n, nil)
					improved = true
				}
			}
		}

		sort.Slice(shortlist, func(i, j int) bool {
			return Distance(shortlist[i].ID, target).Less(Distance(shortlist[j].ID, target))
		})

		if valuesResponses >= K || !improved {
			break
		}
	}

	return allPeers, nil
}

func pickUnqueried(nodes []Node, queried map[NodeID]bool, n int) []Node {
	var out []Node
	for _, node := range nodes {
		if queried[node.ID] {
			continue
		}
		out = append(out, node)
		if len(out) == n {
			break
		}
	}
	return out
}

func containsID(nodes []Node, id NodeID) bool {
	for _, n := range nodes {
		if n.ID == id {
			return true
		}
	}
	return false
}

// lookupRound runs one pass of the iterative node lookup (used by
// Bootstrap/refreshLoop, which only care about populating the table, not
// about peers). If seed is non-nil it is used as the starting shortlist
// instead of the current routing table contents.
func (d *DHT) lookupRound(ctx context.Context, target NodeID, seed []Node) {
	shortlist := seed
	if shortlist == nil {
		shortlist = d.rt.ClosestNodes(target, K)
	}
	queried := make(map[NodeID]bool)
	for round := 0; round < 4 && len(shortlist) > 0; round++ {
		batch := pickUnqueried(shortlist, queried, alpha)
		if len(batch) == 0 {
			return
		}
		for _, n := range batch {
			queried[n.ID] = true
		}
		g, gctx := errgroup.WithContext(ctx)
		nodesCh := make(chan []Node, len(batch))
		for _, n := range batch {
			n := n
			g.Go(func() error {
				nodes, err := d.FindNode(gctx, n.Addr, target)
				if err == nil {
					nodesCh <- nodes
				}
				return nil
			})
		}
		_ = g.Wait()
		close(nodesCh)
		for nodes := range nodesCh {
			for _, n := range nodes {
				if !containsID(shortlist, n.ID) {
					shortlist = append(shortlist, n)
					d.rt.Observe(n, nil)
				}
			}
		}
	}
}
