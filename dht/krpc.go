package dht

import (
	"crypto/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/adrianmoreno/btcore/bencode"
)

// KRPC message types (the "y" key).
const (
	TypeQuery    = "q"
	TypeResponse = "r"
	TypeError    = "e"
)

// KRPC query method names (the "q" key).
const (
	MethodPing          = "ping"
	MethodFindNode       = "find_node"
	MethodGetPeers       = "get_peers"
	MethodAnnouncePeer   = "announce_peer"
)

// KRPC error codes (the "e" key's first element).
const (
	ErrCodeGeneric       = 201
	ErrCodeServer        = 202
	ErrCodeProtocol      = 203
	ErrCodeMethodUnknown = 204
)

// queryTimeout is the per-query timeout, retried once on expiry.
const queryTimeout = 2 * time.Second

// Message is a decoded KRPC message: a query, a response, or an error.
type Message struct {
	TxID     string
	Type     string
	Query    string
	Args     bencode.Value // dict, only set for queries
	Response bencode.Value // dict, only set for responses
	ErrCode  int
	ErrMsg   string
}

// SenderID extracts the "id" argument/response field common to every
// query and response.
func (m *Message) SenderID() (NodeID, error) {
	var idStr string
	var ok bool
	switch m.Type {
	case TypeQuery:
		idStr, ok = m.Args.GetString("id")
	case TypeResponse:
		idStr, ok = m.Response.GetString("id")
	}
	if !ok || len(idStr) != 20 {
		return NodeID{}, errors.New("dht: message has no valid \"id\"")
	}
	var id NodeID
	copy(id[:], idStr)
	return id, nil
}

// Nodes extracts the "nodes" field of a find_node/get_peers response.
func (m *Message) Nodes() ([]Node, error) {
	nodesStr, ok := m.Response.GetString("nodes")
	if !ok {
		return nil, nil
	}
	return ParseCompactNodes([]byte(nodesStr))
}

// Values extracts the "values" field of a get_peers response (compact
// 6-byte peer contacts).
func (m *Message) Values() ([]*net.UDPAddr, error) {
	values, ok := m.Response.GetList("values")
	if !ok {
		return nil, nil
	}
	peers := make([]*net.UDPAddr, 0, len(values.List))
	for _, v := range values.List {
		if v.Kind != bencode.KindString {
			continue
		}
		p, err := ParseCompactPeer([]byte(v.Str))
		if err != nil {
			continue
		}
		peers = append(peers, p)
	}
	return peers, nil
}

// Token extracts the "token" field of a get_peers response.
func (m *Message) Token() (string, bool) {
	return m.Response.GetString("token")
}

func encode(v bencode.Value) []byte { return bencode.Encode(v) }

func queryMessage(txID, method string, args map[string]bencode.Value) []byte {
	return encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(TypeQuery),
		"q": bencode.String(method),
		"a": bencode.Dict(args),
	}))
}

func responseMessage(txID string, r map[string]bencode.Value) []byte {
	return encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(TypeResponse),
		"r": bencode.Dict(r),
	}))
}

// EncodePing builds a ping query.
func EncodePing(txID string, id NodeID) []byte {
	return queryMessage(txID, MethodPing, map[string]bencode.Value{
		"id": bencode.String(string(id[:])),
	})
}

// EncodePingResponse builds a ping response.
func EncodePingResponse(txID string, id NodeID) []byte {
	return responseMessage(txID, map[string]bencode.Value{
		"id": bencode.String(string(id[:])),
	})
}

// EncodeFindNode builds a find_node query.
func EncodeFindNode(txID string, id, target NodeID) []byte {
	return queryMessage(txID, MethodFindNode, map[string]bencode.Value{
		"id":     bencode.String(string(id[:])),
		"target": bencode.String(string(target[:])),
	})
}

// EncodeFindNodeResponse builds a find_node response carrying the
// concatenated compact-node encoding of the closest known nodes.
func EncodeFindNodeResponse(txID string, id NodeID, nodes []byte) []byte {
	return responseMessage(txID, map[string]bencode.Value{
		"id":    bencode.String(string(id[:])),
		"nodes": bencode.String(string(nodes)),
	})
}

// EncodeGetPeers builds a get_peers query.
func EncodeGetPeers(txID string, id NodeID, infoHash [20]byte) []byte {
	return queryMessage(txID, MethodGetPeers, map[string]bencode.Value{
		"id":        bencode.String(string(id[:])),
		"info_hash": bencode.String(string(infoHash[:])),
	})
}

// EncodeGetPeersResponseNodes builds a get_peers response carrying the
// closest nodes (no peers known for the requested info hash).
func EncodeGetPeersResponseNodes(txID string, id NodeID, token string, nodes []byte) []byte {
	return responseMessage(txID, map[string]bencode.Value{
		"id":    bencode.String(string(id[:])),
		"token": bencode.String(token),
		"nodes": bencode.String(string(nodes)),
	})
}

// EncodeGetPeersResponseValues builds a get_peers response carrying
// compact 6-byte peer contacts for the requested info hash.
func EncodeGetPeersResponseValues(txID string, id NodeID, token string, peers [][]byte) []byte {
	values := make([]bencode.Value, len(peers))
	for i, p := range peers {
		values[i] = bencode.String(string(p))
	}
	return responseMessage(txID, map[string]bencode.Value{
		"id":     bencode.String(string(id[:])),
		"token":  bencode.String(token),
		"values": bencode.List(values),
	})
}

// EncodeAnnouncePeer builds an announce_peer query.
func EncodeAnnouncePeer(txID string, id NodeID, infoHash [20]byte, port int, token string) []byte {
	return queryMessage(txID, MethodAnnouncePeer, map[string]bencode.Value{
		"id":        bencode.String(string(id[:])),
		"info_hash": bencode.String(string(infoHash[:])),
		"port":      bencode.Int64(int64(port)),
		"token":     bencode.String(token),
	})
}

// EncodeAnnouncePeerResponse builds an announce_peer response.
func EncodeAnnouncePeerResponse(txID string, id NodeID) []byte {
	return responseMessage(txID, map[string]bencode.Value{
		"id": bencode.String(string(id[:])),
	})
}

// EncodeError builds a KRPC error message.
func EncodeError(txID string, code int, message string) []byte {
	return encode(bencode.Dict(map[string]bencode.Value{
		"t": bencode.String(txID),
		"y": bencode.String(TypeError),
		"e": bencode.List([]bencode.Value{bencode.Int64(int64(code)), bencode.String(message)}),
	}))
}

// Decode parses a bencoded KRPC message. Malformed input is a recoverable
// per-message error: the caller is expected to log and drop it, not
// terminate the read loop.
func Decode(data []byte) (*Message, error) {
	v, err := bencode.DecodeAll(data)
	if err != nil {
		return nil, errors.Wrap(err, "dht: decoding KRPC message")
	}
	if v.Kind != bencode.KindDict {
		return nil, errors.New("dht: KRPC message is not a dictionary")
	}
	txID, ok := v.GetString("t")
	if !ok {
		return nil, errors.New("dht: KRPC message missing transaction id")
	}
	typ, ok := v.GetString("y")
	if !ok {
		return nil, errors.New("dht: KRPC message missing type")
	}

	msg := &Message{TxID: txID, Type: typ}
	switch typ {
	case TypeQuery:
		q, _ := v.GetString("q")
		msg.Query = q
		a, _ := v.GetDict("a")
		msg.Args = a
	case TypeResponse:
		r, _ := v.GetDict("r")
		msg.Response = r
	case TypeError:
		e, ok := v.GetList("e")
		if ok && len(e.List) >= 2 {
			if e.List[0].Kind == bencode.KindInt {
				msg.ErrCode = int(e.List[0].Int)
			}
			if e.List[1].Kind == bencode.KindString {
				msg.ErrMsg = e.List[1].Str
			}
		}
	default:
		return nil, errors.Errorf("dht: unknown message type %q", typ)
	}
	return msg, nil
}

// pendingQuery tracks an outstanding query awaiting a response.
type pendingQuery struct {
	method   string
	target   *net.UDPAddr
	sentAt   time.Time
	response chan *Message
}

// transactionTable manages KRPC transaction IDs and pending queries.
type transactionTable struct {
	mu      sync.Mutex
	counter uint32
	pending map[string]*pendingQuery
}

func newTransactionTable() *transactionTable {
	return &transactionTable{pending: make(map[string]*pendingQuery)}
}

func (t *transactionTable) newID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.counter++
	return string([]byte{byte(t.counter >> 8), byte(t.counter)})
}

func (t *transactionTable) add(txID, method string, target *net.UDPAddr) *pendingQuery {
	pq := &pendingQuery{
		method:   method,
		target:   target,
		sentAt:   time.Now(),
		response: make(chan *Message, 1),
	}
	t.mu.Lock()
	t.pending[txID] = pq
	t.mu.Unlock()
	return pq
}

func (t *transactionTable) pop(txID string) *pendingQuery {
	t.mu.Lock()
	defer t.mu.Unlock()
	pq := t.pending[txID]
	delete(t.pending, txID)
	return pq
}

// generateToken returns a random 8-byte get_peers announce token.
func generateToken() (string, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return "", errors.Wrap(err, "dht: generating token")
	}
	return string(buf), nil
}
