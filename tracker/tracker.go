// Package tracker implements a thin HTTP tracker client: the exact GET
// announce contract and bencoded response decoding. No tracker server
// is implemented.
package tracker

import (
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/adrianmoreno/btcore/bencode"
)

// httpTimeout bounds a single announce request.
const httpTimeout = 30 * time.Second

// Response is a tracker's answer to an announce.
type Response struct {
	Interval int
	Peers    []*net.UDPAddr
}

// AnnounceRequest holds the parameters of a single announce call.
type AnnounceRequest struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       int
	Uploaded   int64
	Downloaded int64
	Left       int64
	Compact    bool
}

var log = logrus.WithField("component", "tracker")

// Announce issues an HTTP GET against announceURL with the standard
// BitTorrent query parameters and decodes the bencoded response.
func Announce(announceURL string, req AnnounceRequest) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: parsing announce URL")
	}

	compact := "0"
	if req.Compact {
		compact = "1"
	}
	q := url.Values{
		"info_hash":  {string(req.InfoHash[:])},
		"peer_id":    {string(req.PeerID[:])},
		"port":       {strconv.Itoa(req.Port)},
		"uploaded":   {strconv.FormatInt(req.Uploaded, 10)},
		"downloaded": {strconv.FormatInt(req.Downloaded, 10)},
		"left":       {strconv.FormatInt(req.Left, 10)},
		"compact":    {compact},
	}
	u.RawQuery = q.Encode()
	logAnnounce(u.String())

	client := &http.Client{Timeout: httpTimeout}
	resp, err := client.Get(u.String())
	if err != nil {
		return nil, errors.Wrap(err, "tracker: announce request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("tracker: announce returned status %s", resp.Status)
	}

	body := make([]byte, 0, 4096)
	buf := make([]byte, 4096)
	for {
		n, err := resp.Body.Read(buf)
		body = append(body, buf[:n]...)
		if err != nil {
			break
		}
	}

	root, err := bencode.DecodeAll(body)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: decoding response")
	}
	return parseResponse(root)
}

func parseResponse(root bencode.Value) (*Response, error) {
	if root.Kind != bencode.KindDict {
		return nil, errors.New("tracker: response is not a dictionary")
	}
	if failure, ok := root.GetString("failure reason"); ok {
		return nil, errors.Errorf("tracker: announce failed: %s", failure)
	}

	interval, ok := root.GetInt("interval")
	if !ok {
		return nil, errors.New("tracker: response missing \"interval\"")
	}

	peers, err := parsePeers(root)
	if err != nil {
		return nil, err
	}

	return &Response{Interval: int(interval), Peers: peers}, nil
}

// parsePeers accepts both the compact 6-byte-stride string form and the
// list-of-dicts form ({ip, port}) that some trackers still return.
func parsePeers(root bencode.Value) ([]*net.UDPAddr, error) {
	v, ok := root.Dict["peers"]
	if !ok {
		return nil, errors.New("tracker: response missing \"peers\"")
	}

	switch v.Kind {
	case bencode.KindString:
		return parseCompactPeers([]byte(v.Str))
	case bencode.KindList:
		peers := make([]*net.UDPAddr, 0, len(v.List))
		for _, entry := range v.List {
			if entry.Kind != bencode.KindDict {
				continue
			}
			ip, ok := entry.GetString("ip")
			if !ok {
				continue
			}
			port, ok := entry.GetInt("port")
			if !ok {
				continue
			}
			addr, err := net.ResolveIPAddr("ip", ip)
			if err != nil {
				continue
			}
			peers = append(peers, &net.UDPAddr{IP: addr.IP, Port: int(port)})
		}
		return peers, nil
	default:
		return nil, errors.New("tracker: \"peers\" is neither a string nor a list")
	}
}

func parseCompactPeers(data []byte) ([]*net.UDPAddr, error) {
	const stride = 6
	if len(data)%stride != 0 {
		return nil, errors.Errorf("tracker: compact peers length %d not a multiple of %d", len(data), stride)
	}
	peers := make([]*net.UDPAddr, 0, len(data)/stride)
	for i := 0; i < len(data); i += stride {
		ip := net.IP(append([]byte(nil), data[i:i+4]...))
		port := int(data[i+4])<<8 | int(data[i+5])
		peers = append(peers, &net.UDPAddr{IP: ip, Port: port})
	}
	return peers, nil
}

func logAnnounce(url string) {
	log.WithField("url", url).Debug("tracker: announcing")
}
